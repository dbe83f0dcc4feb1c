package httpserver

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenticmail/agenticmail/internal/relay"
	"github.com/agenticmail/agenticmail/pkg/mq"
)

type Router struct {
	Engine *gin.Engine
}

// NewRouter builds the ops router: health, readiness, metrics and a
// small relay status endpoint.
func NewRouter(gateway *relay.Gateway, publisher *mq.Publisher) *Router {
	r := gin.Default()

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		if publisher != nil && !publisher.IsConnected() {
			c.JSON(500, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/relay/status", func(c *gin.Context) {
		cursor, seeded := gateway.Cursor()
		c.JSON(200, gin.H{
			"cursor":     cursor,
			"seeded":     seeded,
			"index_size": gateway.IndexSize(),
		})
	})

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
