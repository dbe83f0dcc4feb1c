package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/internal/config"
	"github.com/agenticmail/agenticmail/internal/eventstream"
	"github.com/agenticmail/agenticmail/internal/followup"
	"github.com/agenticmail/agenticmail/internal/httpserver"
	"github.com/agenticmail/agenticmail/internal/notify"
	"github.com/agenticmail/agenticmail/internal/pending"
	"github.com/agenticmail/agenticmail/internal/ratelimit"
	"github.com/agenticmail/agenticmail/internal/relay"
	"github.com/agenticmail/agenticmail/internal/service"
	"github.com/agenticmail/agenticmail/pkg/clock"
	"github.com/agenticmail/agenticmail/pkg/db"
	"github.com/agenticmail/agenticmail/pkg/logger"
	"github.com/agenticmail/agenticmail/pkg/mq"
	pkgredis "github.com/agenticmail/agenticmail/pkg/redis"
	"github.com/agenticmail/agenticmail/pkg/util"
)

// staticPending is the status provider used when no approval service
// is configured: everything stays pending until explicitly cancelled.
type staticPending struct{}

func (staticPending) IsPending(context.Context, string) (bool, error) { return true, nil }

func main() {
	// 1. Load config
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// 2. Optional MQ publisher for mail.* and followup.* events
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		p, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("MQ publisher init failed", zap.Error(err))
		}
		publisher = p
		defer publisher.Close()
	}

	// 3. Optional redis once-lock for cross-process dispatch
	var onceLock relay.OnceLock
	if cfg.Redis.Addr != "" {
		rdb := pkgredis.NewClient(cfg.Redis)
		onceLock = util.NewDeduper(rdb, 24*time.Hour, log)
	}

	// 4. Relay gateway
	gatewayOpts := relay.GatewayOptions{
		Clock:    clk,
		Logger:   log,
		OnceLock: onceLock,
	}
	if publisher != nil {
		gatewayOpts.Publisher = publisher
	}
	gateway := relay.NewGateway(gatewayOpts)
	if err := gateway.Setup(ctx, cfg.Relay); err != nil {
		log.Fatal("relay setup failed", zap.Error(err))
	}

	// 5. Follow-up scheduler: status provider, reminder sink, store
	var provider followup.PendingStatusProvider = staticPending{}
	if cfg.FollowUp.PendingBaseURL != "" {
		provider = pending.NewClient(cfg.FollowUp.PendingBaseURL, cfg.JWT.Secret, log)
	}

	var sinkPublisher notify.Publisher
	if publisher != nil {
		sinkPublisher = publisher
	}
	reminderAgent := cfg.Relay.DefaultAgent
	if reminderAgent == "" {
		reminderAgent = "followups"
	}
	sink := notify.NewSender(gateway, reminderAgent, sinkPublisher, log)

	var store followup.Store
	switch cfg.FollowUp.Store {
	case "file":
		path := cfg.FollowUp.Path
		if path == "" {
			path = "data/followups.json"
		}
		store = followup.NewFileStore(path)
	case "postgres":
		pool, err := db.NewPool(cfg.DB, log)
		if err != nil {
			log.Fatal("DB initialization failed", zap.Error(err))
		}
		defer pool.Close()
		pgStore := followup.NewPGStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatal("follow-up schema init failed", zap.Error(err))
		}
		store = pgStore
	}

	scheduler := followup.NewScheduler(provider, sink, store, clk, log)
	if err := scheduler.Restore(ctx); err != nil {
		log.Fatal("follow-up restore failed", zap.Error(err))
	}
	defer scheduler.CancelAll()

	// 6. Rate limiter and send/receive façade
	limiter := ratelimit.New(clk, log)
	defer limiter.Close()

	svc := service.NewAgentMailService(gateway, limiter, scheduler, log)
	gateway.RegisterHandler(svc.HandleInbound)

	// 7. Ops HTTP server
	router := httpserver.NewRouter(gateway, publisher)
	go func() {
		if err := router.Run(cfg.Server.Port); err != nil {
			log.Fatal("ops server failed", zap.Error(err))
		}
	}()

	// 8. Inbox polling
	gateway.StartPolling(time.Duration(cfg.Relay.PollSeconds) * time.Second)
	defer gateway.StopPolling()

	// 9. Optional push/poll event stream: a push frame pulls the next
	// poll cycle forward instead of waiting out the interval.
	if cfg.Stream.URL != "" {
		opts := eventstream.Options{
			Handler: func(_ context.Context, ev eventstream.Event) {
				switch ev.(type) {
				case eventstream.NewMailEvent:
					gateway.TriggerPoll()
				default:
					log.Info("stream event received", zap.String("key", ev.DedupKey()))
				}
			},
			Logger: log,
		}
		if cfg.Stream.PollURL != "" {
			opts.Poll = eventstream.HTTPPoll(cfg.Stream.PollURL, nil)
			opts.PollInterval = time.Duration(cfg.Stream.PollSeconds) * time.Second
		}
		client := eventstream.NewClient(cfg.Stream.URL, opts)
		go func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("event stream client stopped", zap.Error(err))
			}
		}()
	}

	log.Info("relayd started",
		zap.String("email", cfg.Relay.Email),
		zap.Int("poll_seconds", cfg.Relay.PollSeconds),
		zap.String("followup_store", cfg.FollowUp.Store),
	)

	<-ctx.Done()
	log.Info("shutting down")
}
