package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 轮询周期计数
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_poll_cycles_total",
			Help: "Total number of mailbox poll cycles",
		},
		[]string{"status"}, // status: ok, error, skipped
	)

	// 单条消息处理计数
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_processed_total",
			Help: "Total number of inbound messages handled by the poll loop",
		},
		[]string{"status"}, // status: dispatched, dropped, self, duplicate, failed
	)

	// Agent 解析方式计数
	AgentResolution = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_agent_resolution_total",
			Help: "How inbound messages were resolved to an agent",
		},
		[]string{"method"}, // method: subaddress, in_reply_to, references, default, none
	)

	// 邮件发送延迟（毫秒）
	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_send_latency_ms",
			Help:    "SMTP send latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"status"},
	)

	// 限流判定计数
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_decisions_total",
			Help: "Inter-agent rate limiter decisions",
		},
		[]string{"decision"}, // decision: allow, warn, block
	)

	// 跟进提醒触发计数
	FollowUpFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_followup_fires_total",
			Help: "Follow-up reminder fires by kind",
		},
		[]string{"kind"}, // kind: interim, final, cooldown, resolved
	)

	// 事件流分发计数
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_events_total",
			Help: "Events dispatched by the push/poll client",
		},
		[]string{"transport", "type"}, // transport: push, poll
	)

	// 事件流重连计数
	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_reconnects_total",
			Help: "Reconnection attempts made by the push/poll client",
		},
	)
)

// RecordSendLatency 记录 SMTP 发送延迟
func RecordSendLatency(status string, duration time.Duration) {
	SendLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}
