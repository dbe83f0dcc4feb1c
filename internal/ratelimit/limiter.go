package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/clock"
	"github.com/agenticmail/agenticmail/pkg/metrics"
)

const (
	// WarnThreshold 未应答消息数达到该值时附带警告
	WarnThreshold = 3
	// BlockThreshold 未应答消息数达到该值时进入冷却
	BlockThreshold = 5
	// CooldownPeriod is how long a blocked pair stays blocked after the
	// last send.
	CooldownPeriod = 2 * time.Minute
	// Window is the trailing window for burst protection.
	Window = 5 * time.Minute
	// WindowMax is the maximum sends allowed inside Window.
	WindowMax = 10

	idleTTL       = 30 * time.Minute
	sweepInterval = 5 * time.Minute
)

// Outcome classifies a rate-limit decision.
type Outcome int

const (
	Allow Outcome = iota
	Warn
	Block
)

func (o Outcome) String() string {
	switch o {
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

// Decision is a structured verdict, not an error. Warn still permits
// the send; Block denies it with the remaining wait time.
type Decision struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
}

// Allowed reports whether the send may proceed.
func (d Decision) Allowed() bool { return d.Outcome != Block }

type pairKey struct {
	from string
	to   string
}

// record tracks one directed (sender, recipient) pair. Created lazily
// on first send, garbage-collected after 30 minutes of inactivity.
type record struct {
	unanswered  int
	sentTimes   []time.Time
	lastSentAt  time.Time
	lastReplyAt time.Time
}

func (r *record) lastActivity() time.Time {
	if r.lastReplyAt.After(r.lastSentAt) {
		return r.lastReplyAt
	}
	return r.lastSentAt
}

// Limiter is a pure in-memory judge consulted by the send path to keep
// agents from looping on each other. It has no side channel of its own.
type Limiter struct {
	mu      sync.Mutex
	records map[pairKey]*record
	clk     clock.Clock
	logger  *zap.Logger
	sweep   clock.Timer
	closed  bool
}

func New(clk clock.Clock, logger *zap.Logger) *Limiter {
	l := &Limiter{
		records: make(map[pairKey]*record),
		clk:     clk,
		logger:  logger,
	}
	l.sweep = clk.AfterFunc(sweepInterval, l.sweepIdle)
	return l
}

// Check judges a prospective send from one agent to another.
func (l *Limiter) Check(from, to string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.check(from, to)
	metrics.RateLimitDecisions.WithLabelValues(d.Outcome.String()).Inc()
	if d.Outcome != Allow {
		l.logger.Info("rate limit decision",
			zap.String("from", from),
			zap.String("to", to),
			zap.String("decision", d.Outcome.String()),
			zap.String("reason", d.Reason),
		)
	}
	return d
}

func (l *Limiter) check(from, to string) Decision {
	rec, ok := l.records[pairKey{from, to}]
	if !ok {
		return Decision{Outcome: Allow}
	}

	now := l.clk.Now()
	rec.trimWindow(now)

	if rec.unanswered >= BlockThreshold {
		elapsed := now.Sub(rec.lastSentAt)
		if elapsed < CooldownPeriod {
			remaining := CooldownPeriod - elapsed
			return Decision{
				Outcome: Block,
				Reason: fmt.Sprintf(
					"%d unanswered messages to %s; wait %s before sending again",
					rec.unanswered, to, remaining.Round(time.Second),
				),
				RetryAfter: remaining,
			}
		}
	}

	if len(rec.sentTimes) >= WindowMax {
		return Decision{
			Outcome: Block,
			Reason: fmt.Sprintf(
				"%d messages to %s within %s; burst limit reached",
				len(rec.sentTimes), to, Window,
			),
			RetryAfter: Window,
		}
	}

	if rec.unanswered >= WarnThreshold {
		return Decision{
			Outcome: Warn,
			Reason: fmt.Sprintf(
				"%d messages to %s without a reply; consider waiting",
				rec.unanswered, to,
			),
		}
	}

	return Decision{Outcome: Allow}
}

// RecordSent registers a completed send from one agent to another.
func (l *Limiter) RecordSent(from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{from, to}
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	now := l.clk.Now()
	rec.unanswered++
	rec.sentTimes = append(rec.sentTimes, now)
	rec.lastSentAt = now
	rec.trimWindow(now)
}

// RecordInbound registers that agent `to` observed an inbound message
// from agent `from`. The reverse record's unanswered counter resets:
// hearing from the peer is evidence of liveness.
func (l *Limiter) RecordInbound(from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[pairKey{to, from}]
	if !ok {
		return
	}
	rec.unanswered = 0
	rec.lastReplyAt = l.clk.Now()
}

func (r *record) trimWindow(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(r.sentTimes) && !r.sentTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.sentTimes = append(r.sentTimes[:0], r.sentTimes[i:]...)
	}
}

// sweepIdle evicts records idle for more than idleTTL, then re-arms.
func (l *Limiter) sweepIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	cutoff := l.clk.Now().Add(-idleTTL)
	evicted := 0
	for key, rec := range l.records {
		if rec.lastActivity().Before(cutoff) {
			delete(l.records, key)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("rate limiter sweep",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(l.records)),
		)
	}

	l.sweep = l.clk.AfterFunc(sweepInterval, l.sweepIdle)
}

// TrackedPairs returns the number of live records (for health output).
func (l *Limiter) TrackedPairs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Close stops the sweep timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.sweep != nil {
		l.sweep.Stop()
	}
}
