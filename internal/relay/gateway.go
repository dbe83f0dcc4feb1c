package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/contracts/mq"
	"github.com/agenticmail/agenticmail/internal/config"
	"github.com/agenticmail/agenticmail/internal/model"
	"github.com/agenticmail/agenticmail/pkg/clock"
	"github.com/agenticmail/agenticmail/pkg/metrics"
	"github.com/agenticmail/agenticmail/pkg/trace"
	"github.com/agenticmail/agenticmail/pkg/util"
)

const (
	connectTimeout = 30 * time.Second
	maxPollDelay   = 5 * time.Minute

	// On the very first poll the cursor is seeded uidNext minus this
	// window, so a bounded slice of pre-existing mail is scanned once.
	cursorSeedWindow = 51

	// Every Nth consecutive failure is logged at error level.
	failureLogEvery = 5
)

// ConfigurationError marks a relay account that cannot be used: bad
// address format or credentials rejected during setup verification.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay configuration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("relay configuration: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InboundHandler receives each inbound message resolved to an agent.
type InboundHandler func(ctx context.Context, email *model.InboundEmail, agent string)

// Publisher is the slice of pkg/mq the gateway needs.
type Publisher interface {
	Publish(routingKey string, payload any) error
}

// OnceLock is the cross-process dispatch guard (pkg/util Deduper).
// A false return means another process already claimed the message.
type OnceLock interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
}

// GatewayOptions wires the gateway's collaborators. Mailbox and
// Transport default to the real IMAP/SMTP implementations built from
// the applied configuration; tests substitute fakes.
type GatewayOptions struct {
	Clock     clock.Clock
	Logger    *zap.Logger
	Publisher Publisher
	OnceLock  OnceLock
	Mailbox   Mailbox
	Transport Transport
}

// Gateway owns the shared mailbox: it sends on behalf of agents with
// sub-addressed From lines and polls the inbox, resolving each inbound
// message to the agent that owns it.
type Gateway struct {
	clk       clock.Clock
	logger    *zap.Logger
	publisher Publisher
	once      OnceLock

	mailboxOverride   Mailbox
	transportOverride Transport

	index *SentMessageIndex

	// inboxMu is the scoped inbox lock: held for the whole of a poll
	// cycle and for ad-hoc search/fetch, released on every exit path.
	inboxMu sync.Mutex

	mu            sync.Mutex
	cfg           config.RelayConfig
	local         string
	domain        string
	mailbox       Mailbox
	transport     Transport
	handler       InboundHandler
	polling       bool
	pollTimer     clock.Timer
	inFlight      bool
	interval      time.Duration
	lastSeenUID   uint32
	firstPollDone bool
	failures      int
}

func NewGateway(opts GatewayOptions) *Gateway {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		clk:               clk,
		logger:            logger,
		publisher:         opts.Publisher,
		once:              opts.OnceLock,
		mailboxOverride:   opts.Mailbox,
		transportOverride: opts.Transport,
		index:             NewSentMessageIndex(),
	}
}

// Setup validates and applies the relay account, verifying the SMTP
// transport and a throwaway IMAP connection before accepting it.
// Re-applying a configuration tears down the previous transport and
// resets the poll cursor.
func (g *Gateway) Setup(ctx context.Context, cfg config.RelayConfig) error {
	if err := cfg.Validate(); err != nil {
		return &ConfigurationError{Reason: "invalid relay account", Err: err}
	}
	local, domain, err := SplitAddress(cfg.Email)
	if err != nil {
		return &ConfigurationError{Reason: "invalid relay address", Err: err}
	}

	transport := g.transportOverride
	if transport == nil {
		transport = NewSMTPTransport(cfg)
	}
	if err := transport.Verify(ctx); err != nil {
		return &ConfigurationError{Reason: "smtp verification failed", Err: err}
	}

	mailbox := g.mailboxOverride
	if mailbox == nil {
		mailbox = NewIMAPMailbox(cfg)
	}
	sess, err := mailbox.Connect(ctx)
	if err != nil {
		return &ConfigurationError{Reason: "imap verification failed", Err: err}
	}
	if err := sess.Close(); err != nil {
		g.logger.Warn("closing imap verification session", zap.Error(err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.local = local
	g.domain = domain
	g.transport = transport
	g.mailbox = mailbox
	g.lastSeenUID = 0
	g.firstPollDone = false
	g.failures = 0

	g.logger.Info("relay gateway configured",
		zap.String("provider", cfg.Provider),
		zap.String("email", cfg.Email),
		zap.String("imap_host", cfg.IMAPHost),
		zap.String("smtp_host", cfg.SMTPHost),
	)
	return nil
}

// RegisterHandler sets the inbound callback invoked once per resolved
// message.
func (g *Gateway) RegisterHandler(h InboundHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Send submits a message on behalf of agentName. The From address is
// rewritten to the agent's sub-address and the resulting Message-ID is
// indexed for reply threading.
func (g *Gateway) Send(ctx context.Context, agentName string, msg *model.OutboundMessage) (*model.SendResult, error) {
	g.mu.Lock()
	transport := g.transport
	local, domain := g.local, g.domain
	g.mu.Unlock()
	if transport == nil {
		return nil, fmt.Errorf("relay gateway not configured")
	}
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	from := SubAddress(local, agentName, domain)
	messageID := uuid.NewString() + "@" + domain
	now := g.clk.Now()

	raw, err := buildRaw(from, msg, messageID, now)
	if err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}

	rcpts := append(append([]string{}, msg.To...), msg.Cc...)
	start := time.Now()
	if err := transport.Submit(ctx, from, rcpts, raw); err != nil {
		metrics.RecordSendLatency("error", time.Since(start))
		return nil, fmt.Errorf("submit message: %w", err)
	}
	metrics.RecordSendLatency("ok", time.Since(start))

	g.index.Add(messageID, agentName)

	result := &model.SendResult{
		MessageID: messageID,
		Envelope: model.Envelope{
			From:      from,
			To:        msg.To,
			Cc:        msg.Cc,
			Subject:   msg.Subject,
			MessageID: messageID,
			Date:      now,
		},
		Raw: raw,
	}

	if g.publisher != nil {
		payload := mq.MailSentPayload{
			MessageID: messageID,
			Agent:     agentName,
			To:        msg.To,
			Subject:   msg.Subject,
			SentAt:    now,
		}
		if err := g.publisher.Publish("mail.sent", payload); err != nil {
			g.logger.Warn("publish mail.sent failed", zap.Error(err))
		}
	}

	g.logger.Info("message sent",
		zap.String("agent", agentName),
		zap.String("message_id", messageID),
		zap.Strings("to", msg.To),
	)
	return result, nil
}

// StartPolling begins the inbox poll loop. Calling it while already
// polling is a no-op.
func (g *Gateway) StartPolling(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.polling {
		return
	}
	if interval <= 0 {
		interval = time.Duration(g.cfg.PollSeconds) * time.Second
	}
	g.polling = true
	g.interval = interval
	g.pollTimer = g.clk.AfterFunc(0, g.pollCycle)
	g.logger.Info("inbox polling started", zap.Duration("interval", interval))
}

// StopPolling stops the loop and clears the pending timer.
func (g *Gateway) StopPolling() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.polling {
		return
	}
	g.polling = false
	if g.pollTimer != nil {
		g.pollTimer.Stop()
	}
	g.logger.Info("inbox polling stopped")
}

// pollCycle runs one cycle and reschedules itself. One-shot timers
// rather than a ticker: a failing cycle must never overlap the next,
// and backoff takes effect immediately.
func (g *Gateway) pollCycle() {
	g.mu.Lock()
	if !g.polling {
		g.mu.Unlock()
		return
	}
	if g.inFlight {
		metrics.PollCycles.WithLabelValues("skipped").Inc()
		g.scheduleNextLocked()
		g.mu.Unlock()
		return
	}
	g.inFlight = true
	g.mu.Unlock()

	traceID := trace.GenerateTraceID()
	ctx := trace.WithContext(context.Background(), traceID)
	logger := g.logger.With(zap.String("trace_id", traceID))

	err := g.pollOnce(ctx, logger)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false
	if err != nil {
		g.failures++
		metrics.PollCycles.WithLabelValues("error").Inc()
		retryable, errKind := util.IsRetryableError(err)
		if g.failures%failureLogEvery == 0 {
			logger.Error("poll cycle keeps failing",
				zap.Int("consecutive_failures", g.failures),
				zap.Uint32("cursor", g.lastSeenUID),
				zap.Bool("retryable", retryable),
				zap.String("error_kind", errKind),
				zap.Error(err),
			)
		} else {
			logger.Warn("poll cycle failed", zap.Int("consecutive_failures", g.failures), zap.Error(err))
		}
	} else {
		g.failures = 0
		metrics.PollCycles.WithLabelValues("ok").Inc()
	}
	g.scheduleNextLocked()
}

func (g *Gateway) scheduleNextLocked() {
	if !g.polling {
		return
	}
	delay := util.Backoff(g.interval, g.failures, maxPollDelay)
	g.pollTimer = g.clk.AfterFunc(delay, g.pollCycle)
}

// pollOnce performs one inbox scan. Connection and search errors are
// transient and returned for backoff; per-message failures are logged
// and skipped, the cursor having already advanced past them.
func (g *Gateway) pollOnce(ctx context.Context, logger *zap.Logger) error {
	g.inboxMu.Lock()
	defer g.inboxMu.Unlock()

	g.mu.Lock()
	mailbox := g.mailbox
	g.mu.Unlock()
	if mailbox == nil {
		return fmt.Errorf("relay gateway not configured")
	}

	sess, err := mailbox.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	uidNext, err := sess.SelectInbox(ctx)
	if err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	g.mu.Lock()
	if !g.firstPollDone {
		if uidNext > cursorSeedWindow {
			g.lastSeenUID = uidNext - cursorSeedWindow
		}
		g.firstPollDone = true
		logger.Info("poll cursor seeded", zap.Uint32("cursor", g.lastSeenUID), zap.Uint32("uid_next", uidNext))
	}
	cursor := g.lastSeenUID
	g.mu.Unlock()

	uids, err := sess.SearchAll(ctx)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	pending := uids[:0:0]
	for _, uid := range uids {
		if uid > cursor {
			pending = append(pending, uid)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for _, uid := range pending {
		// The cursor moves before processing so a poisoned message can
		// never block progress or be reprocessed forever.
		g.advanceCursor(uid)
		g.processMessage(ctx, logger, sess, uid)
	}
	return nil
}

func (g *Gateway) advanceCursor(uid uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if uid > g.lastSeenUID {
		g.lastSeenUID = uid
	}
}

func (g *Gateway) processMessage(ctx context.Context, logger *zap.Logger, sess MailboxSession, uid uint32) {
	email, err := sess.FetchByUID(ctx, uid)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
		logger.Warn("fetch failed, skipping message", zap.Uint32("uid", uid), zap.Error(err))
		return
	}

	g.mu.Lock()
	local, domain := g.local, g.domain
	handler := g.handler
	g.mu.Unlock()

	// Own sub-addressed mail loops straight back to the inbox on some
	// providers.
	if _, ok := ParseSubAddress(email.From, local, domain); ok {
		metrics.MessagesProcessed.WithLabelValues("self").Inc()
		logger.Debug("skipping self-sent message", zap.Uint32("uid", uid), zap.String("from", email.From))
		return
	}

	agent, method := g.resolveAgent(email)
	metrics.AgentResolution.WithLabelValues(method).Inc()
	if agent == "" {
		metrics.MessagesProcessed.WithLabelValues("dropped").Inc()
		logger.Info("no agent resolved, dropping message",
			zap.Uint32("uid", uid),
			zap.String("message_id", email.MessageID),
		)
		return
	}

	if g.once != nil {
		dedupID := email.MessageID
		if dedupID == "" {
			dedupID = fmt.Sprintf("uid-%d", uid)
		}
		if !g.once.AcquireOnce(ctx, "inbound", dedupID) {
			metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
			logger.Debug("message claimed by another process", zap.String("message_id", dedupID))
			return
		}
	}

	if handler != nil {
		handler(ctx, email, agent)
	}

	if err := sess.MarkSeen(ctx, uid); err != nil {
		logger.Warn("mark seen failed", zap.Uint32("uid", uid), zap.Error(err))
	}

	metrics.MessagesProcessed.WithLabelValues("dispatched").Inc()
	logger.Info("inbound message dispatched",
		zap.Uint32("uid", uid),
		zap.String("agent", agent),
		zap.String("method", method),
	)

	if g.publisher != nil {
		payload := mq.MailReceivedPayload{
			MessageID:  email.MessageID,
			UID:        uid,
			Agent:      agent,
			From:       email.From,
			Subject:    email.Subject,
			ReceivedAt: g.clk.Now(),
		}
		if err := g.publisher.Publish("mail.received", payload); err != nil {
			logger.Warn("publish mail.received failed", zap.Error(err))
		}
	}
}

// TriggerPoll runs a cycle ahead of schedule, typically on a push
// notification that new mail arrived.
func (g *Gateway) TriggerPoll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.polling {
		return
	}
	if g.pollTimer != nil {
		g.pollTimer.Stop()
	}
	g.pollTimer = g.clk.AfterFunc(0, g.pollCycle)
}

// Search runs an ad-hoc query against the inbox on a fresh session.
func (g *Gateway) Search(ctx context.Context, q model.SearchQuery) ([]model.EmailSummary, error) {
	sess, err := g.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	if _, err := sess.SelectInbox(ctx); err != nil {
		return nil, err
	}
	return sess.Search(ctx, q)
}

// FetchByUID imports a single remote message with full headers and
// attachment content.
func (g *Gateway) FetchByUID(ctx context.Context, uid uint32) (*model.InboundEmail, error) {
	sess, err := g.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	if _, err := sess.SelectInbox(ctx); err != nil {
		return nil, err
	}
	return sess.FetchByUID(ctx, uid)
}

func (g *Gateway) openSession(ctx context.Context) (MailboxSession, error) {
	g.mu.Lock()
	mailbox := g.mailbox
	g.mu.Unlock()
	if mailbox == nil {
		return nil, fmt.Errorf("relay gateway not configured")
	}
	return mailbox.Connect(ctx)
}

// Cursor exposes the poll position for the ops endpoint.
func (g *Gateway) Cursor() (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeenUID, g.firstPollDone
}

// IndexSize reports the sent-message index occupancy.
func (g *Gateway) IndexSize() int {
	return g.index.Len()
}
