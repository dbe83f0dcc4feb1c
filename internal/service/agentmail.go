// Package service is the send/receive façade the API layer calls: it
// consults the inter-agent rate limiter before a message leaves the
// relay, feeds inbound traffic back into the limiter, and hands
// guard-blocked sends to the follow-up scheduler.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/internal/followup"
	"github.com/agenticmail/agenticmail/internal/model"
	"github.com/agenticmail/agenticmail/internal/ratelimit"
)

// ErrRateLimited is returned when the limiter denies a send. The
// accompanying Decision carries the reason and retry-after.
var ErrRateLimited = errors.New("send denied by rate limiter")

// Mailer is the slice of the relay gateway the service needs.
type Mailer interface {
	Send(ctx context.Context, agentName string, msg *model.OutboundMessage) (*model.SendResult, error)
}

// InboundConsumer receives messages after the service has done its
// bookkeeping; the downstream dispatch that turns these into agent
// replies lives outside this process.
type InboundConsumer func(ctx context.Context, email *model.InboundEmail, agent string)

type AgentMailService struct {
	mailer    Mailer
	limiter   *ratelimit.Limiter
	scheduler *followup.Scheduler
	consumer  InboundConsumer
	logger    *zap.Logger
}

func NewAgentMailService(mailer Mailer, limiter *ratelimit.Limiter, scheduler *followup.Scheduler, logger *zap.Logger) *AgentMailService {
	return &AgentMailService{
		mailer:    mailer,
		limiter:   limiter,
		scheduler: scheduler,
		logger:    logger,
	}
}

// SetConsumer registers the downstream inbound consumer.
func (s *AgentMailService) SetConsumer(c InboundConsumer) {
	s.consumer = c
}

// SendAsAgent checks the rate limiter for every recipient, sends, and
// records the send. A blocked pair denies the whole message; warnings
// are returned with the successful result.
func (s *AgentMailService) SendAsAgent(ctx context.Context, agent string, msg *model.OutboundMessage) (*model.SendResult, ratelimit.Decision, error) {
	decision := ratelimit.Decision{Outcome: ratelimit.Allow}
	for _, rcpt := range msg.To {
		d := s.limiter.Check(agent, rcpt)
		if !d.Allowed() {
			s.logger.Warn("send denied by rate limiter",
				zap.String("agent", agent),
				zap.String("recipient", rcpt),
				zap.String("reason", d.Reason),
				zap.Duration("retry_after", d.RetryAfter),
			)
			return nil, d, ErrRateLimited
		}
		if d.Outcome == ratelimit.Warn {
			decision = d
		}
	}

	result, err := s.mailer.Send(ctx, agent, msg)
	if err != nil {
		return nil, decision, err
	}
	for _, rcpt := range msg.To {
		s.limiter.RecordSent(agent, rcpt)
	}
	return result, decision, nil
}

// HandleInbound is registered as the gateway's inbound callback. It
// clears the sender's unanswered counter toward this agent and passes
// the message downstream.
func (s *AgentMailService) HandleInbound(ctx context.Context, email *model.InboundEmail, agent string) {
	s.limiter.RecordInbound(email.From, agent)
	if s.consumer != nil {
		s.consumer(ctx, email, agent)
	}
}

// TrackBlockedSend starts follow-up reminders for a send the outbound
// content guard held for approval.
func (s *AgentMailService) TrackBlockedSend(ctx context.Context, pendingID, recipient, subject, target string) error {
	if target == "" {
		target = followup.TargetEmail
	}
	return s.scheduler.Schedule(ctx, pendingID, recipient, subject, target)
}
