// Package notify delivers follow-up reminders over the entry's
// delivery target: back through the relay as email, or onto the event
// bus for in-system consumers.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/contracts/mq"
	"github.com/agenticmail/agenticmail/internal/followup"
	"github.com/agenticmail/agenticmail/internal/model"
)

// MailSender is the slice of the relay gateway the email channel
// needs.
type MailSender interface {
	Send(ctx context.Context, agentName string, msg *model.OutboundMessage) (*model.SendResult, error)
}

// Publisher is the slice of pkg/mq the event channel needs.
type Publisher interface {
	Publish(routingKey string, payload any) error
}

// Sender implements followup.ReminderSink, switching on the entry's
// delivery target.
type Sender struct {
	mailer    MailSender
	agentName string
	publisher Publisher
	logger    *zap.Logger
}

// NewSender builds the reminder sink. agentName is the sub-address the
// reminder emails are sent as.
func NewSender(mailer MailSender, agentName string, publisher Publisher, logger *zap.Logger) *Sender {
	return &Sender{
		mailer:    mailer,
		agentName: agentName,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *Sender) Deliver(ctx context.Context, target string, r followup.Reminder) error {
	s.logger.Info("delivering follow-up reminder",
		zap.String("pending_id", r.PendingID),
		zap.String("target", target),
		zap.String("tag", r.Tag),
	)

	switch target {
	case followup.TargetEmail:
		return s.deliverEmail(ctx, r)
	case followup.TargetEvent:
		return s.deliverEvent(r)
	default:
		return fmt.Errorf("unsupported delivery target: %s", target)
	}
}

func (s *Sender) deliverEmail(ctx context.Context, r followup.Reminder) error {
	if s.mailer == nil {
		return fmt.Errorf("email delivery target without a configured relay")
	}
	_, err := s.mailer.Send(ctx, s.agentName, &model.OutboundMessage{
		To:      []string{r.Recipient},
		Subject: r.Tag + " " + r.Subject,
		Text:    r.Body,
	})
	if err != nil {
		return fmt.Errorf("send reminder email: %w", err)
	}
	return nil
}

func (s *Sender) deliverEvent(r followup.Reminder) error {
	if s.publisher == nil {
		return fmt.Errorf("event delivery target without a configured publisher")
	}
	payload := mq.FollowUpReminderPayload{
		PendingID: r.PendingID,
		Recipient: r.Recipient,
		Subject:   r.Subject,
		Tag:       r.Tag,
		Step:      r.Step,
		Cycle:     r.Cycle,
		FiredAt:   r.FiredAt,
	}
	if err := s.publisher.Publish("followup.reminder", payload); err != nil {
		return fmt.Errorf("publish followup.reminder: %w", err)
	}
	return nil
}
