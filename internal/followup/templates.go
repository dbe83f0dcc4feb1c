package followup

import (
	"fmt"
	"time"
)

const finalTag = "[FINAL FOLLOW-UP]"

func interimTag(step int) string {
	return fmt.Sprintf("[FOLLOW-UP REMINDER %d/%d]", step+1, len(stepDelays))
}

func cycleTag(cycle int) string {
	return fmt.Sprintf("[FOLLOW-UP REMINDER — cycle %d]", cycle+1)
}

// Reminder is the composed message handed to a ReminderSink.
type Reminder struct {
	PendingID string
	Recipient string
	Subject   string
	Tag       string
	Body      string
	Step      int
	Cycle     int
	FiredAt   time.Time
}

// buildReminder composes the reminder for a fire of the given entry.
// The entry must already be advanced past a cooldown (cycle bumped)
// when wasCooldown is set.
func buildReminder(e Entry, wasCooldown bool, now time.Time) Reminder {
	age := now.Sub(e.CreatedAt).Round(time.Minute)

	var tag, body string
	switch {
	case wasCooldown:
		tag = cycleTag(e.Cycle)
		body = fmt.Sprintf(
			"The email %q to %s is still awaiting approval after %s.\n"+
				"The reminder cycle has restarted. Pending item: %s.",
			e.Subject, e.Recipient, age, e.PendingID)
	case e.Step == len(stepDelays)-1:
		tag = finalTag
		body = fmt.Sprintf(
			"Final reminder: the email %q to %s has been awaiting approval for %s.\n"+
				"If no action is taken, reminders pause for %s before restarting.\n"+
				"Pending item: %s.",
			e.Subject, e.Recipient, age, cooldownDelay, e.PendingID)
	default:
		tag = interimTag(e.Step)
		body = fmt.Sprintf(
			"The email %q to %s has been awaiting approval for %s.\n"+
				"Pending item: %s.",
			e.Subject, e.Recipient, age, e.PendingID)
	}

	return Reminder{
		PendingID: e.PendingID,
		Recipient: e.Recipient,
		Subject:   e.Subject,
		Tag:       tag,
		Body:      body,
		Step:      e.Step,
		Cycle:     e.Cycle,
		FiredAt:   now,
	}
}
