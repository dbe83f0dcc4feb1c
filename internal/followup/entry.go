package followup

import (
	"encoding/json"
	"fmt"
	"time"
)

// Delivery targets for reminders.
const (
	TargetEmail = "EMAIL"
	TargetEvent = "EVENT"
)

// Entry is one tracked pending email awaiting approval. The scheduler
// owns the entry for its whole lifetime; it is destroyed when the
// status check reports the item resolved or when explicitly cancelled.
type Entry struct {
	PendingID string
	Recipient string
	Subject   string

	// Step is the position in the escalation ladder (0..3). Cooldown is
	// set while the entry waits out the pause after the final reminder.
	Step     int
	Cooldown bool
	Cycle    int

	NextFireAt     time.Time
	CreatedAt      time.Time
	DeliveryTarget string
}

// entryDoc is the persisted shape. The step field carries either a
// ladder position or the literal "cooldown".
// 持久化格式，step 字段为数字或 "cooldown"
type entryDoc struct {
	PendingID      string          `json:"pendingId"`
	Recipient      string          `json:"recipient"`
	Subject        string          `json:"subject"`
	Step           json.RawMessage `json:"step"`
	Cycle          int             `json:"cycle"`
	NextFireAt     time.Time       `json:"nextFireAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	DeliveryTarget string          `json:"deliveryTarget"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	step := json.RawMessage(fmt.Sprintf("%d", e.Step))
	if e.Cooldown {
		step = json.RawMessage(`"cooldown"`)
	}
	return json.Marshal(entryDoc{
		PendingID:      e.PendingID,
		Recipient:      e.Recipient,
		Subject:        e.Subject,
		Step:           step,
		Cycle:          e.Cycle,
		NextFireAt:     e.NextFireAt,
		CreatedAt:      e.CreatedAt,
		DeliveryTarget: e.DeliveryTarget,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var doc entryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*e = Entry{
		PendingID:      doc.PendingID,
		Recipient:      doc.Recipient,
		Subject:        doc.Subject,
		Cycle:          doc.Cycle,
		NextFireAt:     doc.NextFireAt,
		CreatedAt:      doc.CreatedAt,
		DeliveryTarget: doc.DeliveryTarget,
	}
	var step int
	if err := json.Unmarshal(doc.Step, &step); err == nil {
		if step < 0 || step >= len(stepDelays) {
			return fmt.Errorf("follow-up entry %s: step %d out of range", doc.PendingID, step)
		}
		e.Step = step
		return nil
	}
	var s string
	if err := json.Unmarshal(doc.Step, &s); err != nil || s != "cooldown" {
		return fmt.Errorf("follow-up entry %s: unrecognized step %s", doc.PendingID, doc.Step)
	}
	e.Step = len(stepDelays) - 1
	e.Cooldown = true
	return nil
}
