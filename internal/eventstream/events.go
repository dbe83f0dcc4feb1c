package eventstream

import (
	"encoding/json"
	"fmt"
)

// Event is the tagged union of notification frames carried by the
// push stream and the poll fallback.
type Event interface {
	// DedupKey identifies the event for duplicate suppression across
	// transports.
	DedupKey() string
	eventType() string
}

// NewMailEvent signals that a new message landed in the mailbox.
type NewMailEvent struct {
	UID uint32 `json:"uid"`
}

func (e NewMailEvent) DedupKey() string  { return fmt.Sprintf("uid:%d", e.UID) }
func (e NewMailEvent) eventType() string { return "new" }

// TaskEvent signals a task assignment for an agent.
type TaskEvent struct {
	TaskID   string          `json:"taskId"`
	TaskType string          `json:"taskType"`
	Task     json.RawMessage `json:"task"`
	From     string          `json:"from"`
}

func (e TaskEvent) DedupKey() string  { return "task:" + e.TaskID }
func (e TaskEvent) eventType() string { return "task" }

// ParseEvent decodes one JSON frame into its concrete event type.
// Unknown or malformed frames return an error; callers skip them.
func ParseEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}

	switch probe.Type {
	case "new":
		var ev NewMailEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed new-mail frame: %w", err)
		}
		return ev, nil
	case "task":
		var ev TaskEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed task frame: %w", err)
		}
		if ev.TaskID == "" {
			return nil, fmt.Errorf("task frame missing taskId")
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
}
