package mq

import "time"

// FollowUpReminderPayload 跟进提醒事件的 payload
type FollowUpReminderPayload struct {
	PendingID string    `json:"pending_id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Tag       string    `json:"tag"`
	Step      int       `json:"step"`
	Cycle     int       `json:"cycle"`
	FiredAt   time.Time `json:"fired_at"`
}
