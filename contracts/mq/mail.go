package mq

import "time"

// MailReceivedPayload 收到邮件事件的 payload
type MailReceivedPayload struct {
	MessageID  string    `json:"message_id"`
	UID        uint32    `json:"uid"`
	Agent      string    `json:"agent"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// MailSentPayload 邮件发送事件的 payload
type MailSentPayload struct {
	MessageID string    `json:"message_id"`
	Agent     string    `json:"agent"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
}
