package model

import "time"

// InboundEmail is the parsed form of a message fetched from the shared
// mailbox by UID. Never mutated after creation.
type InboundEmail struct {
	MessageID   string
	UID         uint32
	From        string
	To          []string
	Cc          []string
	Subject     string
	Text        string
	HTML        string
	Date        time.Time
	InReplyTo   string
	References  []string
	DeliveredTo []string
	XOriginalTo []string
	Attachments []Attachment
}

// Attachment carries attachment content for outbound composition and
// fetch-for-import; envelope-level listings only carry metadata.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// OutboundMessage is a send request on behalf of an agent. The From
// address is always derived by the gateway (sub-addressed), never
// supplied by the caller.
type OutboundMessage struct {
	To          []string
	Cc          []string
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// Envelope summarizes an outbound message as submitted.
type Envelope struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
	Date      time.Time
}

// SendResult is returned by the gateway send path. Raw is the RFC 822
// copy built for sent-folder archival.
type SendResult struct {
	MessageID string
	Envelope  Envelope
	Raw       []byte
}

// EmailSummary is envelope-level data returned by ad-hoc search.
type EmailSummary struct {
	UID       uint32
	MessageID string
	From      string
	To        []string
	Subject   string
	Date      time.Time
	Seen      bool
}

// SearchQuery describes an ad-hoc IMAP search. Zero fields are
// ignored; Seen is tri-state.
type SearchQuery struct {
	From    string
	To      string
	Subject string
	Body    string
	Since   time.Time
	Before  time.Time
	Seen    *bool
}
