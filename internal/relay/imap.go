package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/agenticmail/agenticmail/internal/config"
	"github.com/agenticmail/agenticmail/internal/model"
)

// Mailbox opens sessions against the shared inbox. Each poll cycle
// uses a fresh session so a wedged connection never poisons the next
// cycle.
type Mailbox interface {
	Connect(ctx context.Context) (MailboxSession, error)
}

// MailboxSession is one authenticated IMAP connection with INBOX
// selected on demand.
type MailboxSession interface {
	// SelectInbox selects INBOX and returns the mailbox's UIDNEXT.
	SelectInbox(ctx context.Context) (uint32, error)
	// SearchAll returns every UID in the mailbox, not just unseen:
	// providers may auto-mark self-sent replies as seen, which an
	// UNSEEN search would silently lose.
	SearchAll(ctx context.Context) ([]uint32, error)
	Search(ctx context.Context, q model.SearchQuery) ([]model.EmailSummary, error)
	FetchByUID(ctx context.Context, uid uint32) (*model.InboundEmail, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

type imapMailbox struct {
	host     string
	port     int
	username string
	password string
}

// NewIMAPMailbox builds the production Mailbox from the relay account.
func NewIMAPMailbox(cfg config.RelayConfig) Mailbox {
	return &imapMailbox{
		host:     cfg.IMAPHost,
		port:     cfg.IMAPPort,
		username: cfg.Email,
		password: cfg.Password,
	}
}

func (m *imapMailbox) Connect(_ context.Context) (MailboxSession, error) {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))

	// The dialer bounds connect plus TLS handshake; on timeout the
	// socket is closed rather than left to hang.
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.host})
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}

	cli := imapclient.New(conn, nil)
	if err := cli.Login(m.username, m.password).Wait(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("imap login as %s: %w", m.username, err)
	}
	return &imapSession{cli: cli}, nil
}

type imapSession struct {
	cli *imapclient.Client
}

func (s *imapSession) SelectInbox(_ context.Context) (uint32, error) {
	data, err := s.cli.Select("INBOX", nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select INBOX: %w", err)
	}
	return uint32(data.UIDNext), nil
}

func (s *imapSession) SearchAll(_ context.Context) ([]uint32, error) {
	data, err := s.cli.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, u := range raw {
		uids = append(uids, uint32(u))
	}
	return uids, nil
}

func (s *imapSession) Search(_ context.Context, q model.SearchQuery) ([]model.EmailSummary, error) {
	criteria := &imap.SearchCriteria{}
	if q.From != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: q.From})
	}
	if q.To != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "To", Value: q.To})
	}
	if q.Subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.Body != "" {
		criteria.Body = append(criteria.Body, q.Body)
	}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	if !q.Before.IsZero() {
		criteria.Before = q.Before
	}
	if q.Seen != nil {
		if *q.Seen {
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		} else {
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		}
	}

	data, err := s.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := s.cli.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var results []model.EmailSummary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		results = append(results, summaryFromBuffer(buf))
	}
	if err := fetchCmd.Close(); err != nil {
		return results, fmt.Errorf("fetch envelopes: %w", err)
	}
	return results, nil
}

func (s *imapSession) FetchByUID(_ context.Context, uid uint32) (*model.InboundEmail, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.cli.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect message UID %d: %w", uid, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	email, err := parseInbound(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message UID %d: %w", uid, err)
	}
	email.UID = uid

	if err := fetchCmd.Close(); err != nil {
		return email, fmt.Errorf("close fetch: %w", err)
	}
	return email, nil
}

func (s *imapSession) MarkSeen(_ context.Context, uid uint32) error {
	cmd := s.cli.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mark seen UID %d: %w", uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.cli.Logout().Wait(); err != nil {
		return s.cli.Close()
	}
	return nil
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) model.EmailSummary {
	sum := model.EmailSummary{UID: uint32(buf.UID)}
	if buf.Envelope != nil {
		sum.MessageID = canonicalID(buf.Envelope.MessageID)
		sum.Subject = buf.Envelope.Subject
		sum.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			sum.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			sum.To = append(sum.To, to.Addr())
		}
	}
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			sum.Seen = true
		}
	}
	return sum
}

// parseInbound parses a raw RFC 822 message into an InboundEmail,
// reading the routing headers straight off the header block.
func parseInbound(raw []byte) (*model.InboundEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	email := &model.InboundEmail{}

	if ids, err := h.MsgIDList("Message-Id"); err == nil && len(ids) > 0 {
		email.MessageID = ids[0]
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		email.From = addrs[0].Address
	}
	if addrs, err := h.AddressList("To"); err == nil {
		for _, a := range addrs {
			email.To = append(email.To, a.Address)
		}
	}
	if addrs, err := h.AddressList("Cc"); err == nil {
		for _, a := range addrs {
			email.Cc = append(email.Cc, a.Address)
		}
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		email.Date = date
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		email.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		email.References = ids
	}
	email.DeliveredTo = headerValues(h, "Delivered-To")
	email.XOriginalTo = headerValues(h, "X-Original-To")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				email.Text = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				email.HTML = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			email.Attachments = append(email.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}

	return email, nil
}

func headerValues(h mail.Header, key string) []string {
	var values []string
	fields := h.FieldsByKey(key)
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			continue
		}
		values = append(values, strings.TrimSpace(v))
	}
	return values
}
