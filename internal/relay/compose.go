package relay

import (
	"bytes"
	"fmt"
	"io"
	nmail "net/mail"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/agenticmail/agenticmail/internal/model"
)

// buildRaw composes the full RFC 822 message for submission and
// sent-folder archival.
func buildRaw(from string, msg *model.OutboundMessage, messageID string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*nmail.Address{{Address: from}})
	h.SetAddressList("To", toAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	h.SetMsgIDList("Message-Id", []string{messageID})
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{canonicalID(msg.InReplyTo)})
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, canonicalID(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	text := msg.Text
	if text == "" && msg.HTML == "" {
		text = "\n"
	}
	if text != "" {
		if err := writeInlinePart(iw, "text/plain", text); err != nil {
			return nil, err
		}
	}
	if msg.HTML != "" {
		if err := writeInlinePart(iw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}

	for _, a := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(a.Filename)
		if a.ContentType != "" {
			ah.SetContentType(a.ContentType, nil)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", a.Filename, err)
		}
		if _, err := aw.Write(a.Content); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %s: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func toAddresses(addrs []string) []*nmail.Address {
	out := make([]*nmail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &nmail.Address{Address: a})
	}
	return out
}
