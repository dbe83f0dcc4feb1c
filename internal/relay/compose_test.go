package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticmail/agenticmail/internal/model"
)

func TestComposedMessageParsesBack(t *testing.T) {
	msg := &model.OutboundMessage{
		To:         []string{"bob@other.com"},
		Cc:         []string{"carol@other.com"},
		Subject:    "Status update",
		Text:       "plain body",
		HTML:       "<p>html body</p>",
		InReplyTo:  "<parent@other.com>",
		References: []string{"root@other.com", "parent@other.com"},
		Attachments: []model.Attachment{
			{Filename: "report.txt", ContentType: "text/plain", Content: []byte("numbers")},
		},
	}

	date := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	raw, err := buildRaw("user+alice@example.com", msg, "id123@example.com", date)
	require.NoError(t, err)

	parsed, err := parseInbound(raw)
	require.NoError(t, err)

	assert.Equal(t, "user+alice@example.com", parsed.From)
	assert.Equal(t, []string{"bob@other.com"}, parsed.To)
	assert.Equal(t, []string{"carol@other.com"}, parsed.Cc)
	assert.Equal(t, "Status update", parsed.Subject)
	assert.Equal(t, "id123@example.com", parsed.MessageID)
	assert.Equal(t, "parent@other.com", parsed.InReplyTo)
	assert.Equal(t, []string{"root@other.com", "parent@other.com"}, parsed.References)
	assert.Equal(t, "plain body", parsed.Text)
	assert.Equal(t, "<p>html body</p>", parsed.HTML)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "report.txt", parsed.Attachments[0].Filename)
	assert.Equal(t, []byte("numbers"), parsed.Attachments[0].Content)
}
