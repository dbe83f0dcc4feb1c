package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/internal/config"
	"github.com/agenticmail/agenticmail/internal/model"
	"github.com/agenticmail/agenticmail/pkg/clock"
)

type submission struct {
	from  string
	rcpts []string
	raw   []byte
}

type fakeTransport struct {
	mu          sync.Mutex
	verifyErr   error
	submitErr   error
	submissions []submission
}

func (t *fakeTransport) Verify(context.Context) error { return t.verifyErr }

func (t *fakeTransport) Submit(_ context.Context, from string, rcpts []string, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitErr != nil {
		return t.submitErr
	}
	t.submissions = append(t.submissions, submission{from: from, rcpts: rcpts, raw: raw})
	return nil
}

type fakeMailbox struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	uidNext    uint32
	messages   map[uint32]*model.InboundEmail
	fetchErr   map[uint32]error
	seen       []uint32
}

func newFakeMailbox(uidNext uint32) *fakeMailbox {
	return &fakeMailbox{
		uidNext:  uidNext,
		messages: make(map[uint32]*model.InboundEmail),
		fetchErr: make(map[uint32]error),
	}
}

func (m *fakeMailbox) put(uid uint32, email *model.InboundEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email.UID = uid
	m.messages[uid] = email
	if uid >= m.uidNext {
		m.uidNext = uid + 1
	}
}

func (m *fakeMailbox) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *fakeMailbox) Connect(context.Context) (MailboxSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return &fakeSession{mb: m}, nil
}

type fakeSession struct {
	mb *fakeMailbox
}

func (s *fakeSession) SelectInbox(context.Context) (uint32, error) {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	return s.mb.uidNext, nil
}

func (s *fakeSession) SearchAll(context.Context) ([]uint32, error) {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	// Deliberately unordered to exercise the ascending sort.
	var uids []uint32
	for uid := range s.mb.messages {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (s *fakeSession) Search(context.Context, model.SearchQuery) ([]model.EmailSummary, error) {
	return nil, nil
}

func (s *fakeSession) FetchByUID(_ context.Context, uid uint32) (*model.InboundEmail, error) {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if err, ok := s.mb.fetchErr[uid]; ok {
		return nil, err
	}
	email, ok := s.mb.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	copied := *email
	return &copied, nil
}

func (s *fakeSession) MarkSeen(_ context.Context, uid uint32) error {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	s.mb.seen = append(s.mb.seen, uid)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Provider:    "custom",
		Email:       "user@example.com",
		Password:    "secret",
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		IMAPHost:    "imap.example.com",
		IMAPPort:    993,
		PollSeconds: 60,
	}
}

type capturedInbound struct {
	mu    sync.Mutex
	uids  []uint32
	agent []string
}

func (c *capturedInbound) handler(_ context.Context, email *model.InboundEmail, agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uids = append(c.uids, email.UID)
	c.agent = append(c.agent, agent)
}

func (c *capturedInbound) seen() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.uids...)
}

func newTestGateway(t *testing.T, mb *fakeMailbox, tr *fakeTransport, cfg config.RelayConfig) (*Gateway, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	g := NewGateway(GatewayOptions{
		Clock:     clk,
		Logger:    zap.NewNop(),
		Mailbox:   mb,
		Transport: tr,
	})
	require.NoError(t, g.Setup(context.Background(), cfg))
	return g, clk
}

func TestSetupRejectsBadAddress(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Email = "not-an-address"

	g := NewGateway(GatewayOptions{
		Logger:    zap.NewNop(),
		Mailbox:   newFakeMailbox(1),
		Transport: &fakeTransport{},
	})
	err := g.Setup(context.Background(), cfg)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSetupVerifiesTransportAndMailbox(t *testing.T) {
	var cfgErr *ConfigurationError

	g := NewGateway(GatewayOptions{
		Logger:    zap.NewNop(),
		Mailbox:   newFakeMailbox(1),
		Transport: &fakeTransport{verifyErr: errors.New("auth rejected")},
	})
	require.ErrorAs(t, g.Setup(context.Background(), testRelayConfig()), &cfgErr)

	mb := newFakeMailbox(1)
	mb.connectErr = errors.New("imap down")
	g = NewGateway(GatewayOptions{
		Logger:    zap.NewNop(),
		Mailbox:   mb,
		Transport: &fakeTransport{},
	})
	require.ErrorAs(t, g.Setup(context.Background(), testRelayConfig()), &cfgErr)
}

func TestSendRewritesFromAndIndexes(t *testing.T) {
	tr := &fakeTransport{}
	g, _ := newTestGateway(t, newFakeMailbox(1), tr, testRelayConfig())

	result, err := g.Send(context.Background(), "alice", &model.OutboundMessage{
		To:      []string{"bob@other.com"},
		Cc:      []string{"carol@other.com"},
		Subject: "Hello",
		Text:    "hi there",
	})
	require.NoError(t, err)

	tr.mu.Lock()
	require.Len(t, tr.submissions, 1)
	sub := tr.submissions[0]
	tr.mu.Unlock()

	assert.Equal(t, "user+alice@example.com", sub.from)
	assert.Equal(t, []string{"bob@other.com", "carol@other.com"}, sub.rcpts)
	assert.Contains(t, string(sub.raw), "Subject: Hello")

	assert.Equal(t, "user+alice@example.com", result.Envelope.From)
	assert.NotEmpty(t, result.Raw)

	agent, ok := g.index.Lookup(result.MessageID)
	require.True(t, ok)
	assert.Equal(t, "alice", agent)
}

func TestSendFailureNotIndexed(t *testing.T) {
	tr := &fakeTransport{submitErr: errors.New("smtp down")}
	g, _ := newTestGateway(t, newFakeMailbox(1), tr, testRelayConfig())

	_, err := g.Send(context.Background(), "alice", &model.OutboundMessage{
		To: []string{"bob@other.com"}, Subject: "x",
	})
	require.Error(t, err)
	assert.Zero(t, g.IndexSize())
}

func TestFirstPollSeedsCursorAndDispatchesAscending(t *testing.T) {
	mb := newFakeMailbox(100)
	mb.put(95, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})
	mb.put(97, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})
	mb.put(96, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})

	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())
	var got capturedInbound
	g.RegisterHandler(got.handler)

	g.StartPolling(time.Minute)
	clk.Advance(0)

	assert.Equal(t, []uint32{95, 96, 97}, got.seen())

	cursor, seeded := g.Cursor()
	assert.True(t, seeded)
	assert.Equal(t, uint32(97), cursor)
}

func TestCursorMonotonicAcrossFailingFetches(t *testing.T) {
	mb := newFakeMailbox(52)
	mb.put(50, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})
	mb.put(51, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})
	mb.fetchErr[51] = errors.New("parse explosion")

	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())
	var got capturedInbound
	g.RegisterHandler(got.handler)

	g.StartPolling(time.Minute)
	clk.Advance(0)

	// The poisoned UID is skipped but the cursor moved past it.
	assert.Equal(t, []uint32{50}, got.seen())
	cursor, _ := g.Cursor()
	assert.Equal(t, uint32(51), cursor)

	// Even once fetchable again, UID 51 is never redelivered.
	mb.mu.Lock()
	delete(mb.fetchErr, 51)
	mb.mu.Unlock()
	mb.put(52, &model.InboundEmail{From: "ext@other.com", To: []string{"user+a@example.com"}})

	clk.Advance(time.Minute)
	assert.Equal(t, []uint32{50, 52}, got.seen())
	cursor, _ = g.Cursor()
	assert.Equal(t, uint32(52), cursor)
}

func TestSelfSentSkipped(t *testing.T) {
	mb := newFakeMailbox(60)
	mb.put(55, &model.InboundEmail{From: "user+bot@example.com", To: []string{"user+a@example.com"}})

	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())
	var got capturedInbound
	g.RegisterHandler(got.handler)

	g.StartPolling(time.Minute)
	clk.Advance(0)

	assert.Empty(t, got.seen())
	mb.mu.Lock()
	assert.Empty(t, mb.seen)
	mb.mu.Unlock()
}

func TestUnresolvedDroppedWithoutDefaultAgent(t *testing.T) {
	mb := newFakeMailbox(60)
	mb.put(55, &model.InboundEmail{From: "ext@other.com", To: []string{"user@example.com"}})

	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())
	var got capturedInbound
	g.RegisterHandler(got.handler)

	g.StartPolling(time.Minute)
	clk.Advance(0)

	assert.Empty(t, got.seen())
}

func TestDispatchedMessagesMarkedSeen(t *testing.T) {
	mb := newFakeMailbox(60)
	mb.put(55, &model.InboundEmail{From: "ext@other.com", To: []string{"user+zed@example.com"}})

	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())
	var got capturedInbound
	g.RegisterHandler(got.handler)

	g.StartPolling(time.Minute)
	clk.Advance(0)

	require.Equal(t, []uint32{55}, got.seen())
	got.mu.Lock()
	assert.Equal(t, []string{"zed"}, got.agent)
	got.mu.Unlock()

	mb.mu.Lock()
	assert.Equal(t, []uint32{55}, mb.seen)
	mb.mu.Unlock()
}

type fakeOnceLock struct {
	allow bool
}

func (f *fakeOnceLock) AcquireOnce(context.Context, string, string) bool { return f.allow }

func TestOnceLockClaimedElsewhereSkipsDispatch(t *testing.T) {
	mb := newFakeMailbox(60)
	mb.put(55, &model.InboundEmail{
		MessageID: "m1@other.com",
		From:      "ext@other.com",
		To:        []string{"user+zed@example.com"},
	})

	clk := clock.NewMock()
	g := NewGateway(GatewayOptions{
		Clock:     clk,
		Logger:    zap.NewNop(),
		Mailbox:   mb,
		Transport: &fakeTransport{},
		OnceLock:  &fakeOnceLock{allow: false},
	})
	require.NoError(t, g.Setup(context.Background(), testRelayConfig()))

	var got capturedInbound
	g.RegisterHandler(got.handler)
	g.StartPolling(time.Minute)
	clk.Advance(0)

	assert.Empty(t, got.seen())
	mb.mu.Lock()
	assert.Empty(t, mb.seen)
	mb.mu.Unlock()
}

func TestStartPollingIdempotent(t *testing.T) {
	mb := newFakeMailbox(10)
	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())

	g.StartPolling(time.Minute)
	g.StartPolling(time.Minute)

	clk.Advance(0)
	assert.Equal(t, 1, mb.connectCount())

	clk.Advance(time.Minute)
	assert.Equal(t, 2, mb.connectCount())
}

func TestBackoffAfterConnectFailures(t *testing.T) {
	mb := newFakeMailbox(10)
	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())

	mb.mu.Lock()
	mb.connectErr = errors.New("imap unreachable")
	mb.mu.Unlock()

	g.StartPolling(30 * time.Second)
	clk.Advance(0)
	assert.Equal(t, 1, mb.connectCount())

	// failure 1: retry after the base interval.
	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, mb.connectCount())

	// failure 2: delay doubles to 60s.
	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, mb.connectCount())
	clk.Advance(30 * time.Second)
	assert.Equal(t, 3, mb.connectCount())

	// failure 3: 120s.
	clk.Advance(119 * time.Second)
	assert.Equal(t, 3, mb.connectCount())
	clk.Advance(time.Second)
	assert.Equal(t, 4, mb.connectCount())

	// Recovery resets the schedule to the base interval.
	mb.mu.Lock()
	mb.connectErr = nil
	mb.mu.Unlock()
	clk.Advance(240 * time.Second)
	before := mb.connectCount()
	clk.Advance(30 * time.Second)
	assert.Equal(t, before+1, mb.connectCount())
}

func TestStopPollingHaltsCycles(t *testing.T) {
	mb := newFakeMailbox(10)
	g, clk := newTestGateway(t, mb, &fakeTransport{}, testRelayConfig())

	g.StartPolling(time.Minute)
	clk.Advance(0)
	require.Equal(t, 1, mb.connectCount())

	g.StopPolling()
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, mb.connectCount())
}
