package followup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/clock"
)

type fakeProvider struct {
	mu      sync.Mutex
	pending map[string]bool
	err     error
	calls   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{pending: make(map[string]bool)}
}

func (p *fakeProvider) IsPending(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	state, ok := p.pending[id]
	if !ok {
		return true, nil
	}
	return state, nil
}

func (p *fakeProvider) set(id string, pending bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = pending
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []Reminder
	targets   []string
}

func (s *fakeSink) Deliver(_ context.Context, target string, r Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, r)
	s.targets = append(s.targets, target)
	return nil
}

func (s *fakeSink) reminders() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reminder(nil), s.delivered...)
}

type memStore struct {
	mu      sync.Mutex
	saved   []Entry
	saves   int
	loadErr error
}

func (m *memStore) Save(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append([]Entry(nil), entries...)
	m.saves++
	return nil
}

func (m *memStore) Load(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Entry(nil), m.saved...), nil
}

func newTestScheduler(provider PendingStatusProvider, sink ReminderSink, store Store) (*Scheduler, *clock.Mock) {
	clk := clock.NewMock()
	return NewScheduler(provider, sink, store, clk, zap.NewNop()), clk
}

func TestFireArithmetic(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	require.NoError(t, s.Schedule(context.Background(), "p1", "a@b", "Quarterly report", TargetEmail))

	// 1st reminder at +12h.
	clk.Advance(12 * time.Hour)
	rems := sink.reminders()
	require.Len(t, rems, 1)
	assert.Equal(t, "[FOLLOW-UP REMINDER 1/4]", rems[0].Tag)

	// 2nd at +18h, 3rd at +21h.
	clk.Advance(6 * time.Hour)
	clk.Advance(3 * time.Hour)
	rems = sink.reminders()
	require.Len(t, rems, 3)
	assert.Equal(t, "[FOLLOW-UP REMINDER 2/4]", rems[1].Tag)
	assert.Equal(t, "[FOLLOW-UP REMINDER 3/4]", rems[2].Tag)

	// 4th at +22h is final.
	clk.Advance(1 * time.Hour)
	rems = sink.reminders()
	require.Len(t, rems, 4)
	assert.Equal(t, "[FINAL FOLLOW-UP]", rems[3].Tag)

	// 5th after the 3-day cooldown restarts the cycle.
	clk.Advance(72 * time.Hour)
	rems = sink.reminders()
	require.Len(t, rems, 5)
	assert.Equal(t, "[FOLLOW-UP REMINDER — cycle 2]", rems[4].Tag)
	assert.Equal(t, 1, rems[4].Cycle)

	// The restarted cycle continues up the ladder.
	clk.Advance(6 * time.Hour)
	rems = sink.reminders()
	require.Len(t, rems, 6)
	assert.Equal(t, "[FOLLOW-UP REMINDER 2/4]", rems[5].Tag)
}

func TestScheduleIdempotent(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "p1", "a@b", "S", TargetEmail))
	require.NoError(t, s.Schedule(ctx, "p1", "a@b", "S", TargetEmail))
	assert.Equal(t, []string{"p1"}, s.Tracked())

	clk.Advance(12 * time.Hour)
	assert.Len(t, sink.reminders(), 1)
}

func TestResolvedAtFireCancels(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	require.NoError(t, s.Schedule(context.Background(), "p1", "a@b", "S", TargetEmail))
	provider.set("p1", false)

	// The heartbeat at +5m already sees the resolution.
	clk.Advance(12 * time.Hour)
	assert.Empty(t, sink.reminders())
	assert.Empty(t, s.Tracked())
}

func TestHeartbeatCancelsBeforeScheduledFire(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	require.NoError(t, s.Schedule(context.Background(), "p1", "a@b", "S", TargetEmail))
	provider.set("p1", false)

	// One heartbeat interval, nowhere near the 12h fire.
	clk.Advance(5 * time.Minute)
	assert.Empty(t, s.Tracked())

	clk.Advance(12 * time.Hour)
	assert.Empty(t, sink.reminders())
}

func TestStatusCheckFailureKeepsReminding(t *testing.T) {
	provider := newFakeProvider()
	provider.err = errors.New("api unreachable")
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	require.NoError(t, s.Schedule(context.Background(), "p1", "a@b", "S", TargetEmail))

	// Fail-safe-pending: the outage must not swallow the reminder.
	clk.Advance(12 * time.Hour)
	rems := sink.reminders()
	require.Len(t, rems, 1)
	assert.Equal(t, "[FOLLOW-UP REMINDER 1/4]", rems[0].Tag)
	assert.Equal(t, []string{"p1"}, s.Tracked())
}

func TestHeartbeatSelfStopsAndRestarts(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "p1", "a@b", "S", TargetEmail))
	require.True(t, s.Cancel(ctx, "p1"))

	// With no entries the heartbeat winds down and stops probing.
	clk.Advance(10 * time.Minute)
	idle := provider.callCount()
	clk.Advance(time.Hour)
	assert.Equal(t, idle, provider.callCount())

	// A new schedule brings it back.
	require.NoError(t, s.Schedule(ctx, "p2", "a@b", "S", TargetEmail))
	clk.Advance(5 * time.Minute)
	assert.Greater(t, provider.callCount(), idle)
}

func TestDeliveryTargetPassedToSink(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	s, clk := newTestScheduler(provider, sink, nil)

	require.NoError(t, s.Schedule(context.Background(), "p1", "a@b", "S", TargetEvent))
	clk.Advance(12 * time.Hour)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.targets, 1)
	assert.Equal(t, TargetEvent, sink.targets[0])
}

func TestPersistOnMutations(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	store := &memStore{}
	s, clk := newTestScheduler(provider, sink, store)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "p1", "a@b", "S", TargetEmail))

	store.mu.Lock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, 0, store.saved[0].Step)
	store.mu.Unlock()

	clk.Advance(12 * time.Hour)

	store.mu.Lock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, 1, store.saved[0].Step)
	assert.Equal(t, clk.Now().Add(6*time.Hour), store.saved[0].NextFireAt)
	store.mu.Unlock()

	require.True(t, s.Cancel(ctx, "p1"))
	store.mu.Lock()
	assert.Empty(t, store.saved)
	store.mu.Unlock()
}

func TestCancelAllLeavesPersistedState(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	store := &memStore{}
	s, clk := newTestScheduler(provider, sink, store)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "p1", "a@b", "S", TargetEmail))
	require.NoError(t, s.Schedule(ctx, "p2", "c@d", "T", TargetEvent))

	s.CancelAll()
	assert.Empty(t, s.Tracked())

	// The shutdown path keeps durable state so a restart re-arms.
	store.mu.Lock()
	assert.Len(t, store.saved, 2)
	store.mu.Unlock()

	restarted := NewScheduler(provider, sink, store, clk, zap.NewNop())
	require.NoError(t, restarted.Restore(ctx))
	assert.Equal(t, []string{"p1", "p2"}, restarted.Tracked())
}

func TestRestoreDropsStaleEntries(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	clk := clock.NewMock()
	now := clk.Now()

	store := &memStore{saved: []Entry{
		{
			PendingID:      "stale",
			Recipient:      "a@b",
			Subject:        "Old",
			NextFireAt:     now.Add(-25 * time.Hour),
			CreatedAt:      now.Add(-40 * time.Hour),
			DeliveryTarget: TargetEmail,
		},
		{
			PendingID:      "fresh",
			Recipient:      "c@d",
			Subject:        "New",
			Step:           1,
			NextFireAt:     now.Add(time.Hour),
			CreatedAt:      now.Add(-11 * time.Hour),
			DeliveryTarget: TargetEmail,
		},
	}}

	s := NewScheduler(provider, sink, store, clk, zap.NewNop())
	require.NoError(t, s.Restore(context.Background()))

	assert.Equal(t, []string{"fresh"}, s.Tracked())

	// The pruned set is written back.
	store.mu.Lock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, "fresh", store.saved[0].PendingID)
	store.mu.Unlock()

	// The restored entry fires on its original schedule.
	clk.Advance(time.Hour)
	rems := sink.reminders()
	require.Len(t, rems, 1)
	assert.Equal(t, "[FOLLOW-UP REMINDER 2/4]", rems[0].Tag)
}

func TestRestoreOverdueButNotStaleFiresImmediately(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	clk := clock.NewMock()
	now := clk.Now()

	store := &memStore{saved: []Entry{{
		PendingID:      "p1",
		Recipient:      "a@b",
		Subject:        "S",
		NextFireAt:     now.Add(-time.Hour),
		CreatedAt:      now.Add(-13 * time.Hour),
		DeliveryTarget: TargetEmail,
	}}}

	s := NewScheduler(provider, sink, store, clk, zap.NewNop())
	require.NoError(t, s.Restore(context.Background()))

	clk.Advance(time.Second)
	require.Len(t, sink.reminders(), 1)
}
