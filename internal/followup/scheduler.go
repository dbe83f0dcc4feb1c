package followup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/clock"
	"github.com/agenticmail/agenticmail/pkg/metrics"
)

// Escalation ladder: each step's delay until the next reminder fires.
var stepDelays = [4]time.Duration{
	12 * time.Hour,
	6 * time.Hour,
	3 * time.Hour,
	1 * time.Hour,
}

const (
	cooldownDelay     = 72 * time.Hour
	heartbeatInterval = 5 * time.Minute

	// Entries restored more than this far past their fire time are
	// stale and dropped instead of fired immediately.
	staleCutoff = 24 * time.Hour
)

// PendingStatusProvider reports whether a pending email still awaits
// approval. The scheduler never mutates the pending item itself.
type PendingStatusProvider interface {
	IsPending(ctx context.Context, pendingID string) (bool, error)
}

// ReminderSink delivers a composed reminder over the entry's delivery
// target (email through the relay, or a bus event).
type ReminderSink interface {
	Deliver(ctx context.Context, target string, r Reminder) error
}

// Store persists the full tracked entry set. Implementations must make
// Save atomic so a crash never leaves a torn document.
type Store interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Scheduler drives escalating reminders for blocked outbound emails.
// Each entry walks the 12h/6h/3h/1h ladder, pauses for the cooldown
// after the final reminder, then restarts with its cycle counter
// bumped. A 5-minute heartbeat re-checks every entry's status so
// externally resolved items are cancelled promptly instead of waiting
// for their next scheduled fire.
type Scheduler struct {
	provider PendingStatusProvider
	sink     ReminderSink
	store    Store // nil disables persistence
	clk      clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	entries   map[string]*Entry
	timers    map[string]clock.Timer
	heartbeat clock.Timer
	hbRunning bool
}

func NewScheduler(provider PendingStatusProvider, sink ReminderSink, store Store, clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		provider: provider,
		sink:     sink,
		store:    store,
		clk:      clk,
		logger:   logger,
		entries:  make(map[string]*Entry),
		timers:   make(map[string]clock.Timer),
	}
}

// Schedule starts tracking a pending email. Calling it again for an id
// already tracked is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, pendingID, recipient, subject, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[pendingID]; ok {
		s.logger.Debug("follow-up already scheduled", zap.String("pending_id", pendingID))
		return nil
	}

	now := s.clk.Now()
	e := &Entry{
		PendingID:      pendingID,
		Recipient:      recipient,
		Subject:        subject,
		Step:           0,
		Cycle:          0,
		NextFireAt:     now.Add(stepDelays[0]),
		CreatedAt:      now,
		DeliveryTarget: target,
	}
	s.entries[pendingID] = e
	s.timers[pendingID] = s.clk.AfterFunc(stepDelays[0], func() { s.fire(pendingID) })
	s.ensureHeartbeatLocked()

	s.logger.Info("follow-up scheduled",
		zap.String("pending_id", pendingID),
		zap.String("recipient", recipient),
		zap.Time("next_fire_at", e.NextFireAt),
	)
	return s.persistLocked(ctx)
}

// Cancel stops tracking the id and reports whether it was tracked.
func (s *Scheduler) Cancel(ctx context.Context, pendingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[pendingID]; !ok {
		return false
	}
	s.dropLocked(pendingID)
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Error("persist after cancel failed", zap.String("pending_id", pendingID), zap.Error(err))
	}
	return true
}

// CancelAll stops every timer and clears the in-memory set. It is the
// shutdown path: persisted state is left untouched so a restart can
// restore and re-arm the entries.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.entries = make(map[string]*Entry)
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.hbRunning = false
}

// Tracked returns the ids currently under follow-up, sorted.
func (s *Scheduler) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore loads persisted entries and re-arms their timers. Entries
// overdue by more than the stale cutoff are dropped.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	loaded, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load follow-up state: %w", err)
	}

	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, e := range loaded {
		if now.Sub(e.NextFireAt) > staleCutoff {
			dropped++
			continue
		}
		if _, ok := s.entries[e.PendingID]; ok {
			continue
		}
		entry := e
		s.entries[entry.PendingID] = &entry
		delay := entry.NextFireAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		id := entry.PendingID
		s.timers[id] = s.clk.AfterFunc(delay, func() { s.fire(id) })
		s.ensureHeartbeatLocked()
	}

	s.logger.Info("follow-up state restored",
		zap.Int("restored", len(s.entries)),
		zap.Int("stale_dropped", dropped),
	)
	if dropped > 0 {
		return s.persistLocked(ctx)
	}
	return nil
}

// fire runs one scheduled reminder for id.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	snapshot := *e
	s.mu.Unlock()

	pending, err := s.provider.IsPending(ctx, id)
	if err != nil {
		// Fail-safe: an unreachable status API must not drop reminders.
		s.logger.Warn("status check failed, assuming still pending",
			zap.String("pending_id", id), zap.Error(err))
		pending = true
	}
	if !pending {
		s.resolve(ctx, id)
		return
	}

	wasCooldown := snapshot.Cooldown
	if wasCooldown {
		// Cooldown expiry is the step-0 fire of the next cycle.
		snapshot.Cycle++
		snapshot.Step = 0
		snapshot.Cooldown = false
	}

	now := s.clk.Now()
	rem := buildReminder(snapshot, wasCooldown, now)
	if err := s.sink.Deliver(ctx, snapshot.DeliveryTarget, rem); err != nil {
		s.logger.Error("reminder delivery failed",
			zap.String("pending_id", id),
			zap.String("target", snapshot.DeliveryTarget),
			zap.String("tag", rem.Tag),
			zap.Error(err),
		)
	} else {
		s.logger.Info("follow-up reminder delivered",
			zap.String("pending_id", id),
			zap.String("tag", rem.Tag),
			zap.Int("cycle", snapshot.Cycle),
		)
	}
	metrics.FollowUpFires.WithLabelValues(fireKind(snapshot, wasCooldown)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.entries[id]
	if !ok {
		// Cancelled while delivering.
		return
	}

	var next time.Duration
	switch {
	case wasCooldown:
		snapshot.Step = 1
		next = stepDelays[1]
	case snapshot.Step < len(stepDelays)-1:
		snapshot.Step++
		next = stepDelays[snapshot.Step]
	default:
		snapshot.Cooldown = true
		next = cooldownDelay
	}
	snapshot.NextFireAt = now.Add(next)
	*e = snapshot

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = s.clk.AfterFunc(next, func() { s.fire(id) })

	if err := s.persistLocked(ctx); err != nil {
		s.logger.Error("persist after fire failed", zap.String("pending_id", id), zap.Error(err))
	}
}

// heartbeatTick sweeps every tracked entry's status so externally
// resolved items are cancelled without waiting for the next fire. It
// reschedules itself every interval regardless of API reachability and
// stops once the entry set is empty.
func (s *Scheduler) heartbeatTick() {
	ctx := context.Background()

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		pending, err := s.provider.IsPending(ctx, id)
		if err != nil {
			// Fail-safe-pending, same as a scheduled fire.
			continue
		}
		if !pending {
			s.resolve(ctx, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		s.hbRunning = false
		return
	}
	s.heartbeat = s.clk.AfterFunc(heartbeatInterval, s.heartbeatTick)
}

func (s *Scheduler) ensureHeartbeatLocked() {
	if s.hbRunning {
		return
	}
	s.hbRunning = true
	s.heartbeat = s.clk.AfterFunc(heartbeatInterval, s.heartbeatTick)
}

// resolve removes an entry whose status check reported non-pending.
func (s *Scheduler) resolve(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	s.dropLocked(id)
	metrics.FollowUpFires.WithLabelValues("resolved").Inc()
	s.logger.Info("pending email resolved, follow-up cancelled", zap.String("pending_id", id))
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Error("persist after resolve failed", zap.String("pending_id", id), zap.Error(err))
	}
}

func (s *Scheduler) dropLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.entries, id)
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PendingID < list[j].PendingID })
	if err := s.store.Save(ctx, list); err != nil {
		return fmt.Errorf("save follow-up state: %w", err)
	}
	return nil
}

func fireKind(e Entry, wasCooldown bool) string {
	switch {
	case wasCooldown:
		return "cooldown"
	case e.Step == len(stepDelays)-1:
		return "final"
	default:
		return "interim"
	}
}
