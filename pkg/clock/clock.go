package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for services that arm timers (poll scheduling,
// follow-up reminders, rate-limit sweeps) so tests can drive them
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the services need.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// New returns a Clock backed by the real time package.
func New() Clock {
	return &realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced Clock for tests. Timers fire in deadline
// order while Advance moves the current time forward.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMock creates a Mock clock at a fixed, arbitrary start time.
func NewMock() *Mock {
	return &Mock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		mock:     m,
		deadline: m.now.Add(d),
		fn:       f,
		active:   true,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls within the window, in deadline order. Callbacks run
// without the mock lock held, so they may arm new timers; timers armed
// inside the window fire too.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.mu.Lock()
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		m.mu.Unlock()
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// nextDue pops the earliest active timer with deadline <= target.
func (m *Mock) nextDue(target time.Time) *mockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*mockTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.active && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	due[0].active = false
	return due[0]
}

type mockTimer struct {
	mock     *Mock
	deadline time.Time
	fn       func()
	active   bool
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	was := t.active
	t.deadline = t.mock.now.Add(d)
	t.active = true
	return was
}
