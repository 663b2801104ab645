package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// AfterFunc schedules f to run once the manual clock advances by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) func() bool {
	timer := &manualTimer{fn: f}
	m.mu.Lock()
	if d <= 0 {
		m.mu.Unlock()
		go f()
		return func() bool { return false }
	}
	timer.at = m.now.Add(d)
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if timer.stopped {
			return false
		}
		for i, t := range m.timers {
			if t == timer {
				m.timers = append(m.timers[:i], m.timers[i+1:]...)
				timer.stopped = true
				return true
			}
		}
		return false
	}
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.stopped = true
		due = append(due, timer)
	}
	m.timers = remaining
	m.mu.Unlock()
	for _, timer := range due {
		if timer.fn != nil {
			go timer.fn()
			continue
		}
		timer.ch <- now
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
