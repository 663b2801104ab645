package lockset

import "sync"

type hold struct {
	entry  *entry
	weight int64
}

// Monitor is ownership of a key set. Release must be called on every exit
// path, typically with defer.
type Monitor struct {
	svc     *Service
	held    []hold
	once    sync.Once
	parts   []*Monitor
	release func()
}

// Release unlocks every key in reverse acquisition order. It is safe to call
// more than once.
func (m *Monitor) Release() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		for i := len(m.held) - 1; i >= 0; i-- {
			h := m.held[i]
			h.entry.sem.Release(h.weight)
			m.svc.reg.drop(h.entry)
		}
		m.held = nil
		for i := len(m.parts) - 1; i >= 0; i-- {
			m.parts[i].Release()
		}
		m.parts = nil
		if m.release != nil {
			m.release()
		}
	})
}

// Len returns the number of keys currently held.
func (m *Monitor) Len() int {
	if m == nil {
		return 0
	}
	n := len(m.held)
	for _, p := range m.parts {
		n += p.Len()
	}
	return n
}

// Join combines monitors into one handle whose Release releases them in
// reverse order. Nil monitors are skipped.
func Join(monitors ...*Monitor) *Monitor {
	joined := &Monitor{}
	for _, m := range monitors {
		if m != nil {
			joined.parts = append(joined.parts, m)
		}
	}
	return joined
}

// OnRelease registers fn to run after the monitor's keys are released.
func (m *Monitor) OnRelease(fn func()) {
	prev := m.release
	m.release = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
}
