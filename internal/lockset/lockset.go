// Package lockset grants read and write monitors over sets of resource ids and
// paths. Callers pass keys already sorted in canonical order; acquiring every
// monitor in that one order is what keeps overlapping key sets deadlock free.
//
// A caller needing both id and path monitors acquires the id monitor first.
package lockset

import (
	"context"
	"errors"
	"slices"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
	"pkt.systems/rtnode/internal/svcfields"
)

// ErrKeysNotSorted reports keys that are not strictly increasing in canonical
// order. The service never re-sorts on the caller's behalf.
var ErrKeysNotSorted = fault.New(fault.Internal, "lockset_keys_not_sorted", "keys must be strictly increasing in canonical order")

const (
	idPrefix   = "id:"
	pathPrefix = "path:"
)

// Mode selects shared or exclusive access.
type Mode uint8

const (
	// Read admits other readers.
	Read Mode = iota
	// Write excludes every other holder.
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Service) {
		s.logger = svcfields.WithSubsystem(logger, "lockset")
	}
}

// Service hands out monitors backed by a shared, reference-counted registry.
type Service struct {
	reg     *registry
	logger  pslog.Logger
	metrics *metrics
}

// New constructs a Service.
func New(opts ...Option) *Service {
	s := &Service{reg: newRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = svcfields.WithSubsystem(nil, "lockset")
	}
	s.metrics = newMetrics(s.logger, s)
	return s
}

// ReadIDs acquires shared access to ids.
func (s *Service) ReadIDs(ctx context.Context, ids ...resourceid.ID) (*Monitor, error) {
	return s.acquireIDs(ctx, Read, ids)
}

// WriteIDs acquires exclusive access to ids.
func (s *Service) WriteIDs(ctx context.Context, ids ...resourceid.ID) (*Monitor, error) {
	return s.acquireIDs(ctx, Write, ids)
}

// ReadPaths acquires shared access to paths and read access to their
// ancestors.
func (s *Service) ReadPaths(ctx context.Context, paths ...path.Path) (*Monitor, error) {
	return s.acquirePaths(ctx, Read, paths)
}

// WritePaths acquires exclusive access to paths and read access to their
// ancestors.
func (s *Service) WritePaths(ctx context.Context, paths ...path.Path) (*Monitor, error) {
	return s.acquirePaths(ctx, Write, paths)
}

func (s *Service) acquireIDs(ctx context.Context, mode Mode, ids []resourceid.ID) (*Monitor, error) {
	if !resourceid.IsSorted(ids) {
		return nil, ErrKeysNotSorted
	}
	steps := make([]step, len(ids))
	for i, id := range ids {
		steps[i] = step{key: idPrefix + id.String(), mode: mode}
	}
	return s.acquire(ctx, "id", mode, steps)
}

func (s *Service) acquirePaths(ctx context.Context, mode Mode, paths []path.Path) (*Monitor, error) {
	if !path.IsSortedWildcardFirst(paths) {
		return nil, ErrKeysNotSorted
	}
	planned := planPaths(mode, paths)
	steps := make([]step, len(planned))
	for i, p := range planned {
		steps[i] = step{key: pathPrefix + p.path.String(), mode: p.mode}
	}
	return s.acquire(ctx, "path", mode, steps)
}

type step struct {
	key  string
	mode Mode
}

func (s *Service) acquire(ctx context.Context, keyspace string, mode Mode, steps []step) (*Monitor, error) {
	m := &Monitor{svc: s, held: make([]hold, 0, len(steps))}
	start := time.Now()
	for _, st := range steps {
		e := s.reg.retain(st.key)
		weight := int64(1)
		if st.mode == Write {
			weight = writeWeight
		}
		if !e.sem.TryAcquire(weight) {
			s.logger.Trace("lockset.acquire.wait", "key", st.key, "mode", st.mode.String())
			if err := e.sem.Acquire(ctx, weight); err != nil {
				s.reg.drop(e)
				m.Release()
				s.logger.Debug("lockset.acquire.cancelled", "key", st.key, "mode", st.mode.String(), "error", err)
				return nil, err
			}
		}
		m.held = append(m.held, hold{entry: e, weight: weight})
	}
	s.metrics.recordAcquire(ctx, keyspace, mode, time.Since(start))
	return m, nil
}

// Len returns the number of live registry entries.
func (s *Service) Len() int {
	return s.reg.len()
}

// LogStatus writes every live registry entry at debug level.
func (s *Service) LogStatus() {
	entries := s.reg.snapshot()
	slices.SortFunc(entries, func(a, b entrySnapshot) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})
	s.logger.Debug("lockset.status", "entries", len(entries))
	for _, e := range entries {
		s.logger.Debug("lockset.status.entry", "key", e.key, "refs", e.refs)
	}
}

// IsCancellation reports whether err came from an abandoned acquisition.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
