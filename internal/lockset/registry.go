package lockset

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

const (
	shardCount = 64
	// writeWeight is the semaphore capacity; a writer takes all of it and each
	// reader takes one unit.
	writeWeight int64 = 1 << 40
)

// entry is one reference-counted lock in the registry. refs counts holders and
// waiters; the entry is removed when refs reaches zero.
type entry struct {
	key  string
	sem  *semaphore.Weighted
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// registry maps canonical key text to lock entries. Keys are spread over
// shards so unrelated key sets never contend on one mutex.
type registry struct {
	shards [shardCount]shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *registry) shardFor(key string) *shard {
	return &r.shards[xxhash.Sum64String(key)%shardCount]
}

// retain returns the entry for key, creating it on first use, and takes a
// reference on it.
func (r *registry) retain(key string) *entry {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, sem: semaphore.NewWeighted(writeWeight)}
		s.entries[key] = e
	}
	e.refs++
	return e
}

// drop releases one reference and deletes the entry once unreferenced.
func (r *registry) drop(e *entry) {
	s := r.shardFor(e.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		if cur, ok := s.entries[e.key]; ok && cur == e {
			delete(s.entries, e.key)
		}
	}
}

func (r *registry) len() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

type entrySnapshot struct {
	key  string
	refs int
}

func (r *registry) snapshot() []entrySnapshot {
	var out []entrySnapshot
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, entrySnapshot{key: e.key, refs: e.refs})
		}
		s.mu.Unlock()
	}
	return out
}
