package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	// PoolFileName is the revision pool file inside the data directory.
	PoolFileName = "revisions.pool"
	poolMagic    = "PELM"
	poolSize     = 24
)

// poolStorage backs the 24-byte pool record.
//
//	magic [4] | major int32 | minor int32 | max int32 | counter int64
type poolStorage interface {
	bytes() []byte
	flush() error
	close() error
}

// RevisionPool issues revisions from a persistent monotonic counter.
type RevisionPool struct {
	mu      sync.Mutex
	store   poolStorage
	current atomic.Uint64
	max     int32
	closed  bool
}

// OpenRevisionPool opens dir/revisions.pool, creating it with max when
// absent. An existing pool is validated for size, magic, and version; its
// recorded max is kept.
func OpenRevisionPool(dir string, max int32) (*RevisionPool, error) {
	name := filepath.Join(dir, PoolFileName)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open revision pool: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: stat revision pool: %w", err)
	}
	fresh := info.Size() == 0
	if fresh {
		rec := make([]byte, poolSize)
		copy(rec[0:4], poolMagic)
		binary.BigEndian.PutUint32(rec[4:8], VersionMajor)
		binary.BigEndian.PutUint32(rec[8:12], VersionMinor)
		binary.BigEndian.PutUint32(rec[12:16], uint32(max))
		if _, err := f.WriteAt(rec, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: initialise revision pool: %w", err)
		}
		if err := syncFile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: sync revision pool: %w", err)
		}
	} else if info.Size() != poolSize {
		_ = f.Close()
		return nil, corrupt("revision pool size %d, want %d", info.Size(), poolSize)
	}
	store, err := mapPool(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	rec := store.bytes()
	if string(rec[0:4]) != poolMagic {
		_ = store.close()
		return nil, corrupt("revision pool magic %q", rec[0:4])
	}
	major, minor := binary.BigEndian.Uint32(rec[4:8]), binary.BigEndian.Uint32(rec[8:12])
	if major != VersionMajor || minor != VersionMinor {
		_ = store.close()
		return nil, badVersion("revision pool version %d.%d", major, minor)
	}
	p := &RevisionPool{store: store, max: int32(binary.BigEndian.Uint32(rec[12:16]))}
	p.current.Store(binary.BigEndian.Uint64(rec[16:24]))
	return p, nil
}

// Current returns the last issued revision, or NoRevision.
func (p *RevisionPool) Current() Revision {
	return Revision(p.current.Load())
}

// Max returns the bound recorded when the pool was created.
func (p *RevisionPool) Max() int32 {
	return p.max
}

// Next issues the next revision and persists the counter.
func (p *RevisionPool) Next() (Revision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	cur := p.current.Load()
	if cur >= math.MaxUint64-1 {
		return 0, fmt.Errorf("%w: counter at %016x", ErrRevisionsExhausted, cur)
	}
	return p.storeLocked(cur + 1)
}

// Observe advances the counter to at least rev. Recovery uses it so a
// replayed program never sees its revision issued twice.
func (p *RevisionPool) Observe(rev Revision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if rev == Latest || uint64(rev) <= p.current.Load() {
		return nil
	}
	_, err := p.storeLocked(uint64(rev))
	return err
}

func (p *RevisionPool) storeLocked(next uint64) (Revision, error) {
	rec := p.store.bytes()
	binary.BigEndian.PutUint64(rec[16:24], next)
	if err := p.store.flush(); err != nil {
		binary.BigEndian.PutUint64(rec[16:24], p.current.Load())
		return 0, fmt.Errorf("journal: persist revision counter: %w", err)
	}
	p.current.Store(next)
	return Revision(next), nil
}

// Close flushes and unmaps the pool.
func (p *RevisionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.store.flush(), p.store.close())
}

// ReadRevisionPool reads the pool record without mapping or locking it, for
// offline inspection.
func ReadRevisionPool(dir string) (current Revision, max int32, err error) {
	raw, err := os.ReadFile(filepath.Join(dir, PoolFileName))
	if err != nil {
		return 0, 0, fmt.Errorf("journal: read revision pool: %w", err)
	}
	if len(raw) != poolSize {
		return 0, 0, corrupt("revision pool size %d, want %d", len(raw), poolSize)
	}
	if string(raw[0:4]) != poolMagic {
		return 0, 0, corrupt("revision pool magic %q", raw[0:4])
	}
	if major := binary.BigEndian.Uint32(raw[4:8]); major != VersionMajor {
		return 0, 0, badVersion("revision pool version %d", major)
	}
	return Revision(binary.BigEndian.Uint64(raw[16:24])), int32(binary.BigEndian.Uint32(raw[12:16])), nil
}
