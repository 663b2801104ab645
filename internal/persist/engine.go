// Package persist is the transactional resource store. Every mutation runs
// as a journal program: blobs are staged, the program is made durable, its
// commit segment applied, and its cleanup segment run afterwards. A crash at
// any point is repaired on the next Open by replaying pending programs.
package persist

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/lockset"
	"pkt.systems/rtnode/internal/svcfields"
)

const (
	// DefaultRetention is the number of revisions kept per resource.
	DefaultRetention = 4
)

// Sentinel faults returned by reads and transactions.
var (
	// ErrNotFound marks an unknown or removed resource, or an unlinked path.
	ErrNotFound = fault.New(fault.NotFound, "not_found", "")
	// ErrNoSuchRevision is journal.ErrNoSuchRevision re-exported for callers.
	ErrNoSuchRevision = journal.ErrNoSuchRevision
	// ErrNotCovered marks a transaction touching a key its monitor lacks.
	ErrNotCovered = fault.New(fault.Internal, "txn_not_covered", "")
	// ErrPathInUse marks a link to a path that already names another resource.
	ErrPathInUse = fault.New(fault.Execution, "path_in_use", "")
	// ErrTxnDone marks use of a committed or rolled back transaction.
	ErrTxnDone = fault.New(fault.Internal, "txn_done", "")
)

// Archive receives revision blobs before cleanup deletes them.
type Archive interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Config configures Open.
type Config struct {
	// Dir is the data directory.
	Dir string
	// SlotSize and SlotCount size a newly created journal.
	SlotSize  int
	SlotCount int
	// Retention is the number of revisions kept per resource. It is recorded
	// in the revision pool when the store is created.
	Retention int
	// Checksum selects the algorithm for new programs.
	Checksum journal.ChecksumAlgorithm
	// Locks is the shared lock service. A private one is created when nil.
	Locks *lockset.Service
	// Archive, when set, receives reclaimed revision blobs.
	Archive Archive
	Logger  pslog.Logger
}

// Engine owns the data directory.
type Engine struct {
	dir       string
	pool      *journal.RevisionPool
	journal   *journal.Journal
	locks     *lockset.Service
	archive   Archive
	checksum  journal.ChecksumAlgorithm
	retention int
	logger    pslog.Logger
	metrics   *metrics
	tracer    trace.Tracer
}

// Open opens the store and recovers any programs left pending by a crash.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("persist: data directory required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "persist.engine")
	for _, sub := range []string{resourcesDir, pathsDir, stagingDir, quarantineDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("persist: prepare %s: %w", sub, err)
		}
	}
	pool, err := journal.OpenRevisionPool(cfg.Dir, int32(cfg.Retention))
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(cfg.Dir, journal.Options{
		SlotSize:  cfg.SlotSize,
		SlotCount: cfg.SlotCount,
		Logger:    cfg.Logger,
	})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lockset.New(lockset.WithLogger(cfg.Logger))
	}
	retention := int(pool.Max())
	if retention <= 0 {
		retention = cfg.Retention
	}
	if retention != cfg.Retention {
		logger.Warn("persist.open.retention_kept", "recorded", retention, "configured", cfg.Retention)
	}
	e := &Engine{
		dir:       cfg.Dir,
		pool:      pool,
		journal:   j,
		locks:     locks,
		archive:   cfg.Archive,
		checksum:  cfg.Checksum,
		retention: retention,
		logger:    logger,
		metrics:   newMetrics(logger),
		tracer:    otel.Tracer("pkt.systems/rtnode/persist"),
	}
	if err := e.recover(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	logger.Info("persist.open", "dir", cfg.Dir, "revision", pool.Current().String(), "retention", retention)
	return e, nil
}

// Locks returns the lock service guarding this store.
func (e *Engine) Locks() *lockset.Service { return e.locks }

// Current returns the newest committed revision.
func (e *Engine) Current() journal.Revision { return e.pool.Current() }

// Retention returns the number of revisions kept per resource.
func (e *Engine) Retention() int { return e.retention }

// Close closes the journal and the revision pool.
func (e *Engine) Close() error {
	jerr := e.journal.Close()
	perr := e.pool.Close()
	if jerr != nil {
		return jerr
	}
	return perr
}
