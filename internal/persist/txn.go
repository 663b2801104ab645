package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/lockset"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
	"pkt.systems/rtnode/internal/svcfields"
)

// TxnState is the lifecycle position of a transaction.
type TxnState uint8

const (
	TxnOpen TxnState = iota
	TxnValidated
	TxnCommitExecuting
	TxnCommitted
	TxnCleanupExecuting
	TxnClosed
)

var txnStateNames = [...]string{"open", "validated", "commit_executing", "committed", "cleanup_executing", "closed"}

func (s TxnState) String() string {
	if int(s) < len(txnStateNames) {
		return txnStateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// TxnOptions names the keys a transaction may touch. The write monitors
// over them are held from Begin until Commit or Rollback returns.
type TxnOptions struct {
	IDs   []resourceid.ID
	Paths []path.Path
}

type opKind uint8

const (
	opCreate opKind = iota
	opUpdate
	opRemove
	opLink
	opUnlink
)

type txnOp struct {
	kind  opKind
	id    resourceid.ID
	path  path.Path
	data  []byte
	links []path.Path
}

// Txn is one durable mutation.
type Txn struct {
	e       *Engine
	id      xid.ID
	monitor *lockset.Monitor
	ids     map[resourceid.ID]struct{}
	paths   map[string]struct{}
	ops     []txnOp
	state   TxnState
	logger  pslog.Logger
}

// Begin acquires write monitors over opts (ids first, then paths) and opens
// a transaction.
func (e *Engine) Begin(ctx context.Context, opts TxnOptions) (*Txn, error) {
	ids := slices.Clone(opts.IDs)
	resourceid.Sort(ids)
	ids = slices.Compact(ids)
	paths := slices.Clone(opts.Paths)
	path.SortWildcardFirst(paths)
	paths = slices.CompactFunc(paths, path.Path.Equal)

	idMon, err := e.locks.WriteIDs(ctx, ids...)
	if err != nil {
		return nil, err
	}
	pathMon, err := e.locks.WritePaths(ctx, paths...)
	if err != nil {
		idMon.Release()
		return nil, err
	}
	t := &Txn{
		e:       e,
		id:      xid.New(),
		monitor: lockset.Join(idMon, pathMon),
		ids:     make(map[resourceid.ID]struct{}, len(ids)),
		paths:   make(map[string]struct{}, len(paths)),
	}
	for _, id := range ids {
		t.ids[id] = struct{}{}
	}
	for _, p := range paths {
		t.paths[p.String()] = struct{}{}
	}
	t.logger = e.logger.With(svcfields.TxnKey, t.id.String())
	t.logger.Trace("persist.txn.begin", "ids", len(ids), "paths", len(paths))
	return t, nil
}

// ID returns the transaction id recorded in the journal.
func (t *Txn) ID() xid.ID { return t.id }

// State returns the lifecycle position.
func (t *Txn) State() TxnState { return t.state }

func (t *Txn) checkOpen() error {
	if t.state != TxnOpen {
		return fmt.Errorf("%w: transaction %s is %s", ErrTxnDone, t.id, t.state)
	}
	return nil
}

func (t *Txn) coverID(id resourceid.ID) error {
	if _, ok := t.ids[id]; !ok {
		return fmt.Errorf("%w: resource %s", ErrNotCovered, id)
	}
	return nil
}

func (t *Txn) coverPath(p path.Path) error {
	if p.IsWildcard() {
		return fmt.Errorf("%w: wildcard path %s cannot be linked", path.ErrInvalid, p)
	}
	if _, ok := t.paths[p.String()]; !ok {
		return fmt.Errorf("%w: path %s", ErrNotCovered, p)
	}
	return nil
}

// Load reads id under the transaction's monitor, seeing earlier writes of
// this transaction only after Commit.
func (t *Txn) Load(id resourceid.ID) (Snapshot, error) {
	if err := t.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if err := t.coverID(id); err != nil {
		return Snapshot{}, err
	}
	return t.e.loadLocked(id, journal.Latest)
}

// Create stores a new resource with data and links it at p.
func (t *Txn) Create(p path.Path, id resourceid.ID, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.coverID(id); err != nil {
		return err
	}
	if err := t.coverPath(p); err != nil {
		return err
	}
	if files, err := t.e.revisions(id); err != nil {
		return err
	} else if len(files) > 0 {
		return fault.Newf(fault.Execution, "resource_exists", "resource %s already exists", id)
	}
	if err := t.checkPathFree(p, id); err != nil {
		return err
	}
	t.ops = append(t.ops, txnOp{kind: opCreate, id: id, path: p, data: slices.Clone(data)})
	return nil
}

// Update stores a new revision of an existing resource.
func (t *Txn) Update(id resourceid.ID, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.coverID(id); err != nil {
		return err
	}
	if !t.pendingCreate(id) {
		if _, err := t.e.loadLocked(id, journal.Latest); err != nil {
			return err
		}
	}
	t.ops = append(t.ops, txnOp{kind: opUpdate, id: id, data: slices.Clone(data)})
	return nil
}

// Remove deletes a resource and every path linked to it. Those paths must
// be covered by the transaction; Links reports them.
func (t *Txn) Remove(id resourceid.ID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.coverID(id); err != nil {
		return err
	}
	if _, err := t.e.loadLocked(id, journal.Latest); err != nil {
		return err
	}
	links, err := t.e.Links(id)
	if err != nil {
		return err
	}
	for _, p := range links {
		if err := t.coverPath(p); err != nil {
			return err
		}
	}
	t.ops = append(t.ops, txnOp{kind: opRemove, id: id, links: links})
	return nil
}

// Link names id at p.
func (t *Txn) Link(id resourceid.ID, p path.Path) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.coverID(id); err != nil {
		return err
	}
	if err := t.coverPath(p); err != nil {
		return err
	}
	if !t.pendingCreate(id) {
		if _, err := t.e.loadLocked(id, journal.Latest); err != nil {
			return err
		}
	}
	if err := t.checkPathFree(p, id); err != nil {
		return err
	}
	t.ops = append(t.ops, txnOp{kind: opLink, id: id, path: p})
	return nil
}

// Unlink removes the name p from id.
func (t *Txn) Unlink(id resourceid.ID, p path.Path) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.coverID(id); err != nil {
		return err
	}
	if err := t.coverPath(p); err != nil {
		return err
	}
	rec, err := t.e.readLink(p)
	if err != nil {
		return err
	}
	if rec.ID != id {
		return fmt.Errorf("%w: path %s names %s, not %s", ErrNotFound, p, rec.ID, id)
	}
	t.ops = append(t.ops, txnOp{kind: opUnlink, id: id, path: p})
	return nil
}

func (t *Txn) pendingCreate(id resourceid.ID) bool {
	for _, op := range t.ops {
		if op.kind == opCreate && op.id == id {
			return true
		}
	}
	return false
}

func (t *Txn) checkPathFree(p path.Path, id resourceid.ID) error {
	for _, op := range t.ops {
		if (op.kind == opCreate || op.kind == opLink) && op.path.Equal(p) && op.id != id {
			return fmt.Errorf("%w: %s", ErrPathInUse, p)
		}
	}
	rec, err := t.e.readLink(p)
	switch {
	case err == nil && rec.ID != id:
		return fmt.Errorf("%w: %s names %s", ErrPathInUse, p, rec.ID)
	case err == nil:
		return nil
	case fault.IsKind(err, fault.NotFound):
		return nil
	}
	return err
}

// Rollback abandons the transaction and releases its monitors.
func (t *Txn) Rollback() {
	if t.state == TxnClosed {
		return
	}
	t.state = TxnClosed
	t.monitor.Release()
	t.logger.Trace("persist.txn.rollback")
}

// Commit makes the transaction durable and returns its revision. Cleanup
// failures are logged and counted but do not fail the commit.
func (t *Txn) Commit(ctx context.Context) (journal.Revision, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	defer func() {
		t.state = TxnClosed
		t.monitor.Release()
	}()
	if len(t.ops) == 0 {
		return t.e.pool.Current(), nil
	}
	e := t.e
	ctx, span := e.tracer.Start(ctx, "rtnode.persist.commit")
	defer span.End()
	span.SetAttributes(attribute.String("rtnode.txn", t.id.String()), attribute.Int("rtnode.txn.ops", len(t.ops)))
	start := time.Now()

	// The revision is taken only once the program fits a reserved slot, so a
	// commit that fails before reaching the journal leaves the counter alone.
	builder := journal.NewBuilder(t.id, 0, e.checksum)
	staged, err := t.build(builder)
	if err != nil {
		e.discardStaged(staged)
		span.SetStatus(codes.Error, "stage")
		return 0, err
	}
	program, err := builder.Compile(journal.PhaseCommit, journal.PhaseCleanup)
	if err != nil {
		e.discardStaged(staged)
		return 0, err
	}
	reservation, err := e.journal.Reserve(ctx, len(program))
	if err != nil {
		e.discardStaged(staged)
		span.SetStatus(codes.Error, "reserve")
		return 0, err
	}
	rev, err := e.pool.Next()
	if err != nil {
		reservation.Abort()
		e.discardStaged(staged)
		e.logger.Error("persist.commit.revision_failed", svcfields.TxnKey, t.id.String(), "error", err)
		span.SetStatus(codes.Error, "revision")
		return 0, err
	}
	logger := t.logger.With(svcfields.RevisionKey, rev.String())
	if err := journal.SetRevision(program, rev); err != nil {
		reservation.Abort()
		e.discardStaged(staged)
		return 0, err
	}
	parsed, err := journal.ParseProgram(program)
	if err != nil {
		reservation.Abort()
		e.discardStaged(staged)
		return 0, err
	}
	entry, err := reservation.Write(program)
	if err != nil {
		e.discardStaged(staged)
		logger.Error("persist.commit.append_failed", "error", err)
		span.SetStatus(codes.Error, "append")
		return 0, err
	}
	t.state = TxnValidated
	logger.Debug("persist.commit.validated", "slot", entry.Slot, "bytes", len(program))

	interp := journal.NewInterpreter(parsed, fsHandler{e: e})
	t.state = TxnCommitExecuting
	if err := interp.ExecuteCommit(context.WithoutCancel(ctx)); err != nil {
		// The slot stays validated; the next Open replays it.
		logger.Error("persist.commit.apply_failed", "slot", entry.Slot, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply")
		return 0, fault.Wrap(fault.Internal, "commit_apply_failed", err)
	}
	if err := e.journal.MarkCommitted(entry); err != nil {
		logger.Error("persist.commit.mark_failed", "slot", entry.Slot, "error", err)
		return 0, err
	}
	t.state = TxnCommitted
	e.metrics.recordCommit(ctx, time.Since(start))

	t.state = TxnCleanupExecuting
	e.runCleanup(ctx, interp, entry, logger)
	logger.Debug("persist.commit.done", "ops", len(t.ops), "duration_ms", time.Since(start).Milliseconds())
	span.SetStatus(codes.Ok, "")
	return rev, nil
}

func (e *Engine) runCleanup(ctx context.Context, interp *journal.Interpreter, entry *journal.Entry, logger pslog.Logger) {
	if err := interp.ExecuteCleanup(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("persist.cleanup.failed", "slot", entry.Slot, "error", err)
		e.metrics.recordCleanupFailure(ctx)
	}
	if err := e.journal.Release(entry); err != nil {
		logger.Warn("persist.cleanup.release_failed", "slot", entry.Slot, "error", err)
	}
}

// build stages blobs and emits commands for every op. Returned staged files
// are removed by the caller on failure.
func (t *Txn) build(b *journal.Builder) ([]string, error) {
	var staged []string
	for i, op := range t.ops {
		switch op.kind {
		case opCreate:
			rel, err := t.e.stage(t.id, i, op.data)
			if err != nil {
				return staged, err
			}
			staged = append(staged, rel)
			b.Commit(journal.AddResourceID, journal.ResourceIDParam(op.id))
			b.Commit(journal.LinkNewResource, journal.ResourceIDParam(op.id), journal.FSPathParam(rel))
			b.Commit(journal.AddPath, journal.RTPathParam(op.path))
			b.Commit(journal.LinkResourceToRTPath, journal.ResourceIDParam(op.id), journal.RTPathParam(op.path))
		case opUpdate:
			rel, err := t.e.stage(t.id, i, op.data)
			if err != nil {
				return staged, err
			}
			staged = append(staged, rel)
			b.Commit(journal.UpdateResource, journal.ResourceIDParam(op.id), journal.FSPathParam(rel))
		case opLink:
			b.Commit(journal.AddPath, journal.RTPathParam(op.path))
			b.Commit(journal.LinkResourceToRTPath, journal.ResourceIDParam(op.id), journal.RTPathParam(op.path))
		case opUnlink:
			b.Commit(journal.UnlinkRTPath, journal.RTPathParam(op.path))
		case opRemove:
			for _, p := range op.links {
				b.Commit(journal.UnlinkRTPath, journal.RTPathParam(p))
			}
			b.Commit(journal.RemoveResource, journal.ResourceIDParam(op.id))
			b.Cleanup(journal.UnlinkFSPath, journal.FSPathParam(resourceRel(op.id)))
		}
	}
	if err := t.planRetention(b); err != nil {
		return staged, err
	}
	return staged, nil
}

// planRetention adds cleanup commands for revisions that fall out of the
// retention window once this commit installs its revision.
func (t *Txn) planRetention(b *journal.Builder) error {
	written := map[resourceid.ID]bool{}
	removed := map[resourceid.ID]bool{}
	for _, op := range t.ops {
		switch op.kind {
		case opCreate, opUpdate:
			written[op.id] = true
		case opRemove:
			removed[op.id] = true
		}
	}
	for id := range written {
		if removed[id] {
			continue
		}
		files, err := t.e.revisions(id)
		if err != nil {
			return err
		}
		keep := t.e.retention - 1
		if excess := len(files) - keep; excess > 0 {
			for _, f := range files[:excess] {
				b.Cleanup(journal.UnlinkFSPath, journal.FSPathParam(resourceRel(id)+"/"+f.name))
			}
		}
	}
	return nil
}

func (e *Engine) stage(txn xid.ID, n int, data []byte) (string, error) {
	rel := fmt.Sprintf("%s/%s-%d.blob", stagingDir, txn.String(), n)
	abs, err := e.abs(rel)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("persist: stage blob: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", fmt.Errorf("persist: stage blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", fmt.Errorf("persist: sync staged blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return rel, nil
}

func (e *Engine) discardStaged(staged []string) {
	for _, rel := range staged {
		if abs, err := e.abs(rel); err == nil {
			_ = os.Remove(abs)
		}
	}
}

// clearStaging removes staged blobs no pending program references.
func (e *Engine) clearStaging() error {
	dir := filepath.Join(e.dir, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		e.logger.Info("persist.recovery.staging_cleared", "files", len(entries))
	}
	return nil
}
