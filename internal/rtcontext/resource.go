package rtcontext

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/persist"
	"pkt.systems/rtnode/internal/resourceid"
	"pkt.systems/rtnode/internal/svcfields"
)

// maxDestroyAttempts bounds the relock loop of destroy when links change
// between planning and locking.
const maxDestroyAttempts = 4

// Resources is the local ResourceContext: stored documents addressed by id or
// path, executed by a Sandbox.
type Resources struct {
	engine   *persist.Engine
	sandbox  Sandbox
	maxState int64
	logger   pslog.Logger
	methods  invoke.Methods
}

// NewResources returns the resource context over engine.
func NewResources(engine *persist.Engine, sandbox Sandbox, maxState int64, logger pslog.Logger) *Resources {
	if maxState <= 0 {
		maxState = DefaultMaxStateBytes
	}
	r := &Resources{
		engine:   engine,
		sandbox:  sandbox,
		maxState: maxState,
		logger:   svcfields.WithSubsystem(logger, "rtcontext.resource"),
	}
	r.methods = invoke.Methods{
		"create":  r.create,
		"invoke":  r.invoke,
		"load":    r.load,
		"destroy": r.destroy,
		"link":    r.link,
		"unlink":  r.unlink,
	}
	return r
}

func (r *Resources) Invoke(ctx context.Context, call *invoke.Call) { r.methods.Invoke(ctx, call) }

func (r *Resources) Methods() []string { return r.methods.Methods() }

func revisionResult(id resourceid.ID, rev journal.Revision) map[string]any {
	return map[string]any{"id": id.String(), "revision": uint64(rev)}
}

// create(path, [state]) stores a new resource. A trailing wildcard in path
// is replaced by a fresh name.
func (r *Resources) create(ctx context.Context, call *invoke.Call) {
	raw, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	p, err := path.Parse(raw)
	if err != nil {
		call.Fail(fault.Wrap(fault.Execution, "bad_path", err))
		return
	}
	p = p.AppendUUIDIfWildcard()
	state, err := encodeState(call.Invocation.Arg(1), r.maxState)
	if err != nil {
		call.Fail(fault.Wrap(fault.Execution, "bad_state", err))
		return
	}
	id := resourceid.New()
	txn, err := r.engine.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{p}})
	if err != nil {
		call.Fail(err)
		return
	}
	defer txn.Rollback()
	if err := txn.Create(p, id, state); err != nil {
		call.Fail(err)
		return
	}
	rev, err := txn.Commit(ctx)
	if err != nil {
		call.Fail(err)
		return
	}
	r.logger.Debug("rtcontext.resource.created", svcfields.ResourceKey, id.String(), svcfields.PathKey, p.String(), svcfields.RevisionKey, uint64(rev))
	res := revisionResult(id, rev)
	res["path"] = p.String()
	call.Result(res)
}

func (r *Resources) target(ctx context.Context, call *invoke.Call, i int) (resourceid.ID, error) {
	raw, err := call.Invocation.StringArg(i)
	if err != nil {
		return resourceid.Zero, err
	}
	return r.Lookup(ctx, raw)
}

// Lookup resolves raw, either a resource id or a linked path.
func (r *Resources) Lookup(ctx context.Context, raw string) (resourceid.ID, error) {
	if id, err := resourceid.Parse(raw); err == nil {
		return id, nil
	}
	p, err := path.Parse(raw)
	if err != nil {
		return resourceid.Zero, fault.Newf(fault.Execution, "bad_target", "%q is neither a resource id nor a path", raw)
	}
	return r.engine.Resolve(ctx, p)
}

// invoke(idOrPath, method, args...) runs a sandbox method against the
// current state and stores the new state when the method mutated it.
func (r *Resources) invoke(ctx context.Context, call *invoke.Call) {
	id, err := r.target(ctx, call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	method, err := call.Invocation.StringArg(1)
	if err != nil {
		call.Fail(err)
		return
	}
	var args []any
	if len(call.Invocation.Arguments) > 2 {
		args = call.Invocation.Arguments[2:]
	}
	result, rev, err := r.Apply(ctx, id, method, args)
	if err != nil {
		call.Fail(err)
		return
	}
	out := revisionResult(id, rev)
	out["result"] = result
	call.Result(out)
}

// Apply runs method on id inside one transaction and returns the sandbox
// result with the revision the resource is at afterwards.
func (r *Resources) Apply(ctx context.Context, id resourceid.ID, method string, args []any) (any, journal.Revision, error) {
	txn, err := r.engine.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}})
	if err != nil {
		return nil, 0, err
	}
	defer txn.Rollback()
	snap, err := txn.Load(id)
	if err != nil {
		return nil, 0, err
	}
	result, next, mutated, err := r.sandbox.Invoke(ctx, snap.Data, method, args)
	if err != nil {
		return nil, 0, err
	}
	if !mutated {
		return result, snap.Revision, nil
	}
	if int64(len(next)) > r.maxState {
		return nil, 0, fault.Newf(fault.Execution, "state_too_large", "state of %s would be %d bytes", id, len(next))
	}
	if err := txn.Update(id, next); err != nil {
		return nil, 0, err
	}
	rev, err := txn.Commit(ctx)
	if err != nil {
		return nil, 0, err
	}
	return result, rev, nil
}

// load(idOrPath, [revision]) returns a stored revision.
func (r *Resources) load(ctx context.Context, call *invoke.Call) {
	id, err := r.target(ctx, call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	at := journal.Latest
	if call.Invocation.Arg(1) != nil {
		n, err := call.Invocation.IntArg(1)
		if err != nil {
			call.Fail(err)
			return
		}
		if n <= 0 {
			call.Fail(fault.Newf(fault.Execution, "bad_argument", "revision %d is not positive", n))
			return
		}
		at = journal.Revision(n)
	}
	snap, err := r.engine.Load(ctx, id, at)
	if err != nil {
		call.Fail(err)
		return
	}
	out := revisionResult(id, snap.Revision)
	out["state"] = decodeState(snap.Data)
	call.Result(out)
}

// destroy(idOrPath) removes the resource and every path naming it.
func (r *Resources) destroy(ctx context.Context, call *invoke.Call) {
	id, err := r.target(ctx, call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	rev, err := r.Destroy(ctx, id)
	if err != nil {
		call.Fail(err)
		return
	}
	call.Result(revisionResult(id, rev))
}

// Destroy removes id. The links are read before locking; a link added in
// between surfaces as persist.ErrNotCovered and the plan is retried.
func (r *Resources) Destroy(ctx context.Context, id resourceid.ID) (journal.Revision, error) {
	var lastErr error
	for attempt := 0; attempt < maxDestroyAttempts; attempt++ {
		links, err := r.engine.Links(id)
		if err != nil {
			return 0, err
		}
		txn, err := r.engine.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: links})
		if err != nil {
			return 0, err
		}
		err = txn.Remove(id)
		if err == nil {
			rev, err := txn.Commit(ctx)
			txn.Rollback()
			return rev, err
		}
		txn.Rollback()
		if !errors.Is(err, persist.ErrNotCovered) {
			return 0, err
		}
		lastErr = err
		r.logger.Debug("rtcontext.resource.destroy.replan", svcfields.ResourceKey, id.String(), "attempt", attempt+1)
	}
	return 0, fmt.Errorf("destroy %s: links kept changing: %w", id, lastErr)
}

// link(idOrPath, path) adds a name.
func (r *Resources) link(ctx context.Context, call *invoke.Call) {
	r.relink(ctx, call, true)
}

// unlink(idOrPath, path) removes a name.
func (r *Resources) unlink(ctx context.Context, call *invoke.Call) {
	r.relink(ctx, call, false)
}

func (r *Resources) relink(ctx context.Context, call *invoke.Call, add bool) {
	id, err := r.target(ctx, call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	raw, err := call.Invocation.StringArg(1)
	if err != nil {
		call.Fail(err)
		return
	}
	p, err := path.Parse(raw)
	if err != nil {
		call.Fail(fault.Wrap(fault.Execution, "bad_path", err))
		return
	}
	txn, err := r.engine.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{p}})
	if err != nil {
		call.Fail(err)
		return
	}
	defer txn.Rollback()
	if add {
		err = txn.Link(id, p)
	} else {
		err = txn.Unlink(id, p)
	}
	if err != nil {
		call.Fail(err)
		return
	}
	rev, err := txn.Commit(ctx)
	if err != nil {
		call.Fail(err)
		return
	}
	out := revisionResult(id, rev)
	out["path"] = p.String()
	call.Result(out)
}
