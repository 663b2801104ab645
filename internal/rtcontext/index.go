package rtcontext

import (
	"context"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/persist"
)

// Index is the local IndexContext over the engine's path links.
type Index struct {
	engine  *persist.Engine
	methods invoke.Methods
}

// NewIndex returns the index context.
func NewIndex(engine *persist.Engine) *Index {
	x := &Index{engine: engine}
	x.methods = invoke.Methods{
		"list":    x.list,
		"resolve": x.resolve,
	}
	return x
}

func (x *Index) Invoke(ctx context.Context, call *invoke.Call) { x.methods.Invoke(ctx, call) }

func (x *Index) Methods() []string { return x.methods.Methods() }

func pathArg(call *invoke.Call, i int) (path.Path, error) {
	raw, err := call.Invocation.StringArg(i)
	if err != nil {
		return path.Path{}, err
	}
	p, err := path.Parse(raw)
	if err != nil {
		return path.Path{}, fault.Wrap(fault.Execution, "bad_path", err)
	}
	return p, nil
}

// list(pattern) returns every link matching pattern.
func (x *Index) list(ctx context.Context, call *invoke.Call) {
	pattern, err := pathArg(call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	links, err := x.engine.List(ctx, pattern)
	if err != nil {
		call.Fail(err)
		return
	}
	out := make([]any, 0, len(links))
	for _, l := range links {
		out = append(out, map[string]any{"path": l.Path.String(), "id": l.ID.String()})
	}
	call.Result(out)
}

// resolve(path) returns the id linked at path.
func (x *Index) resolve(ctx context.Context, call *invoke.Call) {
	p, err := pathArg(call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	id, err := x.engine.Resolve(ctx, p)
	if err != nil {
		call.Fail(err)
		return
	}
	call.Result(id.String())
}
