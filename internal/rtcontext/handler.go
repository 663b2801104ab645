package rtcontext

import (
	"context"

	"pkt.systems/rtnode/internal/invoke"
)

// Handler is the local HandlerContext: sandbox methods run against a state
// supplied by the caller and nothing is stored.
type Handler struct {
	sandbox  Sandbox
	maxState int64
	methods  invoke.Methods
}

// NewHandler returns the handler context.
func NewHandler(sandbox Sandbox, maxState int64) *Handler {
	if maxState <= 0 {
		maxState = DefaultMaxStateBytes
	}
	h := &Handler{sandbox: sandbox, maxState: maxState}
	h.methods = invoke.Methods{"invoke": h.invoke}
	return h
}

func (h *Handler) Invoke(ctx context.Context, call *invoke.Call) { h.methods.Invoke(ctx, call) }

func (h *Handler) Methods() []string { return h.methods.Methods() }

// invoke(method, state, args...) returns the sandbox result and the state
// the method left behind.
func (h *Handler) invoke(ctx context.Context, call *invoke.Call) {
	method, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	state, err := encodeState(call.Invocation.Arg(1), h.maxState)
	if err != nil {
		call.Fail(err)
		return
	}
	var args []any
	if len(call.Invocation.Arguments) > 2 {
		args = call.Invocation.Arguments[2:]
	}
	result, next, mutated, err := h.sandbox.Invoke(ctx, state, method, args)
	if err != nil {
		call.Fail(err)
		return
	}
	if !mutated {
		next = state
	}
	call.Result(map[string]any{"result": result, "state": decodeState(next), "mutated": mutated})
}
