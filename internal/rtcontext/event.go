package rtcontext

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

type subscription struct {
	call *invoke.Call
}

// Events is the local EventContext, a fan-out from posted events to the
// async parts of subscribe calls.
type Events struct {
	logger pslog.Logger

	mu      sync.Mutex
	subs    map[string][]*subscription
	closed  bool
	methods invoke.Methods
}

// NewEvents returns an empty event hub.
func NewEvents(logger pslog.Logger) *Events {
	e := &Events{
		logger: svcfields.WithSubsystem(logger, "rtcontext.event"),
		subs:   map[string][]*subscription{},
	}
	e.methods = invoke.Methods{
		"post":      e.post,
		"subscribe": e.subscribe,
	}
	return e
}

func (e *Events) Invoke(ctx context.Context, call *invoke.Call) { e.methods.Invoke(ctx, call) }

func (e *Events) Methods() []string { return e.methods.Methods() }

// subscribe(name) delivers the next Parts() events named name as async
// parts. The subscription ends when every part is answered or ctx ends.
func (e *Events) subscribe(ctx context.Context, call *invoke.Call) {
	name, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	if call.Parts() == 0 {
		call.Fail(fault.New(fault.Execution, "no_async_parts", "subscribe needs at least one async part"))
		return
	}
	sub := &subscription{call: call}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		call.Fail(fault.New(fault.Execution, "node_closing", "events are closed"))
		return
	}
	e.subs[name] = append(e.subs[name], sub)
	e.mu.Unlock()
	call.Result(map[string]any{"event": name, "parts": call.Parts()})
	go func() {
		select {
		case <-call.Done():
		case <-ctx.Done():
			call.AsyncFail(ctx.Err())
		}
		e.unsubscribe(name, sub)
	}()
}

func (e *Events) unsubscribe(name string, sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.subs[name]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.subs, name)
		return
	}
	e.subs[name] = list
}

// Post delivers an event to every current subscriber of name and returns
// the number of deliveries.
func (e *Events) Post(name string, args []any) int {
	e.mu.Lock()
	subs := append([]*subscription(nil), e.subs[name]...)
	e.mu.Unlock()
	if args == nil {
		args = []any{}
	}
	event := map[string]any{"event": name, "args": args}
	delivered := 0
	for _, s := range subs {
		if _, ok := s.call.AsyncNext(event); ok {
			delivered++
		}
	}
	e.logger.Trace("rtcontext.event.posted", "event", name, "subscribers", len(subs), "delivered", delivered)
	return delivered
}

// post(name, args...) fans out an event.
func (e *Events) post(_ context.Context, call *invoke.Call) {
	name, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	var args []any
	if len(call.Invocation.Arguments) > 1 {
		args = append(args, call.Invocation.Arguments[1:]...)
	}
	call.Result(map[string]any{"delivered": e.Post(name, args)})
}

// Close ends every subscription with an error.
func (e *Events) Close() {
	e.mu.Lock()
	e.closed = true
	var all []*subscription
	for _, list := range e.subs {
		all = append(all, list...)
	}
	e.mu.Unlock()
	for _, s := range all {
		s.call.AsyncFail(fault.New(fault.Execution, "node_closing", "events are closed"))
	}
}
