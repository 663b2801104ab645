package invoke

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/svcfields"
)

// Dispatcher resolves and runs calls inside this node.
type Dispatcher struct {
	resolver *Resolver
	logger   pslog.Logger
	errors   metric.Int64Counter
}

// NewDispatcher binds a dispatcher to resolver.
func NewDispatcher(resolver *Resolver, logger pslog.Logger) *Dispatcher {
	logger = svcfields.WithSubsystem(logger, "invoke.dispatch")
	d := &Dispatcher{resolver: resolver, logger: logger}
	counter, err := otel.Meter("pkt.systems/rtnode/invoke").Int64Counter(
		"rtnode.dispatch.errors",
		metric.WithDescription("Calls answered with a dispatch or execution failure"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "rtnode.dispatch.errors", "error", err)
	} else {
		d.errors = counter
	}
	return d
}

// Resolver returns the resolver in use.
func (d *Dispatcher) Resolver() *Resolver { return d.resolver }

// Dispatch resolves call's target and invokes it. When Dispatch returns the
// sync slot is filled: resolution failures, panics and targets that return
// without answering all become sync errors.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) {
	inv := call.Invocation
	target, err := d.resolver.ResolveNamed(inv.Type, inv.Name)
	if err != nil {
		d.logger.Error("invoke.dispatch.unmapped", "type", inv.Type, "name", inv.Name, "method", inv.Method, "error", err)
		d.count(ctx, err)
		call.Fail(err)
		return
	}
	d.logger.Trace("invoke.dispatch.begin", "invocation", inv.String(), "parts", call.Parts())
	d.invoke(ctx, target, call)
	if !call.SyncAnswered() {
		err := fmt.Errorf("%w: %s returned without answering", ErrNoSyncAnswer, inv)
		d.logger.Error("invoke.dispatch.no_answer", "invocation", inv.String())
		d.count(ctx, err)
		call.Fail(err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, target Target, call *Call) {
	defer func() {
		if r := recover(); r != nil {
			err := fault.Newf(fault.Internal, "target_panic", "%s: %v", call.Invocation, r)
			d.logger.Error("invoke.dispatch.panic", "invocation", call.Invocation.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			d.count(ctx, err)
			if !call.Fail(err) {
				call.AsyncFail(err)
			}
		}
	}()
	target.Invoke(ctx, call)
}

func (d *Dispatcher) count(ctx context.Context, err error) {
	if d.errors == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("rtnode.fault.kind", fault.KindOf(err).String())))
}
