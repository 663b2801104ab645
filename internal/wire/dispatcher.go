package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/correlation"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

// RemoteDispatcher turns request messages into local dispatches and writes
// the answers back through a Transport.
type RemoteDispatcher struct {
	local     *invoke.Dispatcher
	codec     Codec
	transport Transport
	maxParts  uint32
	logger    pslog.Logger
	metrics   *metrics
	tracer    trace.Tracer
}

// NewRemoteDispatcher returns a dispatcher answering through transport.
// Requests asking for more than limits.MaxParts async parts are rejected.
func NewRemoteDispatcher(local *invoke.Dispatcher, codec Codec, transport Transport, limits Limits, logger pslog.Logger) *RemoteDispatcher {
	logger = svcfields.WithSubsystem(logger, "wire.dispatch")
	return &RemoteDispatcher{
		local:     local,
		codec:     codec,
		transport: transport,
		maxParts:  limits.withDefaults().MaxParts,
		logger:    logger,
		metrics:   newMetrics(logger),
		tracer:    otel.Tracer("pkt.systems/rtnode/wire"),
	}
}

// request tracks the answers of one remote call. Async answers that arrive
// before the sync answer is written are queued behind it.
type request struct {
	d          *RemoteDispatcher
	ctx        context.Context
	identities [][]byte
	logger     pslog.Logger

	mu       sync.Mutex
	syncSent bool
	queued   []Message
	failed   bool
}

// Handle processes one request message. identities[0] must be the routing
// identity of the connection it arrived on. The returned error reports an
// undecodable envelope; every other failure is answered to the caller.
func (d *RemoteDispatcher) Handle(ctx context.Context, m Message) error {
	identities, rawHeader, payload, err := m.Split()
	if err != nil {
		d.metrics.request(ctx, "bad_envelope")
		d.logger.Warn("wire.request.decode_failed", "stage", "envelope", "error", err)
		return err
	}
	if len(identities) == 0 {
		d.metrics.request(ctx, "bad_envelope")
		return fmt.Errorf("%w: no routing identity", ErrEnvelope)
	}
	if len(identities) > 1 {
		ctx = correlation.With(ctx, string(identities[len(identities)-1]))
	}
	r := &request{d: d, ctx: ctx, identities: identities, logger: correlation.Logger(ctx, d.logger)}

	var header RequestHeader
	if err := header.UnmarshalBinary(rawHeader); err != nil {
		return r.reject("header", err)
	}
	if header.AdditionalParts > d.maxParts {
		return r.reject("header", fmt.Errorf("%w: %d additional parts exceed limit %d", ErrPartLimit, header.AdditionalParts, d.maxParts))
	}
	inv, err := d.codec.DecodeInvocation(payload)
	if err != nil {
		return r.reject("payload", err)
	}

	ctx, span := d.tracer.Start(ctx, "rtnode.wire.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("rtnode.invocation", inv.String()),
		attribute.Int64("rtnode.parts", int64(header.AdditionalParts)),
	)
	r.logger.Trace("wire.request.begin", "invocation", inv.String(), "parts", header.AdditionalParts)

	call := invoke.NewCall(inv, header.AdditionalParts, invoke.Consumers{
		OnResult:      func(res invoke.Result) { r.answerSync(InvocationResult, res, nil) },
		OnError:       func(e *invoke.Error) { r.answerSync(InvocationError, invoke.Result{}, e) },
		OnAsyncResult: func(part uint32, res invoke.Result) { r.answerAsync(part, InvocationResult, res, nil) },
		OnAsyncError:  func(part uint32, e *invoke.Error) { r.answerAsync(part, InvocationError, invoke.Result{}, e) },
		OnDrop: func(part uint32, reason string) {
			d.metrics.dropped(ctx, reason)
		},
	}, r.logger)
	d.local.Dispatch(ctx, call)

	if !call.SyncAnswered() {
		// Dispatch enforces the sync answer; reaching here is a bug.
		r.logger.Error("wire.request.no_sync", "invocation", inv.String())
		call.Fail(invoke.ErrNoSyncAnswer)
	}
	if r.writeFailed() {
		span.SetStatus(codes.Error, "write")
		d.metrics.request(ctx, "write_failed")
		return nil
	}
	d.metrics.request(ctx, "ok")
	span.SetStatus(codes.Ok, "")
	return nil
}

// reject answers a request that could not be decoded. The connection stays
// usable because the frame boundaries were intact.
func (r *request) reject(stage string, err error) error {
	r.d.metrics.request(r.ctx, "bad_"+stage)
	r.logger.Warn("wire.request.decode_failed", "stage", stage, "error", err)
	if !errors.Is(err, ErrHeader) && !errors.Is(err, ErrPayload) && !errors.Is(err, ErrPartLimit) {
		err = fault.Wrap(fault.Protocol, "bad_"+stage, err)
	}
	r.answerSync(InvocationError, invoke.Result{}, invoke.ErrorFrom(err))
	return nil
}

func (r *request) encode(typ ResponseType, part uint32, res invoke.Result, e *invoke.Error) (Message, error) {
	var (
		payload []byte
		err     error
	)
	if typ == InvocationError {
		payload, err = r.d.codec.EncodeError(e)
	} else {
		payload, err = r.d.codec.EncodeResult(res)
	}
	if err != nil && typ == InvocationResult {
		// The target produced a value the codec cannot carry.
		r.logger.Warn("wire.response.encode_failed", svcfields.PartKey, part, "error", err)
		typ = InvocationError
		payload, err = r.d.codec.EncodeError(invoke.ErrorFrom(fault.Wrap(fault.Execution, "unencodable_result", err)))
	}
	if err != nil {
		return nil, err
	}
	header, _ := ResponseHeader{Type: typ, Part: part}.MarshalBinary()
	return NewMessage(r.identities, header, payload), nil
}

func (r *request) answerSync(typ ResponseType, res invoke.Result, e *invoke.Error) {
	m, err := r.encode(typ, 0, res, e)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.logger.Error("wire.response.encode_failed", svcfields.PartKey, 0, "error", err)
		r.failed = true
	} else {
		r.write(m)
	}
	r.syncSent = true
	for _, q := range r.queued {
		r.write(q)
	}
	r.queued = nil
}

func (r *request) answerAsync(part uint32, typ ResponseType, res invoke.Result, e *invoke.Error) {
	m, err := r.encode(typ, part, res, e)
	if err != nil {
		r.logger.Error("wire.response.encode_failed", svcfields.PartKey, part, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.syncSent {
		r.queued = append(r.queued, m)
		return
	}
	r.write(m)
}

// write sends m; r.mu is held. After one failure the rest are dropped since
// the connection is gone.
func (r *request) write(m Message) {
	if r.failed {
		r.d.metrics.dropped(r.ctx, "write_failed")
		return
	}
	identity, rest, err := m.PopIdentity()
	if err == nil {
		var conn *Conn
		conn, err = r.d.transport.Acquire(r.ctx, identity)
		if err == nil {
			err = conn.Send(rest)
			r.d.transport.Recycle(conn, err)
		}
	}
	if err != nil {
		r.failed = true
		r.d.metrics.writeFailure(r.ctx)
		r.logger.Warn("wire.response.write_failed", "error", err)
	}
}

func (r *request) writeFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
