package wire

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/correlation"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

// Answer is one async part of a call.
type Answer struct {
	Part  uint32
	Value any
	Err   *invoke.Error
}

// Pending is a call in progress on the caller side.
type Pending struct {
	id    string
	parts uint32

	syncOnce sync.Once
	syncDone chan struct{}
	syncVal  any
	syncErr  *invoke.Error

	async chan Answer
}

// ID returns the request id sent as the identity frame.
func (p *Pending) ID() string { return p.id }

// Parts returns the number of async parts requested.
func (p *Pending) Parts() uint32 { return p.parts }

// Sync waits for the sync answer. A failed call returns an *invoke.Error.
func (p *Pending) Sync(ctx context.Context) (any, error) {
	select {
	case <-p.syncDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.syncErr != nil {
		return nil, p.syncErr
	}
	return p.syncVal, nil
}

// Async delivers async answers in arrival order. It is closed after the
// last part, after an async error, or when the connection fails. A caller
// that stops draining it must cancel the invocation ctx; the connection is
// then closed instead of recycled.
func (p *Pending) Async() <-chan Answer { return p.async }

func (p *Pending) setSync(v any, e *invoke.Error) bool {
	set := false
	p.syncOnce.Do(func() {
		p.syncVal, p.syncErr = v, e
		close(p.syncDone)
		set = true
	})
	return set
}

// Caller sends invocations over a Transport. Each call holds its connection
// until every answer has arrived, so answers are matched to the request id
// of that connection's only outstanding call.
type Caller struct {
	transport Transport
	codec     Codec
	logger    pslog.Logger
}

// NewCaller returns a caller.
func NewCaller(transport Transport, codec Codec, logger pslog.Logger) *Caller {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Caller{transport: transport, codec: codec, logger: svcfields.WithSubsystem(logger, "wire.caller")}
}

// Invoke sends inv accepting parts async answers. The request id is taken
// from ctx when present.
func (c *Caller) Invoke(ctx context.Context, inv invoke.Invocation, parts uint32) (*Pending, error) {
	ctx, id := correlation.Ensure(ctx)
	header, _ := RequestHeader{AdditionalParts: parts}.MarshalBinary()
	payload, err := c.codec.EncodeInvocation(inv)
	if err != nil {
		return nil, fault.Wrap(fault.Execution, "unencodable_invocation", err)
	}
	conn, err := c.transport.Acquire(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(NewMessage([][]byte{[]byte(id)}, header, payload)); err != nil {
		c.transport.Recycle(conn, err)
		return nil, err
	}
	p := &Pending{
		id:       id,
		parts:    parts,
		syncDone: make(chan struct{}),
		async:    make(chan Answer, min(parts, 64)),
	}
	go c.read(ctx, conn, p, correlation.Logger(ctx, c.logger).With("invocation", inv.String()))
	return p, nil
}

func (c *Caller) read(ctx context.Context, conn *Conn, p *Pending, logger pslog.Logger) {
	defer close(p.async)
	syncSeen := false
	ended := p.parts == 0
	answered := map[uint32]struct{}{}
	lowestOpen := func() uint32 {
		for part := uint32(1); part <= p.parts; part++ {
			if _, ok := answered[part]; !ok {
				return part
			}
		}
		return 0
	}
	fail := func(err error) {
		c.transport.Recycle(conn, err)
		e := invoke.ErrorFrom(err)
		if !syncSeen {
			p.setSync(nil, e)
		}
		if !ended {
			if part := lowestOpen(); part != 0 {
				select {
				case p.async <- Answer{Part: part, Err: e}:
				case <-ctx.Done():
				}
			}
		}
	}
	for !syncSeen || !ended {
		m, err := conn.RecvContext(ctx)
		if err != nil {
			logger.Debug("wire.caller.recv_failed", "error", err)
			fail(err)
			return
		}
		ids, rawHeader, payload, err := m.Split()
		if err == nil && (len(ids) != 1 || !bytes.Equal(ids[0], []byte(p.id))) {
			err = fmt.Errorf("%w: answer for %q on the connection of %q", ErrEnvelope, ids, p.id)
		}
		var header ResponseHeader
		if err == nil {
			err = header.UnmarshalBinary(rawHeader)
		}
		if err != nil {
			logger.Warn("wire.caller.bad_response", "error", err)
			fail(err)
			return
		}
		var (
			value any
			ierr  *invoke.Error
		)
		if header.Type == InvocationError {
			ierr, err = c.codec.DecodeError(payload)
		} else {
			var res invoke.Result
			res, err = c.codec.DecodeResult(payload)
			value = res.Value
		}
		if err != nil {
			logger.Warn("wire.caller.bad_response", svcfields.PartKey, header.Part, "error", err)
			fail(err)
			return
		}
		if header.Part == 0 {
			if syncSeen {
				logger.Warn("wire.caller.duplicate_sync")
				continue
			}
			syncSeen = true
			p.setSync(value, ierr)
			continue
		}
		if _, dup := answered[header.Part]; dup || ended || header.Part > p.parts {
			logger.Debug("wire.caller.async_dropped", svcfields.PartKey, header.Part)
			continue
		}
		answered[header.Part] = struct{}{}
		select {
		case p.async <- Answer{Part: header.Part, Value: value, Err: ierr}:
		case <-ctx.Done():
			logger.Debug("wire.caller.abandoned", svcfields.PartKey, header.Part)
			ended = true
			fail(ctx.Err())
			return
		}
		if ierr != nil || uint32(len(answered)) == p.parts {
			ended = true
		}
	}
	c.transport.Recycle(conn, nil)
}
