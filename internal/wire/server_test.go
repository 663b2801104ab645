package wire_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/wire"
)

type harness struct {
	server *wire.Server
	pool   *wire.Pool
	caller *wire.Caller
	codec  wire.Codec
	addr   string
}

func startServer(t *testing.T, codec wire.Codec, targets map[string]invoke.Target) *harness {
	t.Helper()
	resolver := invoke.NewResolver()
	for typ, target := range targets {
		if err := resolver.Register(typ, "", target); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	logger := pslog.NoopLogger()
	srv := wire.NewServer(wire.ServerConfig{Codec: codec, Logger: logger}, invoke.NewDispatcher(resolver, logger))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	pool := wire.NewPool(wire.PoolConfig{Addr: ln.Addr().String(), Logger: logger})
	t.Cleanup(func() {
		_ = pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &harness{server: srv, pool: pool, caller: wire.NewCaller(pool, codec, logger), codec: codec, addr: ln.Addr().String()}
}

func (h *harness) invoke(t *testing.T, typ, method string, parts uint32, args ...any) (any, error, []wire.Answer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := h.caller.Invoke(ctx, invoke.Invocation{Type: typ, Method: method, Arguments: args}, parts)
	if err != nil {
		t.Fatalf("invoke %s.%s: %v", typ, method, err)
	}
	v, syncErr := p.Sync(ctx)
	var async []wire.Answer
	for a := range p.Async() {
		async = append(async, a)
	}
	return v, syncErr, async
}

func echoTargets() map[string]invoke.Target {
	return map[string]invoke.Target{
		"Echo": invoke.Methods{
			"echo": func(_ context.Context, call *invoke.Call) {
				call.Result(call.Invocation.Arg(0))
			},
			"stream": func(_ context.Context, call *invoke.Call) {
				call.Result("started")
				go func() {
					for part := uint32(1); part <= call.Parts(); part++ {
						call.AsyncResult(part, float64(part))
					}
				}()
			},
			"failAsync": func(_ context.Context, call *invoke.Call) {
				call.Result("ok")
				call.AsyncFail(fault.New(fault.Execution, "boom", "async failure"))
				call.AsyncResult(2, "late")
			},
			"early": func(_ context.Context, call *invoke.Call) {
				call.AsyncResult(1, "async first")
				call.Result("sync second")
			},
			"silent": func(context.Context, *invoke.Call) {},
			"twice": func(_ context.Context, call *invoke.Call) {
				call.Result(1.0)
				call.Result(2.0)
			},
		},
	}
}

func TestSyncOnlyCall(t *testing.T) {
	t.Parallel()
	for _, codec := range []wire.Codec{wire.JSONCodec{}, wire.ProtoCodec{}} {
		h := startServer(t, codec, echoTargets())
		v, err, async := h.invoke(t, "Echo", "echo", 0, "hello")
		if err != nil || v != "hello" {
			t.Fatalf("%s: sync answer %v %v", codec.Name(), v, err)
		}
		if len(async) != 0 {
			t.Fatalf("%s: unexpected async answers %+v", codec.Name(), async)
		}
	}
}

func TestAsyncPartsArriveAfterSync(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.ProtoCodec{}, echoTargets())
	v, err, async := h.invoke(t, "Echo", "stream", 3)
	if err != nil || v != "started" {
		t.Fatalf("sync: %v %v", v, err)
	}
	if len(async) != 3 {
		t.Fatalf("expected 3 async parts, got %+v", async)
	}
	for i, a := range async {
		if a.Err != nil || a.Part != uint32(i+1) || a.Value != float64(i+1) {
			t.Fatalf("part %d: %+v", i+1, a)
		}
	}
}

func TestAsyncErrorEndsTheStream(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	_, err, async := h.invoke(t, "Echo", "failAsync", 2)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(async) != 1 || async[0].Part != 1 || async[0].Err == nil || async[0].Err.Kind != fault.Execution {
		t.Fatalf("expected one async error at part 1, got %+v", async)
	}
}

func TestSyncAnswerIsWrittenFirst(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	nc, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	conn := wire.NewConn(nc, wire.Limits{}, time.Second)
	header, _ := wire.RequestHeader{AdditionalParts: 1}.MarshalBinary()
	payload, _ := h.codec.EncodeInvocation(invoke.Invocation{Type: "Echo", Method: "early"})
	if err := conn.Send(wire.NewMessage([][]byte{[]byte("req-1")}, header, payload)); err != nil {
		t.Fatalf("send: %v", err)
	}
	var parts []uint32
	for len(parts) < 2 {
		m, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		ids, raw, _, err := m.Split()
		if err != nil || len(ids) != 1 || string(ids[0]) != "req-1" {
			t.Fatalf("envelope: %q %v", ids, err)
		}
		var rh wire.ResponseHeader
		if err := rh.UnmarshalBinary(raw); err != nil {
			t.Fatalf("header: %v", err)
		}
		parts = append(parts, rh.Part)
	}
	if parts[0] != 0 || parts[1] != 1 {
		t.Fatalf("expected sync before async, got parts %v", parts)
	}
}

func TestTargetFailuresAreAnswered(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())

	_, err, _ := h.invoke(t, "Echo", "silent", 0)
	if !errors.Is(err.(*invoke.Error).AsFault(), invoke.ErrNoSyncAnswer) {
		t.Fatalf("silent target: %v", err)
	}
	_, err, _ = h.invoke(t, "Nowhere", "x", 0)
	if e, ok := err.(*invoke.Error); !ok || e.Kind != fault.DispatchMapping {
		t.Fatalf("unmapped type: %v", err)
	}
	v, err, _ := h.invoke(t, "Echo", "twice", 0)
	if err != nil || v != 1.0 {
		t.Fatalf("duplicate sync: %v %v", v, err)
	}
	if v, err, _ := h.invoke(t, "Echo", "echo", 0, "still alive"); err != nil || v != "still alive" {
		t.Fatalf("connection unusable after failures: %v %v", v, err)
	}
	if h.pool.Idle() != 1 {
		t.Fatalf("expected one pooled connection, got %d", h.pool.Idle())
	}
}

func TestBadHeaderIsAnsweredAsProtocolError(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	nc, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	conn := wire.NewConn(nc, wire.Limits{}, time.Second)
	if err := conn.Send(wire.NewMessage([][]byte{[]byte("req-2")}, []byte{1}, []byte("{}"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	_, raw, payload, _ := m.Split()
	var rh wire.ResponseHeader
	if err := rh.UnmarshalBinary(raw); err != nil || rh.Type != wire.InvocationError || rh.Part != 0 {
		t.Fatalf("response header %+v %v", rh, err)
	}
	e, err := h.codec.DecodeError(payload)
	if err != nil || e.Kind != fault.Protocol {
		t.Fatalf("expected protocol error, got %+v %v", e, err)
	}
}

func TestRequestedPartsAreBounded(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	nc, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	conn := wire.NewConn(nc, wire.Limits{}, time.Second)
	payload, _ := h.codec.EncodeInvocation(invoke.Invocation{Type: "Echo", Method: "echo", Arguments: []any{"x"}})

	send := func(id string, parts uint32) (wire.ResponseHeader, []byte) {
		t.Helper()
		header, _ := wire.RequestHeader{AdditionalParts: parts}.MarshalBinary()
		if err := conn.Send(wire.NewMessage([][]byte{[]byte(id)}, header, payload)); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
		m, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv %s: %v", id, err)
		}
		ids, raw, body, err := m.Split()
		if err != nil || len(ids) != 1 || string(ids[0]) != id {
			t.Fatalf("envelope %s: %q %v", id, ids, err)
		}
		var rh wire.ResponseHeader
		if err := rh.UnmarshalBinary(raw); err != nil {
			t.Fatalf("header %s: %v", id, err)
		}
		return rh, body
	}

	rh, body := send("too-many", 1<<31)
	if rh.Type != wire.InvocationError || rh.Part != 0 {
		t.Fatalf("expected sync error, got %+v", rh)
	}
	e, err := h.codec.DecodeError(body)
	if err != nil || e.Kind != fault.Protocol || e.Type != "part_limit" {
		t.Fatalf("expected part limit protocol error, got %+v %v", e, err)
	}

	rh, body = send("at-limit", wire.DefaultMaxParts)
	if rh.Type != wire.InvocationResult || rh.Part != 0 {
		t.Fatalf("request at the limit rejected: %+v %s", rh, body)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	if _, err, _ := h.invoke(t, "Echo", "echo", 0, 1.0); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := h.server.Connections(); n != 0 {
		t.Fatalf("%d connections left open", n)
	}
	p, err := h.caller.Invoke(ctx, invoke.Invocation{Type: "Echo", Method: "echo"}, 0)
	if err == nil {
		if _, err = p.Sync(ctx); err == nil {
			t.Fatalf("call after shutdown succeeded")
		}
	}
}

type trackedConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

func TestAbandonedStreamClosesConnection(t *testing.T) {
	t.Parallel()
	h := startServer(t, wire.JSONCodec{}, echoTargets())
	dialed := make(chan *trackedConn, 1)
	pool := wire.NewPool(wire.PoolConfig{
		Addr:   h.addr,
		Logger: pslog.NoopLogger(),
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			nc, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			tc := &trackedConn{Conn: nc, closed: make(chan struct{})}
			dialed <- tc
			return tc, nil
		},
	})
	defer pool.Close()
	caller := wire.NewCaller(pool, h.codec, pslog.NoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := caller.Invoke(ctx, invoke.Invocation{Type: "Echo", Method: "stream"}, 100)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if v, err := p.Sync(ctx); err != nil || v != "started" {
		t.Fatalf("sync: %v %v", v, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(p.Async()) < cap(p.Async()) {
		if time.Now().After(deadline) {
			t.Fatalf("async buffer never filled: %d/%d", len(p.Async()), cap(p.Async()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	tc := <-dialed
	cancel()
	select {
	case <-tc.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection of an abandoned stream was never closed")
	}
	for range p.Async() {
	}
	if pool.Idle() != 0 {
		t.Fatalf("abandoned connection returned to the pool")
	}
}
