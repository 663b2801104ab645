package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/client"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/wire"
)

// startPeer serves a ResourceContext whose "count" method answers the
// argument and streams 1..parts.
func startPeer(t *testing.T, codec wire.Codec) string {
	t.Helper()
	resolver := invoke.NewResolver()
	resolver.Bind(invoke.ResourceContext, invoke.Local, invoke.Methods{
		"count": func(_ context.Context, call *invoke.Call) {
			call.Result(call.Invocation.Arg(0))
			for part := uint32(1); part <= call.Parts(); part++ {
				call.AsyncResult(part, float64(part))
			}
		},
		"refuse": func(_ context.Context, call *invoke.Call) {
			call.Fail(fault.New(fault.StaleRevision, "stale", "try again"))
		},
	})
	logger := pslog.NoopLogger()
	srv := wire.NewServer(wire.ServerConfig{Codec: codec, Logger: logger}, invoke.NewDispatcher(resolver, logger))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func TestClientCallAndStream(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, wire.ProtoCodec{})
	cli, err := client.New(addr, client.WithCodec("proto"), client.WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := cli.Call(ctx, "ResourceContext", "count", "x")
	if err != nil || v != "x" {
		t.Fatalf("call: %v %v", v, err)
	}
	_, err = cli.Call(ctx, "ResourceContext", "refuse")
	if !fault.KindOf(err).Retryable() {
		t.Fatalf("expected retryable stale revision, got %v", err)
	}

	p, err := cli.Invoke(ctx, client.Invocation{Type: "ResourceContext", Method: "count", Arguments: []any{"y"}}, 2)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if v, err := p.Sync(ctx); err != nil || v != "y" {
		t.Fatalf("sync: %v %v", v, err)
	}
	var got []float64
	for a := range p.Async() {
		got = append(got, a.Value.(float64))
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("async parts %v", got)
	}
}

func TestRemoteTargetForwardsToPeer(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, wire.JSONCodec{})
	cli, err := client.New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cli.Close()

	resolver := invoke.NewResolver()
	resolver.Bind(invoke.ResourceContext, invoke.Remote, client.NewRemoteTarget(cli))
	dispatcher := invoke.NewDispatcher(resolver, pslog.NoopLogger())

	sync := make(chan any, 1)
	async := make(chan uint32, 4)
	call := invoke.NewCall(invoke.Invocation{Type: "ResourceContext", Name: "remote", Method: "count", Arguments: []any{"z"}}, 3, invoke.Consumers{
		OnResult:      func(r invoke.Result) { sync <- r.Value },
		OnError:       func(e *invoke.Error) { sync <- e },
		OnAsyncResult: func(part uint32, _ invoke.Result) { async <- part },
	}, pslog.NoopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dispatcher.Dispatch(ctx, call)
	select {
	case v := <-sync:
		if v != "z" {
			t.Fatalf("forwarded sync answer %v", v)
		}
	default:
		t.Fatalf("remote target returned without a sync answer")
	}
	select {
	case <-call.Done():
	case <-ctx.Done():
		t.Fatalf("async parts did not arrive")
	}
	if len(async) != 3 {
		t.Fatalf("expected 3 relayed parts, got %d", len(async))
	}
}
