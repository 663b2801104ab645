package wire_test

import (
	"context"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/wire"
)

func TestPoolRetriesDialAndRecycles(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	pool := wire.NewPool(wire.PoolConfig{
		Addr:    "peer:1",
		MaxIdle: 1,
		Retry:   retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Logger:  pslog.NoopLogger(),
		Dial: func(context.Context, string) (net.Conn, error) {
			if attempts.Add(1) < 3 {
				return nil, syscall.ECONNREFUSED
			}
			c, _ := net.Pipe()
			return c, nil
		},
	})
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", attempts.Load())
	}
	pool.Recycle(first, nil)
	again, err := pool.Acquire(ctx, nil)
	if err != nil || again != first {
		t.Fatalf("expected the idle connection back: %v", err)
	}
	second, err := pool.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	pool.Recycle(again, nil)
	pool.Recycle(second, nil)
	if pool.Idle() != 1 || !second.Closed() {
		t.Fatalf("idle limit not applied: idle=%d", pool.Idle())
	}
	pool.Recycle(nil, nil)

	broken, _ := pool.Acquire(ctx, nil)
	pool.Recycle(broken, context.Canceled)
	if !broken.Closed() || pool.Idle() != 0 {
		t.Fatalf("failed connection was pooled")
	}
	_ = pool.Close()
	if _, err := pool.Acquire(ctx, nil); err != wire.ErrClosed {
		t.Fatalf("acquire after close: %v", err)
	}
}
