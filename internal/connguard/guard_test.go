package connguard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
)

func newGuard(threshold int) (*Guard, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{
		Enabled:          true,
		FailureThreshold: threshold,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, clk, pslog.NoopLogger()), clk
}

func TestGuardBlocksAfterThreshold(t *testing.T) {
	t.Parallel()
	g, clk := newGuard(3)
	remote := "127.0.0.1:5555"
	for i := 0; i < 2; i++ {
		if g.Report(remote, "bad_frame") {
			t.Fatalf("failure %d blocked early", i+1)
		}
		clk.Advance(50 * time.Millisecond)
	}
	if !g.Report(remote, "bad_frame") {
		t.Fatalf("third failure should block")
	}
	clk.Advance(100 * time.Millisecond)
	if !g.Blocked(remote) {
		t.Fatalf("expected block to hold")
	}
	clk.Advance(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.Report(remote, "bad_frame") {
		t.Fatalf("first failure after expiry should not block")
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	t.Parallel()
	g, clk := newGuard(2)
	g.Report("10.0.0.1:1", "bad_frame")
	clk.Advance(2 * time.Second)
	if g.Report("10.0.0.1:1", "bad_frame") {
		t.Fatalf("failure outside the window counted")
	}
}

func TestGuardBlocksHostAcrossPorts(t *testing.T) {
	t.Parallel()
	for _, host := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.9"} {
		g, _ := newGuard(2)
		g.Report(fmt.Sprintf("%s:%d", host, 20001), "bad_frame")
		if !g.Report(fmt.Sprintf("%s:%d", host, 20002), "bad_frame") {
			t.Fatalf("%s: port rotation escaped the block", host)
		}
		if !g.Blocked(host + ":1") {
			t.Fatalf("%s: expected host blocked", host)
		}
		if g.Blocked("172.16.0.1:1") {
			t.Fatalf("%s: unrelated host blocked", host)
		}
	}
}

func TestGuardDisabledNeverBlocks(t *testing.T) {
	t.Parallel()
	g := New(Config{FailureThreshold: 1}, nil, pslog.NoopLogger())
	if g.Report("127.0.0.1:1", "bad_frame") || g.Blocked("127.0.0.1:1") {
		t.Fatalf("disabled guard blocked")
	}
}

func TestPrefixedConnReplaysProbe(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	go func() {
		_, _ = client.Write([]byte("bc"))
		_ = client.Close()
	}()
	pc := &prefixedConn{Conn: server, prefix: []byte("a")}
	out := make([]byte, 4)
	n, err := pc.Read(out)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read: %v", err)
	}
	if string(out[:n]) != "abc" {
		t.Fatalf("expected abc, got %q", out[:n])
	}
}

func TestWrapDropsSilentConnections(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Enabled: true, FailureThreshold: 1, ProbeTimeout: 20 * time.Millisecond}, nil, pslog.NoopLogger())
	wrapped := g.Wrap(ln)
	defer wrapped.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := wrapped.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	silent, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer silent.Close()
	deadline := time.Now().Add(5 * time.Second)
	for !g.Blocked(silent.LocalAddr().String()) {
		if time.Now().After(deadline) {
			t.Fatalf("silent peer was not blocked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case c := <-accepted:
		c.Close()
		t.Fatalf("silent connection was accepted")
	default:
	}
}

func TestSilentPeerDoesNotStallAccept(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Enabled: true, FailureThreshold: 10, ProbeTimeout: 3 * time.Second}, nil, pslog.NoopLogger())
	wrapped := g.Wrap(ln)
	defer wrapped.Close()

	silent, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial silent: %v", err)
	}
	defer silent.Close()
	time.Sleep(20 * time.Millisecond)
	active, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial active: %v", err)
	}
	defer active.Close()
	if _, err := active.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := wrapped.Accept()
		accepted <- result{c, err}
	}()
	select {
	case r := <-accepted:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		defer r.conn.Close()
		buf := make([]byte, 1)
		if _, err := io.ReadFull(r.conn, buf); err != nil || buf[0] != 'x' {
			t.Fatalf("read first byte: %q %v", buf, err)
		}
	case <-time.After(time.Second):
		t.Fatal("accept waited on the silent peer")
	}
}

func TestClosedGuardedListenerUnblocksAccept(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Enabled: true, ProbeTimeout: time.Second}, nil, pslog.NoopLogger())
	wrapped := g.Wrap(ln)
	errs := make(chan error, 1)
	go func() {
		_, err := wrapped.Accept()
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := wrapped.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return after close")
	}
}
