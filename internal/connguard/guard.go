// Package connguard blocks peers that repeatedly open empty connections or
// send malformed frames to the wire listener.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/svcfields"
)

// Config controls peer blocking.
type Config struct {
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a host. Zero never blocks.
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
	// ProbeTimeout bounds the wait for a new connection's first byte. Zero
	// disables the probe.
	ProbeTimeout time.Duration
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
}

// New returns a guard. A nil clock uses the real clock.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "wire.connguard"),
		peers:  make(map[string]*peerState),
	}
}

// Report records a failure by remote and reports whether the host is now
// blocked.
func (g *Guard) Report(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.peers[host]
	if st == nil {
		st = &peerState{}
		g.peers[host] = st
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(st.failures) > 0 && st.failures[0].Before(cutoff) {
		st.failures = st.failures[1:]
	}
	st.failures = append(st.failures, now)
	if len(st.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("wire.connguard.suspicious", svcfields.PeerKey, host, "reason", reason, "count", len(st.failures), "threshold", g.cfg.FailureThreshold)
		return false
	}
	st.blockedUntil = now.Add(g.cfg.BlockDuration)
	st.failures = nil
	g.logger.Warn("wire.connguard.blocked", svcfields.PeerKey, host, "reason", reason, "window", g.cfg.FailureWindow, "duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote's host is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.peers[host]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	g.logger.Info("wire.connguard.released", svcfields.PeerKey, host)
	if len(st.failures) == 0 {
		delete(g.peers, host)
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// maxScreening bounds connections being probed or waiting for Accept.
const maxScreening = 64

// Wrap returns a listener that drops connections from blocked hosts and,
// with a probe timeout, connections that send nothing. Probes run
// concurrently, so a silent peer delays only its own connection.
func (g *Guard) Wrap(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &listener{
		Listener: ln,
		guard:    g,
		ready:    make(chan net.Conn),
		errs:     make(chan error),
		slots:    make(chan struct{}, maxScreening),
		done:     make(chan struct{}),
	}
}

type listener struct {
	net.Listener
	guard *Guard

	start     sync.Once
	closeOnce sync.Once
	ready     chan net.Conn
	errs      chan error
	slots     chan struct{}
	done      chan struct{}
}

func (l *listener) Accept() (net.Conn, error) {
	if l.guard.cfg.ProbeTimeout <= 0 {
		for {
			conn, err := l.Listener.Accept()
			if err != nil {
				return nil, err
			}
			accepted, err := l.screen(conn)
			if err == nil {
				return accepted, nil
			}
			_ = conn.Close()
		}
	}
	l.start.Do(func() { go l.acceptLoop() })
	select {
	case conn := <-l.ready:
		return conn, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.Listener.Close()
}

func (l *listener) acceptLoop() {
	for {
		select {
		case l.slots <- struct{}{}:
		case <-l.done:
			return
		}
		conn, err := l.Listener.Accept()
		if err != nil {
			<-l.slots
			select {
			case l.errs <- err:
			case <-l.done:
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go l.admit(conn)
	}
}

func (l *listener) admit(conn net.Conn) {
	defer func() { <-l.slots }()
	accepted, err := l.screen(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	select {
	case l.ready <- accepted:
	case <-l.done:
		_ = accepted.Close()
	}
}

var errBlocked = errors.New("connguard: peer blocked")

func (l *listener) screen(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("wire.connguard.rejected", svcfields.PeerKey, remote)
		return nil, errBlocked
	}
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(l.guard.cfg.ProbeTimeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		l.guard.Report(remote, "zero_connect")
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

// prefixedConn replays the probed byte ahead of the stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.used < len(c.prefix) {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			return n + next, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
