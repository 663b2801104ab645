package wire

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/svcfields"
)

const (
	// DefaultMaxIdle is the idle connections a pool keeps per peer.
	DefaultMaxIdle = 4
	// DefaultDialTimeout bounds one dial attempt.
	DefaultDialTimeout = 5 * time.Second
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Addr         string
	MaxIdle      int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Retry        retry.Config
	Limits       Limits
	Clock        clock.Clock
	Logger       pslog.Logger
	// Dial replaces net.Dialer, mostly for tests.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Pool keeps client connections to one peer. Acquire hands out an idle
// connection or dials a new one, retrying transient failures with
// exponential backoff.
type Pool struct {
	cfg     PoolConfig
	retrier *retry.Retrier
	logger  pslog.Logger
	dials   metric.Int64Counter

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

// NewPool returns an empty pool for cfg.Addr.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.Default
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "wire.pool").With(svcfields.PeerKey, cfg.Addr)
	p := &Pool{
		cfg:     cfg,
		retrier: retry.New(cfg.Retry, retry.WithLogger(logger), retry.WithClock(cfg.Clock)),
		logger:  logger,
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
		p.cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	counter, err := otel.Meter("pkt.systems/rtnode/wire").Int64Counter(
		"rtnode.wire.dials",
		metric.WithDescription("Connections dialed by client pools"),
	)
	if err != nil {
		logMetricInitError(logger, "rtnode.wire.dials", err)
	}
	p.dials = counter
	return p
}

// Addr returns the peer address.
func (p *Pool) Addr() string { return p.cfg.Addr }

// Acquire returns a connection to the peer. identity is ignored.
func (p *Pool) Acquire(ctx context.Context, _ []byte) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.Closed() {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	var nc net.Conn
	err := p.retrier.Do(ctx, "wire.dial", func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		c, err := p.cfg.Dial(dctx, p.cfg.Addr)
		if err != nil {
			return err
		}
		nc = c
		return nil
	})
	if p.dials != nil {
		p.dials.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.Bool("rtnode.ok", err == nil)))
	}
	if err != nil {
		p.logger.Warn("wire.pool.dial_failed", "error", err)
		return nil, err
	}
	p.logger.Debug("wire.pool.dialed", "local", nc.LocalAddr().String())
	return NewConn(nc, p.cfg.Limits, p.cfg.WriteTimeout), nil
}

// Recycle returns c to the idle set, or closes it when err is set, the
// pool is closed or the idle set is full.
func (p *Pool) Recycle(c *Conn, err error) {
	if c == nil {
		return
	}
	if err != nil || c.Closed() {
		_ = c.Close()
		return
	}
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Idle returns the number of idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle connections and rejects further Acquire calls.
// Connections in use are closed when recycled.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
