package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/svcfields"
	"pkt.systems/rtnode/internal/wire"
)

type (
	// Invocation addresses one method call.
	Invocation = invoke.Invocation
	// Error is a failed answer; Kind classifies it.
	Error = invoke.Error
	// Answer is one async part.
	Answer = wire.Answer
	// Pending is a call in progress.
	Pending = wire.Pending
)

const (
	// DefaultTimeout bounds Call when ctx has no deadline.
	DefaultTimeout = 30 * time.Second
)

// Client calls one node.
type Client struct {
	addr    string
	codec   string
	timeout time.Duration
	poolCfg wire.PoolConfig
	logger  pslog.Logger

	pool   *wire.Pool
	caller *wire.Caller
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics. nil keeps the no-op
// logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCodec selects the payload codec ("json" or "proto"). It must match
// the node's codec.
func WithCodec(name string) Option {
	return func(c *Client) { c.codec = name }
}

// WithTimeout bounds Call when the caller's context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxIdle caps pooled idle connections.
func WithMaxIdle(n int) Option {
	return func(c *Client) { c.poolCfg.MaxIdle = n }
}

// WithDialRetry sets the dial retry policy.
func WithDialRetry(cfg retry.Config) Option {
	return func(c *Client) { c.poolCfg.Retry = cfg }
}

// WithLimits bounds decoded response frames.
func WithLimits(maxFrames, maxFrameSize int) Option {
	return func(c *Client) {
		c.poolCfg.Limits = wire.Limits{MaxFrames: maxFrames, MaxFrameSize: maxFrameSize}
	}
}

// New returns a client for the node listening at addr.
func New(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("client: address required")
	}
	c := &Client{
		addr:    addr,
		timeout: DefaultTimeout,
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	codec, err := wire.CodecByName(c.codec, int64(c.poolCfg.Limits.MaxFrameSize))
	if err != nil {
		return nil, err
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client")
	c.poolCfg.Addr = addr
	c.poolCfg.Logger = c.logger
	c.pool = wire.NewPool(c.poolCfg)
	c.caller = wire.NewCaller(c.pool, codec, c.logger)
	return c, nil
}

// Addr returns the node address.
func (c *Client) Addr() string { return c.addr }

// Invoke sends inv accepting parts async answers. ctx governs the whole
// call, including its async parts.
func (c *Client) Invoke(ctx context.Context, inv Invocation, parts uint32) (*Pending, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.caller.Invoke(ctx, inv, parts)
}

// Call invokes a method without async parts and returns its sync answer.
// A remote failure comes back as a fault.Error carrying the remote kind.
func (c *Client) Call(ctx context.Context, typ, method string, args ...any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	p, err := c.Invoke(ctx, Invocation{Type: typ, Method: method, Arguments: args}, 0)
	if err != nil {
		return nil, fmt.Errorf("client: %s.%s: %w", typ, method, err)
	}
	v, err := p.Sync(ctx)
	var remote *invoke.Error
	if errors.As(err, &remote) {
		return nil, remote.AsFault()
	}
	return v, err
}

// Close closes pooled connections. Calls in flight keep their connection
// until they finish.
func (c *Client) Close() error { return c.pool.Close() }
