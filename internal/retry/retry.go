// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Default is used by callers that have no configured policy.
var Default = Config{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}

func (c Config) normalised() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Retrier retries operations whose errors the classifier accepts.
type Retrier struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	retryable func(error) bool
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithLogger logs every retried failure at warn level.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Retrier) { r.logger = logger }
}

// WithClock swaps the clock used between attempts. nil keeps the real one.
func WithClock(clk clock.Clock) Option {
	return func(r *Retrier) {
		if clk != nil {
			r.clock = clk
		}
	}
}

// WithClassifier decides which errors are worth another attempt. The
// default is IsTransient.
func WithClassifier(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryable = fn }
}

// New builds a Retrier for cfg.
func New(cfg Config, opts ...Option) *Retrier {
	r := &Retrier{cfg: cfg.normalised(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = pslog.NoopLogger()
	}
	if r.retryable == nil {
		r.retryable = IsTransient
	}
	return r
}

// Do runs fn until it succeeds, fails permanently, attempts run out, or ctx
// ends. op names the operation in logs.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.cfg.MaxAttempts
	delay := r.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !r.retryable(err) || attempt == attempts {
			return err
		}
		r.logger.Warn("retry.transient_error",
			"operation", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
		next := time.Duration(float64(delay) * r.cfg.Multiplier)
		if r.cfg.MaxDelay > 0 && next > r.cfg.MaxDelay {
			next = r.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
