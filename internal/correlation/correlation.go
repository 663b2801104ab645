// Package correlation carries request ids through contexts so log lines on
// both ends of a wire call can be joined.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/svcfields"
)

// MaxIDLength bounds ids accepted from peers.
const MaxIDLength = 64

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the request id on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx carrying an id, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new sortable request id.
func Generate() string {
	return xid.New().String()
}

// Logger tags logger with the request id on ctx.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	logger = svcfields.Ensure(logger)
	if id := ID(ctx); id != "" {
		return logger.With(svcfields.RequestKey, id)
	}
	return logger
}
