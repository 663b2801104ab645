package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", "   ", strings.Repeat("a", MaxIDLength+1), "bad\x01id"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestWithAndEnsure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatalf("empty context carries an id")
	}
	if ID(With(ctx, "")) != "" {
		t.Fatalf("invalid id was stored")
	}
	ctx = With(ctx, "req-1")
	if got := ID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	same, id := Ensure(ctx)
	if id != "req-1" || ID(same) != "req-1" {
		t.Fatalf("ensure replaced an existing id: %q", id)
	}
	fresh, id := Ensure(context.Background())
	if id == "" || ID(fresh) != id {
		t.Fatalf("ensure did not generate an id")
	}
	if _, ok := Normalize(Generate()); !ok {
		t.Fatalf("generated id is not valid")
	}
}
