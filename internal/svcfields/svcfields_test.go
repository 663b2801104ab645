package svcfields_test

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/svcfields"
)

func TestSubsystemSkipsEmptyFragments(t *testing.T) {
	t.Parallel()

	got := svcfields.Subsystem("journal", "", ". engine .", "recovery")
	if got != "journal.engine.recovery" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if svcfields.Subsystem() != "" {
		t.Fatal("expected empty subsystem for no parts")
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	logger := svcfields.WithSubsystem(base, "wire.server")
	logger.Info("wire.server.listening", svcfields.PeerKey, "127.0.0.1:1")
	out := buf.String()
	if !strings.Contains(out, "wire.server") {
		t.Fatalf("expected subsystem in output, got %q", out)
	}
	if !strings.Contains(out, "peer") {
		t.Fatalf("expected peer field in output, got %q", out)
	}
}

func TestEnsureNeverReturnsNil(t *testing.T) {
	t.Parallel()

	if svcfields.Ensure(nil) == nil {
		t.Fatal("expected noop logger")
	}
	svcfields.WithSubsystem(nil, "x").Info("discarded")
}
