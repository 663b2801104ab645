package journal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestJournalLifecycleAndPending(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir, Options{SlotSize: 4096, SlotCount: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	progA := bytes.Repeat([]byte{'a'}, 100)
	progB := bytes.Repeat([]byte{'b'}, 200)
	a, err := j.Append(ctx, progA)
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	b, err := j.Append(ctx, progB)
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if err := j.MarkCommitted(a); err != nil {
		t.Fatalf("mark: %v", err)
	}
	c, err := j.Append(ctx, []byte("c"))
	if err != nil {
		t.Fatalf("append c: %v", err)
	}
	if err := j.Release(c); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, Options{SlotSize: 4096, SlotCount: 4})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if pending[0].Seq != a.Seq || pending[0].State != SlotCommitted || !bytes.Equal(pending[0].Program, progA) {
		t.Fatalf("unexpected first entry %+v", pending[0].Entry)
	}
	if pending[1].Seq != b.Seq || pending[1].State != SlotValidated || !bytes.Equal(pending[1].Program, progB) {
		t.Fatalf("unexpected second entry %+v", pending[1].Entry)
	}
	next, err := reopened.Append(ctx, []byte("d"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if next.Seq <= c.Seq {
		t.Fatalf("sequence went backwards: %d <= %d", next.Seq, c.Seq)
	}
}

func TestJournalRejectsOversizeProgram(t *testing.T) {
	t.Parallel()

	j, err := Open(t.TempDir(), Options{SlotSize: 1024, SlotCount: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if _, err := j.Append(context.Background(), make([]byte, 2048)); !errors.Is(err, ErrProgramTooLarge) {
		t.Fatalf("expected ErrProgramTooLarge, got %v", err)
	}
}

func TestJournalFullWaitsForRelease(t *testing.T) {
	t.Parallel()

	j, err := Open(t.TempDir(), Options{SlotSize: 1024, SlotCount: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()
	first, err := j.Append(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := j.Append(short, []byte("blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := j.Append(ctx, []byte("second"))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := j.Release(first); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second append: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append did not resume after release")
	}
}

func TestJournalSingleWriter(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("flock unavailable")
	}

	dir := t.TempDir()
	j, err := Open(dir, Options{SlotSize: 1024, SlotCount: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if _, err := Open(dir, Options{SlotSize: 1024, SlotCount: 2}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestJournalRejectsBadMagic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), bytes.Repeat([]byte{'x'}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, Options{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestReservationHoldsSlotUntilWriteOrAbort(t *testing.T) {
	t.Parallel()

	j, err := Open(t.TempDir(), Options{SlotSize: 1024, SlotCount: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()
	if _, err := j.Reserve(ctx, 2048); !errors.Is(err, ErrProgramTooLarge) {
		t.Fatalf("expected ErrProgramTooLarge, got %v", err)
	}
	r, err := j.Reserve(ctx, 16)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n := j.InFlight(); n != 1 {
		t.Fatalf("in flight = %d, want 1", n)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := j.Reserve(short, 16); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while reserved, got %v", err)
	}
	pending, err := j.Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("reserved slot reported pending: %v %v", pending, err)
	}
	r.Abort()
	r.Abort()
	if n := j.InFlight(); n != 0 {
		t.Fatalf("in flight after abort = %d", n)
	}

	r, err = j.Reserve(ctx, 4)
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if _, err := r.Write([]byte("too long")); !errors.Is(err, ErrProgramTooLarge) {
		t.Fatalf("expected write beyond reservation to fail, got %v", err)
	}
	r, err = j.Reserve(ctx, 4)
	if err != nil {
		t.Fatalf("reserve after failed write: %v", err)
	}
	entry, err := r.Write([]byte("fits"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	r.Abort()
	if entry.State != SlotValidated || j.InFlight() != 1 {
		t.Fatalf("abort after write released the slot: %+v", entry)
	}
	if _, err := r.Write([]byte("again")); err == nil {
		t.Fatal("expected reused reservation to fail")
	}
}
