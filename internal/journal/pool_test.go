package journal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pkt.systems/rtnode/internal/fault"
)

func TestRevisionPoolMonotonicAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pool, err := OpenRevisionPool(dir, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pool.Current() != NoRevision {
		t.Fatalf("fresh pool at %s", pool.Current())
	}
	const k = 25
	var wg sync.WaitGroup
	seen := make(chan Revision, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rev, err := pool.Next()
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			seen <- rev
		}()
	}
	wg.Wait()
	close(seen)
	unique := map[Revision]bool{}
	for rev := range seen {
		if unique[rev] {
			t.Fatalf("revision %s issued twice", rev)
		}
		unique[rev] = true
	}
	if pool.Current() != Revision(k) {
		t.Fatalf("expected counter %d, got %d", k, pool.Current())
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := OpenRevisionPool(dir, 99)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if again.Current() != Revision(k) || again.Max() != 4 {
		t.Fatalf("reopened pool current=%d max=%d", again.Current(), again.Max())
	}
	if err := again.Observe(100); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := again.Observe(50); err != nil {
		t.Fatalf("observe lower: %v", err)
	}
	next, err := again.Next()
	if err != nil || next != 101 {
		t.Fatalf("next after observe: %d %v", next, err)
	}
}

func TestRevisionPoolRejectsDamage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pool, err := OpenRevisionPool(dir, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	name := filepath.Join(dir, PoolFileName)
	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] = 'X'
	if err := os.WriteFile(name, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRevisionPool(dir, 4); fault.KindOf(err) != fault.Corruption {
		t.Fatalf("expected corruption for bad magic, got %v", err)
	}
	if err := os.WriteFile(name, raw[:10], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRevisionPool(dir, 4); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corruption for short file, got %v", err)
	}
}

func TestRevisionFormatting(t *testing.T) {
	t.Parallel()

	r := Revision(0x2a)
	if r.String() != "000000000000002a" {
		t.Fatalf("unexpected rendering %s", r)
	}
	back, err := ParseRevision(r.String())
	if err != nil || back != r {
		t.Fatalf("parse: %v %v", back, err)
	}
}
