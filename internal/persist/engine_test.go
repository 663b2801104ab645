package persist_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/persist"
	"pkt.systems/rtnode/internal/resourceid"
)

func openEngine(t *testing.T, cfg persist.Config) *persist.Engine {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.SlotSize == 0 {
		cfg.SlotSize = 8192
		cfg.SlotCount = 8
	}
	e, err := persist.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func create(t *testing.T, e *persist.Engine, p path.Path, data string) (resourceid.ID, journal.Revision) {
	t.Helper()
	ctx := context.Background()
	id := resourceid.New()
	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{p}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Create(p, id, []byte(data)); err != nil {
		txn.Rollback()
		t.Fatalf("create: %v", err)
	}
	rev, err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id, rev
}

func update(t *testing.T, e *persist.Engine, id resourceid.ID, data string) journal.Revision {
	t.Helper()
	ctx := context.Background()
	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Update(id, []byte(data)); err != nil {
		txn.Rollback()
		t.Fatalf("update: %v", err)
	}
	rev, err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return rev
}

func TestRevisionsIncreaseAndHistoryLoads(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	id, r1 := create(t, e, path.MustParse("/players/alice"), "v1")
	r2 := update(t, e, id, "v2")
	r3 := update(t, e, id, "v3")
	if !(r1 < r2 && r2 < r3) {
		t.Fatalf("revisions not increasing: %s %s %s", r1, r2, r3)
	}
	if e.Current() != r3 {
		t.Fatalf("current %s, want %s", e.Current(), r3)
	}
	for rev, want := range map[journal.Revision]string{r1: "v1", r2: "v2", r3: "v3", journal.Latest: "v3"} {
		snap, err := e.Load(ctx, id, rev)
		if err != nil {
			t.Fatalf("load %s: %v", rev, err)
		}
		if string(snap.Data) != want {
			t.Fatalf("load %s: got %q want %q", rev, snap.Data, want)
		}
	}
	if _, err := e.Load(ctx, id, r3+1); !errors.Is(err, persist.ErrNoSuchRevision) {
		t.Fatalf("expected no such revision beyond current, got %v", err)
	}
	if _, err := e.Load(ctx, id, r1-1); !errors.Is(err, persist.ErrNoSuchRevision) {
		t.Fatalf("expected no such revision before creation, got %v", err)
	}
	got, err := e.Resolve(ctx, path.MustParse("/players/alice"))
	if err != nil || got != id {
		t.Fatalf("resolve: %v %v", got, err)
	}
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
}

func (a *memArchive) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		a.data = map[string][]byte{}
	}
	a.keys = append(a.keys, key)
	a.data[key] = raw
	return nil
}

func TestRetentionReclaimsAndArchives(t *testing.T) {
	t.Parallel()

	archive := &memArchive{}
	e := openEngine(t, persist.Config{Retention: 2, Archive: archive})
	ctx := context.Background()
	id, r1 := create(t, e, path.MustParse("/a"), "one")
	r2 := update(t, e, id, "two")
	r3 := update(t, e, id, "three")
	if e.Retention() != 2 {
		t.Fatalf("retention %d", e.Retention())
	}
	if _, err := e.Load(ctx, id, r1); !errors.Is(err, persist.ErrNoSuchRevision) {
		t.Fatalf("expected reclaimed revision, got %v", err)
	}
	for _, rev := range []journal.Revision{r2, r3} {
		if _, err := e.Load(ctx, id, rev); err != nil {
			t.Fatalf("load %s: %v", rev, err)
		}
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.keys) != 1 {
		t.Fatalf("expected one archived blob, got %v", archive.keys)
	}
	if !bytes.Equal(archive.data[archive.keys[0]], []byte("one")) {
		t.Fatalf("archived %q", archive.data[archive.keys[0]])
	}
}

func TestRemoveUnlinksEveryPath(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	main := path.MustParse("/docs/readme")
	alias := path.MustParse("/aliases/readme")
	id, _ := create(t, e, main, "hello")

	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{alias}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Link(id, alias); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	links, err := e.Links(id)
	if err != nil || len(links) != 2 {
		t.Fatalf("links: %v %v", links, err)
	}

	txn, err = e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{main}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Remove(id); !errors.Is(err, persist.ErrNotCovered) {
		t.Fatalf("expected not covered with alias missing, got %v", err)
	}
	txn.Rollback()

	txn, err = e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: links})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := e.Load(ctx, id, journal.Latest); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, p := range []path.Path{main, alias} {
		if _, err := e.Resolve(ctx, p); !errors.Is(err, persist.ErrNotFound) {
			t.Fatalf("resolve %s: expected not found, got %v", p, err)
		}
	}
	if ok, err := e.Exists(ctx, id); ok || err != nil {
		t.Fatalf("exists: %v %v", ok, err)
	}
}

func TestTxnRejectsUncoveredKeys(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	id := resourceid.New()
	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer txn.Rollback()
	if err := txn.Create(path.MustParse("/x"), id, nil); !errors.Is(err, persist.ErrNotCovered) {
		t.Fatalf("expected uncovered path, got %v", err)
	}
	if err := txn.Update(resourceid.New(), nil); !errors.Is(err, persist.ErrNotCovered) {
		t.Fatalf("expected uncovered id, got %v", err)
	}
}

func TestLinkRejectsPathInUse(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	p := path.MustParse("/shared")
	create(t, e, p, "first")
	other, _ := create(t, e, path.MustParse("/other"), "second")

	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{other}, Paths: []path.Path{p}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer txn.Rollback()
	if err := txn.Link(other, p); !errors.Is(err, persist.ErrPathInUse) {
		t.Fatalf("expected path in use, got %v", err)
	}
}

func TestCommitAndRollbackReleaseMonitors(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	id := resourceid.New()
	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{path.MustParse("/a/b")}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if e.Locks().Len() == 0 {
		t.Fatal("expected held registry entries")
	}
	txn.Rollback()
	txn.Rollback()
	if n := e.Locks().Len(); n != 0 {
		t.Fatalf("expected empty registry after rollback, got %d", n)
	}
	if _, err := txn.Commit(ctx); !errors.Is(err, persist.ErrTxnDone) {
		t.Fatalf("expected txn done, got %v", err)
	}
	create(t, e, path.MustParse("/a/c"), "x")
	if n := e.Locks().Len(); n != 0 {
		t.Fatalf("expected empty registry after commit, got %d", n)
	}
}

func TestListMatchesPattern(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	a, _ := create(t, e, path.MustParse("/players/a"), "a")
	b, _ := create(t, e, path.MustParse("/players/b"), "b")
	create(t, e, path.MustParse("/teams/red"), "red")

	links, err := e.List(ctx, path.MustParse("/players/*"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %v", links)
	}
	seen := map[resourceid.ID]bool{}
	for _, l := range links {
		seen[l.ID] = true
	}
	if !seen[a] || !seen[b] {
		t.Fatalf("unexpected links %v", links)
	}
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	e, err := persist.Open(ctx, persist.Config{Dir: dir, Retention: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, rev := create(t, e, path.MustParse("/k"), "kept")
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	e = openEngine(t, persist.Config{Dir: dir, Retention: 9})
	if e.Retention() != 3 {
		t.Fatalf("retention should stay as created, got %d", e.Retention())
	}
	if e.Current() != rev {
		t.Fatalf("current %s, want %s", e.Current(), rev)
	}
	snap, err := e.Load(ctx, id, journal.Latest)
	if err != nil || string(snap.Data) != "kept" {
		t.Fatalf("load: %q %v", snap.Data, err)
	}
	if next := update(t, e, id, "more"); next <= rev {
		t.Fatalf("revision went backwards after reopen: %s <= %s", next, rev)
	}
}

func TestFailedCommitKeepsRevisionCounter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := openEngine(t, persist.Config{Dir: dir, SlotSize: 400, SlotCount: 4})
	ctx := context.Background()
	small, first := create(t, e, path.MustParse("/small"), "x")
	if e.Current() != first {
		t.Fatalf("current %s, want %s", e.Current(), first)
	}

	var ids []resourceid.ID
	var paths []path.Path
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		ids = append(ids, resourceid.New())
		paths = append(paths, path.MustParse("/bulk/"+name))
	}
	resourceid.Sort(ids)
	path.SortWildcardFirst(paths)
	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: ids, Paths: paths})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := range ids {
		if err := txn.Create(paths[i], ids[i], []byte("payload")); err != nil {
			txn.Rollback()
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := txn.Commit(ctx); !errors.Is(err, journal.ErrProgramTooLarge) {
		t.Fatalf("expected program too large, got %v", err)
	}
	if e.Current() != first {
		t.Fatalf("failed commit moved current to %s, want %s", e.Current(), first)
	}
	staged, err := os.ReadDir(filepath.Join(dir, "staging"))
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(staged) != 0 {
		t.Fatalf("staged blobs left behind: %d", len(staged))
	}
	if next := update(t, e, small, "y"); next != first+1 {
		t.Fatalf("next revision %s, want %s", next, first+1)
	}
}

func TestRemovedResourceIsNotFoundAtEveryRevision(t *testing.T) {
	t.Parallel()

	e := openEngine(t, persist.Config{})
	ctx := context.Background()
	p := path.MustParse("/gone")
	id, r1 := create(t, e, p, "v1")
	r2 := update(t, e, id, "v2")

	txn, err := e.Begin(ctx, persist.TxnOptions{IDs: []resourceid.ID{id}, Paths: []path.Path{p}})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Remove(id); err != nil {
		txn.Rollback()
		t.Fatalf("remove: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, at := range []journal.Revision{r1, r2, journal.Latest} {
		_, err := e.Load(ctx, id, at)
		if !errors.Is(err, persist.ErrNotFound) {
			t.Fatalf("load at %s: expected not found, got %v", at, err)
		}
		if errors.Is(err, persist.ErrNoSuchRevision) {
			t.Fatalf("load at %s: removed resource reported as reclaimed revision", at)
		}
	}
}
