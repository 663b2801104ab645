package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
)

// Snapshot is one stored revision of a resource.
type Snapshot struct {
	ID       resourceid.ID
	Revision journal.Revision
	Data     []byte
}

// Link pairs a path with the resource it names.
type Link struct {
	Path path.Path
	ID   resourceid.ID
}

// Load returns the newest revision of id at or before at. Pass
// journal.Latest for the current state. Cleanup deletes every file of a
// removed resource, so Load reports ErrNotFound for it at any revision.
func (e *Engine) Load(ctx context.Context, id resourceid.ID, at journal.Revision) (Snapshot, error) {
	m, err := e.locks.ReadIDs(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer m.Release()
	return e.loadLocked(id, at)
}

func (e *Engine) loadLocked(id resourceid.ID, at journal.Revision) (Snapshot, error) {
	current := e.pool.Current()
	if at == journal.Latest {
		at = current
	}
	if at > current {
		return Snapshot{}, fmt.Errorf("%w: %s is beyond current %s", ErrNoSuchRevision, at, current)
	}
	files, err := e.revisions(id)
	if err != nil {
		return Snapshot{}, err
	}
	if len(files) == 0 {
		return Snapshot{}, fmt.Errorf("%w: resource %s", ErrNotFound, id)
	}
	idx := -1
	for i, f := range files {
		if f.rev <= at {
			idx = i
		}
	}
	if idx < 0 {
		return Snapshot{}, fmt.Errorf("%w: %s of %s was reclaimed (oldest kept %s)", ErrNoSuchRevision, at, id, files[0].rev)
	}
	chosen := files[idx]
	if chosen.tomb {
		return Snapshot{}, fmt.Errorf("%w: resource %s removed at %s", ErrNotFound, id, chosen.rev)
	}
	abs, err := e.abs(resourceRel(id) + "/" + chosen.name)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("%w: %s of %s was reclaimed", ErrNoSuchRevision, chosen.rev, id)
		}
		return Snapshot{}, fmt.Errorf("persist: read %s: %w", chosen.name, err)
	}
	return Snapshot{ID: id, Revision: chosen.rev, Data: data}, nil
}

// revisions lists the revision and tombstone files of id, oldest first.
func (e *Engine) revisions(id resourceid.ID) ([]revisionFile, error) {
	dir, err := e.abs(resourceRel(id))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: list %s: %w", id, err)
	}
	var out []revisionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if rf, ok := parseRevisionFile(entry.Name()); ok {
			out = append(out, rf)
		}
	}
	slices.SortFunc(out, func(a, b revisionFile) int {
		switch {
		case a.rev < b.rev:
			return -1
		case a.rev > b.rev:
			return 1
		}
		return 0
	})
	return out, nil
}

// Exists reports whether id names a live resource.
func (e *Engine) Exists(ctx context.Context, id resourceid.ID) (bool, error) {
	_, err := e.Load(ctx, id, journal.Latest)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// Resolve returns the resource linked at p.
func (e *Engine) Resolve(ctx context.Context, p path.Path) (resourceid.ID, error) {
	if p.IsWildcard() {
		return resourceid.Zero, fmt.Errorf("%w: cannot resolve wildcard path %s", ErrNotFound, p)
	}
	m, err := e.locks.ReadPaths(ctx, p)
	if err != nil {
		return resourceid.Zero, err
	}
	defer m.Release()
	rec, err := e.readLink(p)
	if err != nil {
		return resourceid.Zero, err
	}
	return rec.ID, nil
}

func (e *Engine) readLink(p path.Path) (linkRecord, error) {
	abs, err := e.abs(linkRel(p))
	if err != nil {
		return linkRecord{}, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return linkRecord{}, fmt.Errorf("%w: path %s", ErrNotFound, p)
		}
		return linkRecord{}, fmt.Errorf("persist: read link %s: %w", p, err)
	}
	var rec linkRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return linkRecord{}, fmt.Errorf("%w: link %s: %v", journal.ErrCorrupt, p, err)
	}
	return rec, nil
}

// Links returns the paths currently linked to id, in wildcard-first order.
func (e *Engine) Links(id resourceid.ID) ([]path.Path, error) {
	dir, err := e.abs(resourceRel(id) + "/" + linksDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]path.Path, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		raw, err := unescape(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: reverse link %q: %v", journal.ErrCorrupt, entry.Name(), err)
		}
		p, err := path.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: reverse link %q: %v", journal.ErrCorrupt, entry.Name(), err)
		}
		out = append(out, p)
	}
	path.SortWildcardFirst(out)
	return out, nil
}

// List returns every link whose path matches pattern, in wildcard-first
// order. The walk holds a read monitor over pattern.
func (e *Engine) List(ctx context.Context, pattern path.Path) ([]Link, error) {
	m, err := e.locks.ReadPaths(ctx, pattern)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	root := filepath.Join(e.dir, pathsDir)
	var out []Link
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Name() != linkFile {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		var rec linkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			e.logger.Warn("persist.list.bad_link", "file", p, "error", err)
			return nil
		}
		if pattern.Matches(rec.Path) {
			out = append(out, Link{Path: rec.Path, ID: rec.ID})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist: list %s: %w", pattern, err)
	}
	slices.SortFunc(out, func(a, b Link) int { return path.WildcardFirst(a.Path, b.Path) })
	return out, nil
}
