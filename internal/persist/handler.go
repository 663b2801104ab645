package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
	"pkt.systems/rtnode/internal/svcfields"
)

// linkRecord is the content of a .link file.
type linkRecord struct {
	ID   resourceid.ID `json:"id"`
	Path path.Path     `json:"path"`
}

// fsHandler applies journal instructions to the data directory. Every
// method tolerates having already run, since recovery replays programs.
type fsHandler struct {
	e *Engine
}

var _ journal.Handler = fsHandler{}

func (h fsHandler) Noop(context.Context, journal.Op) error { return nil }

func (h fsHandler) UnlinkFSPath(ctx context.Context, op journal.Op, rel string) error {
	abs, err := h.e.abs(rel)
	if err != nil {
		return err
	}
	if err := h.archiveTree(ctx, rel, abs); err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("persist: unlink %s: %w", rel, err)
	}
	h.e.logger.Trace("persist.cleanup.unlinked", "file", rel, svcfields.RevisionKey, op.Revision.String())
	return nil
}

// archiveTree hands every revision blob under abs to the archive sink.
func (h fsHandler) archiveTree(ctx context.Context, rel, abs string) error {
	if h.e.archive == nil {
		return nil
	}
	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), revSuffix) {
			return nil
		}
		key, err := filepath.Rel(filepath.Join(h.e.dir, resourcesDir), p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if err := h.e.archive.Put(ctx, filepath.ToSlash(key), f, info.Size()); err != nil {
			return fmt.Errorf("persist: archive %s: %w", rel, err)
		}
		h.e.metrics.recordArchived(ctx)
		return nil
	})
}

func (h fsHandler) UnlinkRTPath(_ context.Context, _ journal.Op, p path.Path) error {
	rec, err := h.e.readLink(p)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.removeFile(reverseLinkRel(rec.ID, p)); err != nil {
		return err
	}
	return h.removeFile(linkRel(p))
}

func (h fsHandler) LinkNewResource(ctx context.Context, op journal.Op, id resourceid.ID, staged string) error {
	return h.install(op, id, staged)
}

func (h fsHandler) UpdateResource(ctx context.Context, op journal.Op, id resourceid.ID, staged string) error {
	return h.install(op, id, staged)
}

// install moves a staged blob into place as revision op.Revision.
func (h fsHandler) install(op journal.Op, id resourceid.ID, staged string) error {
	src, err := h.e.abs(staged)
	if err != nil {
		return err
	}
	dst, err := h.e.abs(revisionRel(id, op.Revision))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
		}
		return fmt.Errorf("persist: install %s: %w", staged, err)
	}
	return syncDir(filepath.Dir(dst))
}

func (h fsHandler) AddPath(_ context.Context, _ journal.Op, p path.Path) error {
	dir, err := h.e.abs(pathDirRel(p))
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (h fsHandler) AddResourceID(_ context.Context, _ journal.Op, id resourceid.ID) error {
	dir, err := h.e.abs(resourceRel(id) + "/" + linksDir)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (h fsHandler) LinkResourceToRTPath(_ context.Context, _ journal.Op, id resourceid.ID, p path.Path) error {
	raw, err := json.Marshal(linkRecord{ID: id, Path: p})
	if err != nil {
		return err
	}
	if err := h.writeFile(linkRel(p), raw); err != nil {
		return err
	}
	return h.writeFile(reverseLinkRel(id, p), nil)
}

func (h fsHandler) RemoveResource(_ context.Context, op journal.Op, id resourceid.ID) error {
	return h.writeFile(tombRel(id, op.Revision), nil)
}

func (h fsHandler) writeFile(rel string, data []byte) error {
	abs, err := h.e.abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmp := abs + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		return err
	}
	return syncDir(filepath.Dir(abs))
}

func (h fsHandler) removeFile(rel string) error {
	abs, err := h.e.abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
