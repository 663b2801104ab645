package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/svcfields"
)

// DirSink archives blobs into a local directory tree.
type DirSink struct {
	root   string
	logger pslog.Logger
}

// NewDirSink creates root if needed.
func NewDirSink(root string, logger pslog.Logger) (*DirSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: prepare %s: %w", root, err)
	}
	return &DirSink{root: root, logger: svcfields.WithSubsystem(logger, "archive.dir")}, nil
}

func (d *DirSink) file(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

// Put copies r into key through a temporary file.
func (d *DirSink) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	dst, err := d.file(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	d.logger.Debug("archive.dir.put", "key", key, "bytes", n)
	return nil
}

// Get opens key for reading.
func (d *DirSink) Get(_ context.Context, key string) (io.ReadCloser, error) {
	src, err := d.file(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

// List returns the keys under prefix, sorted.
func (d *DirSink) List(ctx context.Context, prefix string) ([]string, error) {
	start := d.root
	if prefix != "" {
		p, err := d.file(prefix)
		if err != nil {
			return nil, err
		}
		start = p
	}
	var keys []string
	err := filepath.WalkDir(start, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || filepath.Base(p)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}
