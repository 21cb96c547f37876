package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"rustic/id"
)

// Local implements ObjectStore over a plain directory tree matching
// spec.md §6 exactly:
//
//	<repo>/config
//	<repo>/keys/<hex id>
//	<repo>/snapshots/<hex id>
//	<repo>/index/<hex id>
//	<repo>/data/<2-hex-prefix>/<hex id>
type Local struct {
	root string
}

var _ ObjectStore = (*Local)(nil)

// NewLocal constructs a Local store rooted at path. Call Create before
// using a fresh repository directory.
func NewLocal(path string) *Local {
	return &Local{root: path}
}

// Root returns the directory this store is rooted at, for callers (the
// CLI's lock and indexcache wiring) that need a local filesystem path
// alongside the ObjectStore interface.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) Create(ctx context.Context) error {
	dirs := []string{
		l.root,
		filepath.Join(l.root, Key.String()),
		filepath.Join(l.root, Snapshot.String()),
		filepath.Join(l.root, Index.String()),
		filepath.Join(l.root, Pack.String()),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("backend: create %s: %w", d, err)
		}
	}
	return nil
}

func (l *Local) path(kind FileKind, objID id.Id) string {
	if kind == Config {
		return filepath.Join(l.root, "config")
	}
	hex := objID.String()
	if kind == Pack {
		return filepath.Join(l.root, kind.String(), hex[:2], hex)
	}
	return filepath.Join(l.root, kind.String(), hex)
}

func (l *Local) ListWithSize(ctx context.Context, kind FileKind) ([]Entry, error) {
	var entries []Entry
	base := filepath.Join(l.root, kind.String())
	if kind == Config {
		fi, err := os.Stat(filepath.Join(l.root, "config"))
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("backend: stat config: %w", err)
		}
		return []Entry{{Size: uint32(fi.Size())}}, nil
	}

	walk := func(dir string) error {
		ents, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range ents {
			if e.IsDir() {
				continue
			}
			parsed, err := id.Parse(e.Name())
			if err != nil {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				return err
			}
			entries = append(entries, Entry{ID: parsed, Size: uint32(fi.Size())})
		}
		return nil
	}

	if kind == Pack {
		prefixes, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("backend: list %s: %w", base, err)
		}
		for _, p := range prefixes {
			if !p.IsDir() {
				continue
			}
			if err := walk(filepath.Join(base, p.Name())); err != nil {
				return nil, fmt.Errorf("backend: list %s: %w", base, err)
			}
		}
		return entries, nil
	}

	if err := walk(base); err != nil {
		return nil, fmt.Errorf("backend: list %s: %w", base, err)
	}
	return entries, nil
}

func (l *Local) ReadFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error) {
	data, err := os.ReadFile(l.path(kind, objID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backend: read %s/%s: %w", kind, objID, err)
	}
	return data, nil
}

func (l *Local) ReadPartial(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, offset, length int64) ([]byte, error) {
	f, err := os.Open(l.path(kind, objID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backend: open %s/%s: %w", kind, objID, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("backend: read range %s/%s: %w", kind, objID, err)
	}
	return buf[:n], nil
}

func (l *Local) WriteBytes(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, data []byte) error {
	target := l.path(kind, objID)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("backend: mkdir for %s: %w", target, err)
	}
	if _, err := os.Stat(target); err == nil {
		return ErrAlreadyExists
	}

	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("backend: write temp for %s: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backend: publish %s: %w", target, err)
	}
	return nil
}

func (l *Local) Remove(ctx context.Context, kind FileKind, objID id.Id, cacheable bool) error {
	err := os.Remove(l.path(kind, objID))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("backend: remove %s/%s: %w", kind, objID, err)
	}
	return nil
}
