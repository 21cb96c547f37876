package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"rustic/id"
)

// Cache wraps an origin ObjectStore with a local disk mirror and a small
// in-process LRU of full object bytes, matching blockstore.go's
// `cache *lru.Cache[string, blocks.Block]` hot-block idiom. Writes always go
// straight to origin; reads of cacheable kinds are served from disk (warming
// it on miss) and the LRU fronts the disk for the hottest objects.
type Cache struct {
	origin ObjectStore
	dir    string
	hot    *lru.Cache[string, []byte]
}

var _ ObjectStore = (*Cache)(nil)

// NewCache wraps origin with a disk cache rooted at dir and an in-memory
// LRU holding up to hotSize full objects.
func NewCache(origin ObjectStore, dir string, hotSize int) (*Cache, error) {
	if hotSize <= 0 {
		hotSize = 1000
	}
	hot, err := lru.New[string, []byte](hotSize)
	if err != nil {
		return nil, fmt.Errorf("backend: cache lru: %w", err)
	}
	return &Cache{origin: origin, dir: dir, hot: hot}, nil
}

func (c *Cache) key(kind FileKind, objID id.Id) string {
	return fmt.Sprintf("%d/%s", kind, objID)
}

func (c *Cache) diskPath(kind FileKind, objID id.Id) string {
	return filepath.Join(c.dir, kind.String(), objID.String())
}

func (c *Cache) Create(ctx context.Context) error {
	return c.origin.Create(ctx)
}

func (c *Cache) ListWithSize(ctx context.Context, kind FileKind) ([]Entry, error) {
	return c.origin.ListWithSize(ctx, kind)
}

// ReadFull serves cacheable kinds from the LRU, then the disk mirror,
// falling back to origin and warming both on miss.
func (c *Cache) ReadFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error) {
	if !kind.Cacheable() {
		return c.origin.ReadFull(ctx, kind, objID)
	}

	k := c.key(kind, objID)
	if data, ok := c.hot.Get(k); ok {
		return data, nil
	}

	if data, err := os.ReadFile(c.diskPath(kind, objID)); err == nil {
		c.hot.Add(k, data)
		return data, nil
	}

	data, err := c.origin.ReadFull(ctx, kind, objID)
	if err != nil {
		return nil, err
	}
	c.warm(kind, objID, data)
	return data, nil
}

func (c *Cache) ReadPartial(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, offset, length int64) ([]byte, error) {
	if !cacheable {
		return c.origin.ReadPartial(ctx, kind, objID, cacheable, offset, length)
	}
	full, err := c.ReadFull(ctx, kind, objID)
	if err != nil {
		return nil, err
	}
	end := offset + length
	if end > int64(len(full)) {
		end = int64(len(full))
	}
	if offset > int64(len(full)) {
		offset = int64(len(full))
	}
	return full[offset:end], nil
}

func (c *Cache) WriteBytes(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, data []byte) error {
	if err := c.origin.WriteBytes(ctx, kind, objID, cacheable, data); err != nil {
		return err
	}
	if cacheable && kind.Cacheable() {
		c.warm(kind, objID, data)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, kind FileKind, objID id.Id, cacheable bool) error {
	if err := c.origin.Remove(ctx, kind, objID, cacheable); err != nil {
		return err
	}
	c.hot.Remove(c.key(kind, objID))
	_ = os.Remove(c.diskPath(kind, objID))
	return nil
}

// warm atomically writes data into the disk mirror (temp-file-then-rename,
// matching Local.WriteBytes) and inserts it into the LRU.
func (c *Cache) warm(kind FileKind, objID id.Id, data []byte) {
	target := c.diskPath(kind, objID)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err == nil {
		tmp := target + ".tmp-" + uuid.NewString()
		if err := os.WriteFile(tmp, data, 0o600); err == nil {
			os.Rename(tmp, target)
		} else {
			os.Remove(tmp)
		}
	}
	c.hot.Add(c.key(kind, objID), data)
}

// RemoveNotInList deletes every cached object of kind whose id is not in
// keep, garbage-collecting stale entries after a prune. Origin is untouched.
func (c *Cache) RemoveNotInList(kind FileKind, keep map[id.Id]struct{}) error {
	dir := filepath.Join(c.dir, kind.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backend: cache gc list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parsed, err := id.Parse(e.Name())
		if err != nil {
			continue
		}
		if _, ok := keep[parsed]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("backend: cache gc remove %s: %w", e.Name(), err)
		}
		c.hot.Remove(c.key(kind, parsed))
	}
	return nil
}

// Audit fetches every cached object of kind from origin and compares bytes
// against the cached copy, reporting ids whose cache entry has diverged.
// This is the integrity pass the check subsystem runs over cached data.
func (c *Cache) Audit(ctx context.Context, kind FileKind) (mismatched []id.Id, err error) {
	dir := filepath.Join(c.dir, kind.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend: cache audit list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parsed, parseErr := id.Parse(e.Name())
		if parseErr != nil {
			continue
		}
		cached, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("backend: cache audit read %s: %w", e.Name(), err)
		}
		originData, err := c.origin.ReadFull(ctx, kind, parsed)
		if err != nil {
			return nil, fmt.Errorf("backend: cache audit origin fetch %s: %w", parsed, err)
		}
		if !bytes.Equal(cached, originData) {
			mismatched = append(mismatched, parsed)
		}
	}
	return mismatched, nil
}
