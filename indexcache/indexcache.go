// Package indexcache memoizes a repository's decoded blob index in a
// local badger database, so a repeat read against an unchanged repository
// skips re-downloading and re-decrypting every IndexFile. It is purely a
// local accelerator: a cache miss, a corrupt entry, or any decode error
// always falls back to a full index.CollectAll, and never affects the
// correctness of the result returned to the caller.
package indexcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"rustic/backend"
	"rustic/id"
	"rustic/index"
)

// Cache wraps a badger database keyed by the "generation" of on-disk
// IndexFiles a decoded index.Index was built from.
type Cache struct {
	db  *badger.DB
	log *zap.SugaredLogger
}

// Open opens (creating if absent) a badger database rooted at path.
func Open(path string, log *zap.SugaredLogger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("indexcache: open: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

// Close releases the underlying badger database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Generation fingerprints the repository's current set of on-disk
// IndexFiles (id and size of each, plus the requested Mode), so adding,
// removing, or replacing any IndexFile invalidates every entry keyed by
// the previous generation.
func Generation(ctx context.Context, store *backend.DecryptStore, mode index.Mode) (id.Id, error) {
	entries, err := store.Store().ListWithSize(ctx, backend.Index)
	if err != nil {
		return id.Id{}, fmt.Errorf("indexcache: list index files: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.String() < entries[j].ID.String() })

	var buf bytes.Buffer
	buf.WriteByte(byte(mode))
	for _, e := range entries {
		buf.Write(e.ID[:])
		fmt.Fprintf(&buf, ":%d;", e.Size)
	}
	return id.Hash(buf.Bytes()), nil
}

// Load returns the index.Index for the repository's current generation,
// decoding it from the local cache when present and otherwise reading and
// decrypting every IndexFile via index.CollectAll, then storing the
// result under the new generation's key for next time.
func (c *Cache) Load(ctx context.Context, store *backend.DecryptStore, mode index.Mode) (*index.Index, error) {
	gen, err := Generation(ctx, store, mode)
	if err != nil {
		return nil, err
	}

	if entries, ok := c.lookup(gen); ok {
		c.log.Debugw("indexcache hit", "generation", gen)
		return index.FromEntries(entries), nil
	}

	collector, _, err := index.CollectAll(ctx, store, mode, false)
	if err != nil {
		return nil, err
	}
	idx := collector.Finalize()

	entries := make(map[id.Id]index.IndexEntry, idx.Len())
	idx.Each(func(blobID id.Id, e index.IndexEntry) { entries[blobID] = e })
	if err := c.store(gen, entries); err != nil {
		c.log.Warnw("indexcache: failed to persist generation", "error", err)
	}
	c.log.Debugw("indexcache miss", "generation", gen, "blobs", idx.Len())
	return idx, nil
}

func (c *Cache) lookup(gen id.Id) (map[id.Id]index.IndexEntry, bool) {
	var entries map[id.Id]index.IndexEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(gen[:])
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&entries)
		})
	})
	if err != nil {
		return nil, false
	}
	return entries, true
}

func (c *Cache) store(gen id.Id, entries map[id.Id]index.IndexEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return fmt.Errorf("indexcache: encode: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(gen[:], buf.Bytes())
	})
}

// Invalidate drops every cached generation, used after an operation that
// rewrites the index out from under the normal CollectAll flow (index
// repair).
func (c *Cache) Invalidate() error {
	return c.db.DropAll()
}
