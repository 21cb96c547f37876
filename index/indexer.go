package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rustic/backend"
	"rustic/id"
	"rustic/pack"
)

// flushThreshold is the approximate blob-entry count at which the Indexer
// closes the current IndexFile and starts a new one, per spec.md §4.8.
const flushThreshold = 10_000

// Indexer is the shared, mutex-protected writer that groups freshly
// finalized packs into bounded-size IndexFiles and publishes them. Multiple
// archiver/repacker goroutines call Add concurrently; flushes are issued
// synchronously under the lock so two goroutines never race to publish the
// same IndexFile.
type Indexer struct {
	store *backend.DecryptStore

	mu          sync.Mutex
	current     File
	entryCount  int
	published   []id.Id
}

// NewIndexer constructs an Indexer writing through store.
func NewIndexer(store *backend.DecryptStore) *Indexer {
	return &Indexer{store: store}
}

// Add records one freshly finalized pack, flushing the current IndexFile
// first if it would cross flushThreshold.
func (ix *Indexer) Add(ctx context.Context, p pack.IndexPack) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.entryCount > 0 && ix.entryCount+len(p.Blobs) > flushThreshold {
		if err := ix.flushLocked(ctx); err != nil {
			return err
		}
	}

	ix.current.Packs = append(ix.current.Packs, FromIndexPack(p, time.Now()))
	ix.entryCount += len(p.Blobs)
	return nil
}

// AddRemove records pack as tombstoned (moved to packs_to_delete) in the
// current IndexFile, per spec.md §4.8 add_remove.
func (ix *Indexer) AddRemove(ctx context.Context, entry PackEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.current.PacksToDelete = append(ix.current.PacksToDelete, entry)
	ix.entryCount += len(entry.Blobs)
	return nil
}

// flushLocked publishes the current IndexFile (if non-empty) and resets
// accumulator state. Caller must hold ix.mu.
func (ix *Indexer) flushLocked(ctx context.Context) error {
	if len(ix.current.Packs) == 0 && len(ix.current.PacksToDelete) == 0 {
		return nil
	}
	newID, err := backend.SaveFile(ctx, ix.store, backend.Index, true, ix.current)
	if err != nil {
		return fmt.Errorf("index: flush: %w", err)
	}
	ix.published = append(ix.published, newID)
	ix.current = File{}
	ix.entryCount = 0
	return nil
}

// Finalize flushes any remaining entries and returns every IndexFile id
// published over this Indexer's lifetime.
func (ix *Indexer) Finalize(ctx context.Context) ([]id.Id, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.flushLocked(ctx); err != nil {
		return nil, err
	}
	return ix.published, nil
}
