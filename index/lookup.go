package index

import (
	"rustic/id"
	"rustic/pack"
)

// Index is the finalized, read-only hash map from blob id to its resolved
// location, per spec.md §4.8.
type Index struct {
	entries map[id.Id]IndexEntry
}

// FromEntries wraps an already-decoded entry map as an Index, used by
// indexcache to rehydrate a cached lookup table without re-reading any
// IndexFile.
func FromEntries(entries map[id.Id]IndexEntry) *Index {
	return &Index{entries: entries}
}

// GetData returns the location of a Data blob, or ok=false if absent or
// recorded as a Tree blob.
func (idx *Index) GetData(blobID id.Id) (IndexEntry, bool) {
	e, ok := idx.entries[blobID]
	if !ok || e.Kind != pack.Data {
		return IndexEntry{}, false
	}
	return e, true
}

// GetTree returns the location of a Tree blob, or ok=false if absent or
// recorded as a Data blob.
func (idx *Index) GetTree(blobID id.Id) (IndexEntry, bool) {
	e, ok := idx.entries[blobID]
	if !ok || e.Kind != pack.Tree {
		return IndexEntry{}, false
	}
	return e, true
}

// HasData reports whether blobID is indexed as a Data blob.
func (idx *Index) HasData(blobID id.Id) bool {
	_, ok := idx.GetData(blobID)
	return ok
}

// HasTree reports whether blobID is indexed as a Tree blob.
func (idx *Index) HasTree(blobID id.Id) bool {
	_, ok := idx.GetTree(blobID)
	return ok
}

// Len returns the number of distinct blobs the index resolves.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Each calls fn for every entry, for callers (prune) that need to walk the
// whole table rather than look up individual ids.
func (idx *Index) Each(fn func(id.Id, IndexEntry)) {
	for k, v := range idx.entries {
		fn(k, v)
	}
}
