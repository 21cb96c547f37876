// Package index implements the repository's catalogue: the on-disk
// IndexFile JSON document, a collector that accumulates finished packs into
// a queryable Index, and an Indexer that batches new packs into IndexFiles
// and publishes them through a backend.DecryptStore.
package index

import (
	"time"

	"rustic/id"
	"rustic/pack"
)

// BlobEntry is one blob's catalogue row within an IndexFile pack entry.
type BlobEntry struct {
	ID                 id.Id  `json:"id"`
	Type               string `json:"type"`
	Offset             uint32 `json:"offset"`
	Length             uint32 `json:"length"`
	UncompressedLength uint32 `json:"uncompressed_length,omitempty"`
}

// Kind decodes the wire "type" field ("data"/"tree") into pack.BlobKind.
func (b BlobEntry) Kind() pack.BlobKind {
	if b.Type == "tree" {
		return pack.Tree
	}
	return pack.Data
}

// PackEntry describes one pack file's catalogue within an IndexFile.
type PackEntry struct {
	ID      id.Id       `json:"id"`
	Time    *time.Time  `json:"time,omitempty"`
	Size    *uint64     `json:"size,omitempty"`
	Blobs   []BlobEntry `json:"blobs"`
}

// File is the serialized JSON document persisted under FileKind Index,
// per spec.md §3: a list of currently-live packs and a list of tombstoned
// packs pending removal after a quarantine period.
type File struct {
	Packs         []PackEntry `json:"packs"`
	PacksToDelete []PackEntry `json:"packs_to_delete,omitempty"`
}

// FromIndexPack converts a freshly finalized pack.IndexPack into the
// on-disk PackEntry shape.
func FromIndexPack(p pack.IndexPack, when time.Time) PackEntry {
	size := p.Size
	blobs := make([]BlobEntry, len(p.Blobs))
	for i, b := range p.Blobs {
		blobs[i] = BlobEntry{
			ID:                 b.ID,
			Type:               b.Kind.String(),
			Offset:             b.Offset,
			Length:             b.Length,
			UncompressedLength: b.UncompressedLength,
		}
	}
	return PackEntry{ID: p.ID, Time: &when, Size: &size, Blobs: blobs}
}
