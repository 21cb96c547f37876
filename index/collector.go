package index

import (
	"rustic/id"
	"rustic/pack"
)

// Mode selects how much of each accumulated pack a Collector retains, per
// spec.md §4.8: Full keeps everything, FullTrees drops Data blob detail
// (keeping only that its pack exists), OnlyTrees discards Data entirely.
type Mode int

const (
	Full Mode = iota
	FullTrees
	OnlyTrees
)

// IndexEntry is one blob's resolved location: which pack, at what offset,
// how long, and whether it was zstd-compressed.
type IndexEntry struct {
	PackID             id.Id
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
	Kind               pack.BlobKind
}

// Collector accumulates PackEntry rows (from IndexFiles or freshly
// finalized packs) into the flat lookup map an Index exposes.
type Collector struct {
	mode  Mode
	byID  map[id.Id]IndexEntry
	packs map[id.Id]struct{} // pack ids referenced by at least one retained blob
}

// NewCollector starts an empty collector in the given Mode.
func NewCollector(mode Mode) *Collector {
	return &Collector{
		mode:  mode,
		byID:  make(map[id.Id]IndexEntry),
		packs: make(map[id.Id]struct{}),
	}
}

// AddPack folds one pack's blob list into the collector per its Mode.
func (c *Collector) AddPack(packID id.Id, blobs []BlobEntry) {
	for _, b := range blobs {
		kind := b.Kind()
		if c.mode == OnlyTrees && kind == pack.Data {
			continue
		}
		if c.mode == FullTrees && kind == pack.Data {
			c.packs[packID] = struct{}{}
			continue
		}
		c.byID[b.ID] = IndexEntry{
			PackID:             packID,
			Offset:             b.Offset,
			Length:             b.Length,
			UncompressedLength: b.UncompressedLength,
			Kind:               kind,
		}
		c.packs[packID] = struct{}{}
	}
}

// AddFile folds every live pack in an IndexFile into the collector. When
// includeTombstoned is set, packs_to_delete entries are folded in too, so
// tombstoned trees remain resolvable while a walk is in flight.
func (c *Collector) AddFile(f File, includeTombstoned bool) {
	for _, p := range f.Packs {
		c.AddPack(p.ID, p.Blobs)
	}
	if includeTombstoned {
		for _, p := range f.PacksToDelete {
			c.AddPack(p.ID, p.Blobs)
		}
	}
}

// Finalize freezes the collector into a queryable Index.
func (c *Collector) Finalize() *Index {
	return &Index{entries: c.byID}
}

// Packs returns the set of pack ids referenced by anything retained so
// far, used by prune's "existing packs referenced by some index" pass.
func (c *Collector) Packs() map[id.Id]struct{} {
	return c.packs
}
