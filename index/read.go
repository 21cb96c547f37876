package index

import (
	"context"
	"fmt"

	"rustic/backend"
	"rustic/id"
)

// CollectAll streams every IndexFile in store, folding each into a new
// Collector of the given Mode. includeTombstoned controls whether
// packs_to_delete entries are folded in too (tree-walk during prune needs
// them resolvable; ordinary reads do not).
func CollectAll(ctx context.Context, store *backend.DecryptStore, mode Mode, includeTombstoned bool) (*Collector, map[id.Id]File, error) {
	results, err := backend.StreamAll[File](ctx, store, backend.Index, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("index: list index files: %w", err)
	}

	c := NewCollector(mode)
	files := make(map[id.Id]File)
	for r := range results {
		if r.Err != nil {
			return nil, nil, fmt.Errorf("index: read index file %s: %w", r.ID, r.Err)
		}
		c.AddFile(r.File, includeTombstoned)
		files[r.ID] = r.File
	}
	return c, files, nil
}
