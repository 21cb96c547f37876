package prune

import (
	"context"
	"fmt"

	"rustic/backend"
	"rustic/id"
	"rustic/index"
	"rustic/pack"
)

// Execute carries out the plan: repacks still-needed blobs, rewrites
// index files, and removes packs no longer referenced by any live index,
// per spec.md §4.13 step 10. A crash at any point leaves the repository
// consistent: new IndexFiles are published before old ones are removed,
// and pack deletion happens last.
func (p *Plan) Execute(ctx context.Context) error {
	if p.opts.DryRun {
		p.log.Infow("prune dry run", "would_repack", p.Stats.PacksRepack, "would_remove", p.Stats.PacksRemove, "would_keep", p.Stats.PacksKeep)
		return nil
	}

	indexer := index.NewIndexer(p.repo.Store)
	repacker := NewRepacker(p.repo.Store, indexer, p.opts.Sizer)

	var dataToDelete, treeToDelete []id.Id
	now := p.opts.Now

	for pid, dec := range p.decisions {
		entry := p.packEntries[pid]
		switch dec {
		case decKeep, decRecover:
			stamped := entry
			if dec == decRecover {
				t := now
				stamped.Time = &t
			}
			if err := indexer.Add(ctx, toIndexPack(stamped)); err != nil {
				return fmt.Errorf("prune: carry forward pack %s: %w", pid, err)
			}

		case decRepack:
			for _, b := range entry.Blobs {
				if p.claims[b.ID] != pid {
					continue // no longer needed; dropped by repacking
				}
				if err := repacker.Add(ctx, pid, b); err != nil {
					return err
				}
			}
			if p.opts.InstantDelete {
				dataToDelete, treeToDelete = appendByKind(dataToDelete, treeToDelete, pid, entry)
			} else {
				t := now
				tomb := entry
				tomb.Time = &t
				if err := indexer.AddRemove(ctx, tomb); err != nil {
					return fmt.Errorf("prune: tombstone repacked pack %s: %w", pid, err)
				}
			}

		case decMarkDelete:
			if p.opts.InstantDelete {
				dataToDelete, treeToDelete = appendByKind(dataToDelete, treeToDelete, pid, entry)
			} else {
				t := now
				tomb := entry
				tomb.Time = &t
				if err := indexer.AddRemove(ctx, tomb); err != nil {
					return fmt.Errorf("prune: tombstone pack %s: %w", pid, err)
				}
			}

		case decKeepMarked:
			if err := indexer.AddRemove(ctx, entry); err != nil {
				return fmt.Errorf("prune: re-tombstone pack %s: %w", pid, err)
			}

		case decDelete:
			dataToDelete, treeToDelete = appendByKind(dataToDelete, treeToDelete, pid, entry)
		}
	}

	if err := repacker.Finalize(ctx); err != nil {
		return err
	}
	if _, err := indexer.Finalize(ctx); err != nil {
		return fmt.Errorf("prune: finalize index: %w", err)
	}

	for fid := range p.rewrite {
		if err := p.repo.Store.Store().Remove(ctx, backend.Index, fid, true); err != nil {
			p.log.Warnw("prune: remove old index file", "id", fid, "error", err)
		}
	}

	store := p.repo.Store.Store()
	for _, pid := range dataToDelete {
		if err := store.Remove(ctx, backend.Pack, pid, false); err != nil {
			p.log.Warnw("prune: remove data pack", "id", pid, "error", err)
		}
	}
	for _, pid := range treeToDelete {
		if err := store.Remove(ctx, backend.Pack, pid, false); err != nil {
			p.log.Warnw("prune: remove tree pack", "id", pid, "error", err)
		}
	}

	p.log.Infow("prune finished", "repacked", p.Stats.PacksRepack, "removed", p.Stats.PacksRemove)
	return nil
}

// appendByKind routes a pack id into the data or tree deletion batch
// based on the blob kind of its first entry; order matters only between
// the two batches (data packs are removed before tree packs, per step
// 10), not within one.
func appendByKind(data, tree []id.Id, pid id.Id, entry index.PackEntry) ([]id.Id, []id.Id) {
	if len(entry.Blobs) > 0 && entry.Blobs[0].Kind().String() == "tree" {
		return data, append(tree, pid)
	}
	return append(data, pid), tree
}

// toIndexPack converts an index.PackEntry back into the pack.IndexPack
// shape the Indexer expects, the inverse of index.FromIndexPack.
func toIndexPack(e index.PackEntry) pack.IndexPack {
	size := uint64(0)
	if e.Size != nil {
		size = *e.Size
	}
	blobs := make([]pack.IndexBlob, len(e.Blobs))
	for i, b := range e.Blobs {
		blobs[i] = pack.IndexBlob{
			ID:                 b.ID,
			Kind:               b.Kind(),
			Offset:             b.Offset,
			Length:             b.Length,
			UncompressedLength: b.UncompressedLength,
		}
	}
	return pack.IndexPack{ID: e.ID, Size: size, Blobs: blobs}
}
