package prune

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rustic/backend"
	"rustic/index"
	"rustic/pack"
	"rustic/repository"
)

// RebuildIndex reconstructs every IndexFile purely from the header of each
// pack on disk, ignoring any existing (possibly corrupt) index entirely.
// Used as a last resort when "repair index" is needed, per the index-repair
// flow referenced by the original prune command's handling of unindexed
// packs.
func RebuildIndex(ctx context.Context, repo *repository.Repository, log *zap.SugaredLogger) ([]backend.Entry, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	store := repo.Store.Store()
	packs, err := store.ListWithSize(ctx, backend.Pack)
	if err != nil {
		return nil, fmt.Errorf("prune: list packs: %w", err)
	}

	indexer := index.NewIndexer(repo.Store)
	var unreadable []backend.Entry

	for _, p := range packs {
		entries, size, err := readPackHeader(ctx, repo, p)
		if err != nil {
			log.Warnw("rebuild index: unreadable pack, skipping", "id", p.ID, "error", err)
			unreadable = append(unreadable, p)
			continue
		}

		blobs := make([]pack.IndexBlob, len(entries))
		for i, e := range entries {
			blobs[i] = pack.IndexBlob{
				ID:                 e.ID,
				Kind:               e.Kind,
				Offset:             e.Offset,
				Length:             e.Length,
				UncompressedLength: e.UncompressedLength,
			}
		}
		if err := indexer.Add(ctx, pack.IndexPack{ID: p.ID, Size: size, Blobs: blobs}); err != nil {
			return nil, fmt.Errorf("prune: rebuild: record pack %s: %w", p.ID, err)
		}
	}

	if _, err := indexer.Finalize(ctx); err != nil {
		return nil, fmt.Errorf("prune: rebuild: finalize index: %w", err)
	}

	log.Infow("index rebuilt", "packs", len(packs), "unreadable", len(unreadable))
	return unreadable, nil
}

// readPackHeader reads one pack in full, splits off its trailing header
// (the last 4 bytes plus the header body they point at) and decodes it,
// without touching any existing index entry for this pack.
func readPackHeader(ctx context.Context, repo *repository.Repository, entry backend.Entry) ([]pack.HeaderEntry, uint64, error) {
	full, err := repo.Store.Store().ReadFull(ctx, backend.Pack, entry.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("read pack: %w", err)
	}
	_, encHeader, err := pack.SplitPack(full)
	if err != nil {
		return nil, 0, fmt.Errorf("split pack: %w", err)
	}
	plainHeader, err := repo.Key().Decrypt(encHeader)
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt header: %w", err)
	}
	entries, err := pack.DecodeHeader(plainHeader)
	if err != nil {
		return nil, 0, fmt.Errorf("decode header: %w", err)
	}
	return entries, uint64(len(full)), nil
}
