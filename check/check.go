// Package check implements the repository integrity sweep: index/pack
// cross-checks, a snapshot-tree reachability walk, an optional full pack
// re-read, and (when a disk cache is in play) a cache-vs-origin audit.
// Grounded on original_source/src/commands/check.rs's check_packs/
// check_snapshots/check_pack/check_cache_files passes.
package check

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"rustic/backend"
	"rustic/id"
	"rustic/index"
	"rustic/pack"
	"rustic/repository"
	"rustic/tree"
)

// Options tunes one check run.
type Options struct {
	// ReadData re-reads and re-verifies every pack's bytes against its
	// index entry, not just its catalogue metadata.
	ReadData bool
	// TrustCache skips the cache-vs-origin byte audit.
	TrustCache bool
	// Cache is the local disk cache to audit, if any (nil skips the pass
	// entirely, same as TrustCache).
	Cache *backend.Cache

	Log *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

// Issue is one problem found during a check run.
type Issue struct {
	Message string
}

// Report collects every Issue found by Run. A Report with no Issues means
// the repository passed every check performed.
type Report struct {
	Issues []Issue
}

func (r *Report) add(format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Message: fmt.Sprintf(format, args...)})
}

// OK reports whether the check run found nothing wrong.
func (r *Report) OK() bool {
	return len(r.Issues) == 0
}

// Run performs every configured check pass and returns a Report. An error
// return means the check itself could not run (e.g. the repository is
// unreadable); integrity problems within an otherwise-readable repository
// are reported as Issues, not errors.
func Run(ctx context.Context, repo *repository.Repository, opts Options) (*Report, error) {
	log := opts.logger()
	report := &Report{}

	if opts.Cache != nil && !opts.TrustCache {
		for _, kind := range []backend.FileKind{backend.Snapshot, backend.Index} {
			mismatched, err := opts.Cache.Audit(ctx, kind)
			if err != nil {
				return nil, fmt.Errorf("check: audit cached %s: %w", kind, err)
			}
			for _, bad := range mismatched {
				report.add("cached %s %s differs from origin", kind, bad)
			}
		}
	}

	collector, files, err := index.CollectAll(ctx, repo.Store, index.Full, true)
	if err != nil {
		return nil, fmt.Errorf("check: read index: %w", err)
	}

	packSizes := make(map[id.Id]uint64)
	for _, f := range files {
		for _, p := range f.Packs {
			checkPackEntry(report, p)
			if p.Size != nil {
				packSizes[p.ID] = *p.Size
			}
		}
		for _, p := range f.PacksToDelete {
			checkPackEntry(report, p)
			if p.Size != nil {
				packSizes[p.ID] = *p.Size
			}
		}
	}

	if err := checkPacksOnDisk(ctx, repo, packSizes, report); err != nil {
		return nil, err
	}

	if opts.Cache != nil && !opts.TrustCache {
		mismatched, err := opts.Cache.Audit(ctx, backend.Pack)
		if err != nil {
			return nil, fmt.Errorf("check: audit cached packs: %w", err)
		}
		for _, bad := range mismatched {
			report.add("cached pack %s differs from origin", bad)
		}
	}

	idx := collector.Finalize()
	if err := checkSnapshots(ctx, repo, idx, report); err != nil {
		return nil, err
	}

	if opts.ReadData {
		if err := checkPackData(ctx, repo, files, report); err != nil {
			return nil, err
		}
	}

	log.Infow("check finished", "issues", len(report.Issues))
	return report, nil
}

// checkPackEntry validates one pack's blob list is internally consistent:
// every blob's kind matches the pack's own (first-blob-determined) kind,
// and offsets form a contiguous run with no gap or overlap.
func checkPackEntry(report *Report, p index.PackEntry) {
	if len(p.Blobs) == 0 {
		return
	}
	blobs := append([]index.BlobEntry(nil), p.Blobs...)
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Offset < blobs[j].Offset })

	kind := blobs[0].Kind()
	var expected uint32
	for _, b := range blobs {
		if b.Kind() != kind {
			report.add("pack %s: blob %s kind %s does not match pack kind %s", p.ID, b.ID, b.Kind(), kind)
		}
		if b.Offset != expected {
			report.add("pack %s: blob %s offset %d, expected %d", p.ID, b.ID, b.Offset, expected)
		}
		expected += b.Length
	}
}

// checkPacksOnDisk cross-references the index's view of pack sizes against
// what is physically present in the store.
func checkPacksOnDisk(ctx context.Context, repo *repository.Repository, packSizes map[id.Id]uint64, report *Report) error {
	existing, err := repo.Store.Store().ListWithSize(ctx, backend.Pack)
	if err != nil {
		return fmt.Errorf("check: list packs: %w", err)
	}
	onDisk := make(map[id.Id]uint64, len(existing))
	for _, e := range existing {
		onDisk[e.ID] = uint64(e.Size)
	}

	for pid, size := range packSizes {
		diskSize, ok := onDisk[pid]
		switch {
		case !ok:
			report.add("pack %s is referenced by the index but not present on disk", pid)
		case diskSize != size:
			report.add("pack %s: size computed by index %d, actual %d", pid, size, diskSize)
		}
		delete(onDisk, pid)
	}
	for pid := range onDisk {
		report.add("pack %s not referenced by any index; run repair index if this is not a concurrent backup", pid)
	}
	return nil
}

// checkSnapshots walks every snapshot's tree and confirms every referenced
// blob (data content, subtree) resolves in the index.
func checkSnapshots(ctx context.Context, repo *repository.Repository, idx *index.Index, report *Report) error {
	snaps, err := repo.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("check: list snapshots: %w", err)
	}
	roots := make(map[string]id.Id, len(snaps))
	for _, s := range snaps {
		if s.Err != nil {
			report.add("snapshot %s: %v", s.ID, s.Err)
			continue
		}
		roots[s.ID.String()] = s.File.Tree
	}

	resolver := &tree.Resolver{Index: idx, Store: repo.Store}
	streamer := tree.NewTreeStreamer(resolver, 8)
	for entry := range streamer.Walk(ctx, roots) {
		if entry.Err != nil {
			report.add("tree at %s: %v", entry.Path, entry.Err)
			continue
		}
		for _, n := range entry.Tree {
			switch n.Kind {
			case tree.File:
				if n.Content == nil {
					report.add("file %s/%s has no content", entry.Path, n.Name)
					continue
				}
				for i, c := range n.Content {
					if c.Zero() {
						report.add("file %s/%s blob %d has a null id", entry.Path, n.Name, i)
						continue
					}
					if !idx.HasData(c) {
						report.add("file %s/%s blob %s is missing from the index", entry.Path, n.Name, c)
					}
				}
			case tree.Dir:
				if n.Subtree == nil || n.Subtree.Zero() {
					report.add("dir %s/%s has no subtree", entry.Path, n.Name)
				}
			}
		}
	}
	return nil
}

// checkPackData re-reads every pack's bytes, verifies its content hash,
// its header length and contents against the index, and every blob's
// plaintext hash. Packs are read one at a time; there are no concurrent
// reads.
func checkPackData(ctx context.Context, repo *repository.Repository, files map[id.Id]index.File, report *Report) error {
	byID := make(map[id.Id]index.PackEntry)
	for _, f := range files {
		for _, p := range f.Packs {
			byID[p.ID] = p
		}
		for _, p := range f.PacksToDelete {
			byID[p.ID] = p
		}
	}

	for pid, entry := range byID {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := repo.Store.Store().ReadFull(ctx, backend.Pack, pid)
		if err != nil {
			report.add("pack %s: read failed: %v", pid, err)
			continue
		}
		if entry.Size != nil && uint64(len(full)) != *entry.Size {
			report.add("pack %s: size on disk %d, index expects %d", pid, len(full), *entry.Size)
			continue
		}
		if got := id.Hash(full); got != pid {
			report.add("pack %s: content hash mismatch, computed %s", pid, got)
			continue
		}

		body, encHeader, err := pack.SplitPack(full)
		if err != nil {
			report.add("pack %s: %v", pid, err)
			continue
		}
		plainHeader, err := repo.Key().Decrypt(encHeader)
		if err != nil {
			report.add("pack %s: header decrypt failed: %v", pid, err)
			continue
		}
		onDisk, err := pack.DecodeHeader(plainHeader)
		if err != nil {
			report.add("pack %s: header decode failed: %v", pid, err)
			continue
		}

		if !sameBlobSet(onDisk, entry.Blobs) {
			report.add("pack %s: header in pack file does not match the index", pid)
			continue
		}

		for _, b := range onDisk {
			if int64(b.Offset)+int64(b.Length) > int64(len(body)) {
				report.add("pack %s: blob %s extends past pack body", pid, b.ID)
				continue
			}
			plaintext, err := repo.Store.ReadBlob(ctx, pid, b.Kind == pack.Tree, int64(b.Offset), int64(b.Length), b.UncompressedLength)
			if err != nil {
				report.add("pack %s: blob %s: read failed: %v", pid, b.ID, err)
				continue
			}
			if got := id.Hash(plaintext); got != b.ID {
				report.add("pack %s: blob %s hash mismatch, computed %s", pid, b.ID, got)
			}
		}
	}
	return nil
}

// sameBlobSet reports whether the on-disk header entries and the index's
// blob list describe the same set of (id, kind, offset, length), ignoring
// order.
func sameBlobSet(onDisk []pack.HeaderEntry, indexed []index.BlobEntry) bool {
	if len(onDisk) != len(indexed) {
		return false
	}
	byID := make(map[id.Id]pack.HeaderEntry, len(onDisk))
	for _, h := range onDisk {
		byID[h.ID] = h
	}
	for _, b := range indexed {
		h, ok := byID[b.ID]
		if !ok {
			return false
		}
		if h.Kind != b.Kind() || h.Offset != b.Offset || h.Length != b.Length || h.UncompressedLength != b.UncompressedLength {
			return false
		}
	}
	return true
}
