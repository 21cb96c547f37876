// Package prune implements the repository's cleanup pass: classifying
// every pack as used/unused/duplicate against the union of reachable
// snapshot blobs, deciding which packs to keep, repack, or delete, and
// rewriting indexes so the repository never references a removed pack.
// Follows the fixed step order of spec.md §4.13.
package prune

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"rustic/backend"
	"rustic/id"
	"rustic/index"
	"rustic/pack"
	"rustic/repository"
	"rustic/tree"
)

// Options collects every tunable of a prune run, mirroring the teacher's
// flat options-struct style.
type Options struct {
	DryRun              bool
	InstantDelete       bool
	RepackCacheableOnly bool
	RepackUncompressed  bool

	// KeepPack is the minimum age an unused live pack must reach before
	// it is scheduled for deletion; younger unused packs are kept as-is.
	KeepPack time.Duration
	// KeepDelete is the quarantine period a tombstoned pack must sit in
	// packs_to_delete before it is physically removed.
	KeepDelete time.Duration

	// MaxRepackBytes bounds total bytes repacked in one run (0 = unbounded).
	MaxRepackBytes uint64
	// MaxUnusedBytes is the budget of unused bytes tolerated after
	// pruning; repack candidates are promoted while this would be
	// exceeded (0 = repack as much as the ratio sort recommends).
	MaxUnusedBytes uint64

	// IgnoreSnapshots excludes these snapshot ids from the used-blob walk,
	// as if they no longer existed (for recovering from a snapshot whose
	// tree is itself corrupt).
	IgnoreSnapshots map[id.Id]struct{}

	Sizer pack.Sizer

	Now time.Time
	Log *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

// Stats summarizes one prune run for reporting, mirroring the shape of
// restic's PruneStats.
type Stats struct {
	BlobsUsed, BlobsDuplicate, BlobsUnused                     uint64
	SizeUsed, SizeDuplicate, SizeUnused                        uint64
	SizeRemove, SizeRepack, SizeRepackrm, SizeUnref            uint64
	PacksKeep, PacksRepack, PacksRemove, PacksUnref, PacksUnused uint
}

type decision int

const (
	decKeep decision = iota
	decMarkDelete
	decRepackCandidate // provisional; resolved to decRepack or decKeep by decideRepack
	decRepack
	decKeepMarked
	decDelete
	decRecover
)

// PackInfo is one pack's blob-level classification, per spec.md §4.13
// step 5.
type PackInfo struct {
	ID         id.Id
	Kind       pack.BlobKind
	Mixed      bool // pack contains both Data and Tree blobs
	Tombstoned bool
	Time       *time.Time // creation time (live) or tombstone time (tombstoned)
	Size       uint64
	Compressed bool // every blob in the pack carries a nonzero UncompressedLength

	UsedBlobs, UnusedBlobs     int
	UsedSize, UnusedSize       uint64
}

func (p PackInfo) age(now time.Time) time.Duration {
	if p.Time == nil {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(*p.Time)
}

// Plan is the result of classifying and deciding every pack; Execute
// carries it out.
type Plan struct {
	repo *repository.Repository
	opts Options
	log  *zap.SugaredLogger

	infos       map[id.Id]PackInfo
	decisions   map[id.Id]decision
	packEntries map[id.Id]index.PackEntry
	indexFiles  map[id.Id]index.File
	rewrite     map[id.Id]bool
	claims      map[id.Id]id.Id // used blob id -> the single pack id that keeps it

	Stats Stats
}

// Prepare reads the repository's current state, classifies every pack, and
// decides what to keep, repack, or delete, without mutating anything.
func Prepare(ctx context.Context, repo *repository.Repository, opts Options) (*Plan, error) {
	log := opts.logger()
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Sizer == (pack.Sizer{}) {
		opts.Sizer = pack.DefaultSizer()
	}

	// Step 1: read all IndexFiles, keeping tombstoned packs resolvable.
	collector, files, err := index.CollectAll(ctx, repo.Store, index.OnlyTrees, true)
	if err != nil {
		return nil, fmt.Errorf("prune: read index: %w", err)
	}
	resolver := &tree.Resolver{Index: collector.Finalize(), Store: repo.Store}

	// Step 2: find used blobs by walking every non-ignored snapshot.
	used, err := collectUsedIDs(ctx, repo, resolver, opts.IgnoreSnapshots)
	if err != nil {
		return nil, err
	}

	// Steps 3+5: classify every pack's blobs, assigning each used id to
	// exactly one pack (tombstoned pass first, live pass second; a live
	// duplicate reclaims the assignment from a tombstoned pack).
	tombstoned, live, packEntries := splitPackRecords(files)
	infos, claims, err := classify(used, tombstoned, live)
	if err != nil {
		return nil, err
	}
	totalByKind := totalBytesByKind(tombstoned, live)

	// Step 4: list existing packs on disk.
	existing, err := repo.Store.Store().ListWithSize(ctx, backend.Pack)
	if err != nil {
		return nil, fmt.Errorf("prune: list packs: %w", err)
	}
	existingSize := make(map[id.Id]uint64, len(existing))
	for _, e := range existing {
		existingSize[e.ID] = uint64(e.Size)
	}

	stats := Stats{}
	for _, pi := range infos {
		stats.BlobsUsed += uint64(pi.UsedBlobs)
		stats.SizeUsed += pi.UsedSize
		stats.BlobsUnused += uint64(pi.UnusedBlobs)
		stats.SizeUnused += pi.UnusedSize
	}

	// Unreferenced-pack detection: anything on disk with no index entry
	// at all is removed first, unconditionally.
	unref := make(map[id.Id]struct{})
	for pid := range existingSize {
		if _, ok := infos[pid]; !ok {
			unref[pid] = struct{}{}
		}
	}

	// Step 6: decide per pack.
	decisions, repackCandidates := decidePacks(infos, opts, totalByKind)

	// removedSoFar seeds decideRepack's unused-budget math with the bytes
	// already slated for removal by step 6, before any candidate is
	// promoted to Repack.
	var removedSoFar uint64
	for pid, dec := range decisions {
		if dec == decMarkDelete || dec == decDelete {
			removedSoFar += infos[pid].UnusedSize
		}
	}

	// Step 7: decide which repack candidates are actually worth repacking.
	decisions = decideRepack(repackCandidates, decisions, opts, stats.SizeUnused, removedSoFar)

	// Step 8: cross-check against packs actually on disk.
	for pid, dec := range decisions {
		if dec != decKeep && dec != decRecover && dec != decRepack {
			continue
		}
		size, ok := existingSize[pid]
		if !ok {
			return nil, fmt.Errorf("prune: pack %s referenced by index but missing on disk", pid)
		}
		if size != infos[pid].Size {
			return nil, fmt.Errorf("prune: pack %s size mismatch: index says %d, disk has %d", pid, infos[pid].Size, size)
		}
	}

	for pid := range unref {
		stats.SizeUnref += existingSize[pid]
	}
	stats.PacksUnref = uint(len(unref))

	for pid, dec := range decisions {
		switch dec {
		case decKeep, decRecover:
			stats.PacksKeep++
		case decRepack:
			stats.PacksRepack++
			info := infos[pid]
			stats.SizeRepack += info.Size
			stats.SizeRepackrm += info.UnusedSize
		case decMarkDelete, decDelete:
			stats.PacksRemove++
			stats.SizeRemove += infos[pid].UnusedSize
		}
	}

	// Step 9: filter index files that need rewriting.
	rewrite := filterIndexFiles(files, decisions, opts.InstantDelete)

	p := &Plan{
		repo:        repo,
		opts:        opts,
		log:         log,
		infos:       infos,
		decisions:   decisions,
		packEntries: packEntries,
		indexFiles:  files,
		rewrite:     rewrite,
		claims:      claims,
		Stats:       stats,
	}
	for pid := range unref {
		p.decisions[pid] = decDelete
		p.packEntries[pid] = index.PackEntry{ID: pid}
	}
	log.Infow("prune planned", "keep", stats.PacksKeep, "repack", stats.PacksRepack, "remove", stats.PacksRemove, "unref", stats.PacksUnref)
	return p, nil
}

// collectUsedIDs walks every non-ignored snapshot's tree and records every
// File content id and Dir subtree id it reaches, initializing a zero
// count for each (spec.md §4.13 step 2).
func collectUsedIDs(ctx context.Context, repo *repository.Repository, resolver *tree.Resolver, ignore map[id.Id]struct{}) (map[id.Id]struct{}, error) {
	snaps, err := repo.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("prune: list snapshots: %w", err)
	}

	used := make(map[id.Id]struct{})
	roots := make(map[string]id.Id)
	for _, s := range snaps {
		if s.Err != nil {
			return nil, fmt.Errorf("prune: read snapshot %s: %w", s.ID, s.Err)
		}
		if _, skip := ignore[s.ID]; skip {
			continue
		}
		roots[s.ID.String()] = s.File.Tree
		used[s.File.Tree] = struct{}{}
	}

	streamer := tree.NewTreeStreamer(resolver, 8)
	for entry := range streamer.Walk(ctx, roots) {
		if entry.Err != nil {
			return nil, fmt.Errorf("prune: walk snapshot tree: %w", entry.Err)
		}
		for _, n := range entry.Tree {
			switch n.Kind {
			case tree.Dir:
				if n.Subtree != nil {
					used[*n.Subtree] = struct{}{}
				}
			case tree.File:
				for _, c := range n.Content {
					used[c] = struct{}{}
				}
			}
		}
	}
	return used, nil
}

type packRecord struct {
	entry      index.PackEntry
	tombstoned bool
}

// splitPackRecords folds every IndexFile's Packs and PacksToDelete into
// flat tombstoned/live pack-record lists, deduplicating by pack id (a pack
// id present in more than one file is kept by whichever record is seen
// last; step 9's rewrite criteria catches affected files regardless, since
// any pack without a Keep decision forces its index file to be rewritten).
func splitPackRecords(files map[id.Id]index.File) (tombstoned, live []packRecord, byID map[id.Id]index.PackEntry) {
	byID = make(map[id.Id]index.PackEntry)
	tomb := make(map[id.Id]index.PackEntry)
	liveM := make(map[id.Id]index.PackEntry)

	for _, f := range files {
		for _, p := range f.PacksToDelete {
			tomb[p.ID] = p
		}
	}
	for _, f := range files {
		for _, p := range f.Packs {
			liveM[p.ID] = p
			delete(tomb, p.ID) // a live entry anywhere overrides a tombstoned one
		}
	}

	for id, p := range tomb {
		tombstoned = append(tombstoned, packRecord{entry: p, tombstoned: true})
		byID[id] = p
	}
	for id, p := range liveM {
		live = append(live, packRecord{entry: p, tombstoned: false})
		byID[id] = p
	}
	return tombstoned, live, byID
}

// totalBytesByKind sums every blob's length by kind across the whole
// collected index (tombstoned and live alike), giving the growth-curve
// input PackSizer needs: the repository's total bytes so far per blob
// kind, independent of which packs end up used or unused.
func totalBytesByKind(tombstoned, live []packRecord) map[pack.BlobKind]uint64 {
	totals := make(map[pack.BlobKind]uint64, 2)
	sum := func(records []packRecord) {
		for _, r := range records {
			for _, b := range r.entry.Blobs {
				totals[b.Kind()] += uint64(b.Length)
			}
		}
	}
	sum(tombstoned)
	sum(live)
	return totals
}

// classify assigns each used blob id to exactly one pack and tallies
// used/unused/duplicate blobs and bytes per pack, per spec.md §4.13 steps
// 3 and 5. Tombstoned packs are processed first so a live duplicate can
// reclaim the "used" assignment from a tombstoned one.
func classify(used map[id.Id]struct{}, tombstoned, live []packRecord) (map[id.Id]PackInfo, map[id.Id]id.Id, error) {
	type claim struct {
		pack       id.Id
		tombstoned bool
	}
	assigned := make(map[id.Id]claim, len(used))

	assign := func(blobID, packID id.Id, fromTombstoned bool) {
		if c, ok := assigned[blobID]; ok {
			if fromTombstoned || !c.tombstoned {
				return
			}
			// live pass reclaiming from a tombstoned assignment
		}
		assigned[blobID] = claim{pack: packID, tombstoned: fromTombstoned}
	}

	for _, r := range tombstoned {
		for _, b := range r.entry.Blobs {
			if _, ok := used[b.ID]; ok {
				assign(b.ID, r.entry.ID, true)
			}
		}
	}
	for _, r := range live {
		for _, b := range r.entry.Blobs {
			if _, ok := used[b.ID]; ok {
				assign(b.ID, r.entry.ID, false)
			}
		}
	}

	claims := make(map[id.Id]id.Id, len(assigned))
	for blobID := range used {
		c, ok := assigned[blobID]
		if !ok {
			return nil, nil, fmt.Errorf("prune: used blob %s not found in any pack", blobID)
		}
		claims[blobID] = c.pack
	}

	infos := make(map[id.Id]PackInfo)
	classifyList := func(records []packRecord, tomb bool) {
		for _, r := range records {
			info := infos[r.entry.ID]
			info.ID = r.entry.ID
			info.Tombstoned = tomb
			info.Time = r.entry.Time
			if r.entry.Size != nil {
				info.Size = *r.entry.Size
			}
			info.Kind = pack.Data
			info.Compressed = true
			seenKind := false
			for i, b := range r.entry.Blobs {
				kind := b.Kind()
				if i == 0 {
					info.Kind = kind
					seenKind = true
				} else if seenKind && kind != info.Kind {
					info.Mixed = true
				}
				if b.UncompressedLength == 0 {
					info.Compressed = false
				}
				c := assigned[b.ID]
				if c.pack == r.entry.ID {
					info.UsedBlobs++
					info.UsedSize += uint64(b.Length)
				} else {
					info.UnusedBlobs++
					info.UnusedSize += uint64(b.Length)
				}
			}
			infos[r.entry.ID] = info
		}
	}
	classifyList(tombstoned, true)
	classifyList(live, false)
	return infos, claims, nil
}

// decidePacks applies spec.md §4.13 step 6 to every pack, returning the
// per-pack decision and the subset that are candidates for repacking
// (still to be filtered by decideRepack's budget). totalByKind is each
// blob kind's total indexed bytes, the growth-curve input to
// opts.Sizer.SizeOK.
func decidePacks(infos map[id.Id]PackInfo, opts Options, totalByKind map[pack.BlobKind]uint64) (map[id.Id]decision, []PackInfo) {
	decisions := make(map[id.Id]decision, len(infos))
	var candidates []PackInfo

	for pid, info := range infos {
		switch {
		case info.Tombstoned && info.UsedBlobs == 0:
			if info.age(opts.Now) >= opts.KeepDelete {
				decisions[pid] = decDelete
			} else {
				decisions[pid] = decKeepMarked
			}

		case info.Tombstoned:
			// any used blob in a tombstoned pack recovers it to live
			decisions[pid] = decRecover

		case info.UsedBlobs == 0:
			if info.age(opts.Now) < opts.KeepPack {
				decisions[pid] = decKeep
			} else {
				decisions[pid] = decMarkDelete
			}

		case info.UnusedBlobs == 0:
			sizeMismatch := !opts.Sizer.SizeOK(info.Size, totalByKind[info.Kind])
			needsRepack := info.Mixed ||
				(opts.RepackUncompressed && !info.Compressed) ||
				sizeMismatch
			if needsRepack {
				decisions[pid] = decRepackCandidate
				candidates = append(candidates, info)
			} else {
				decisions[pid] = decKeep
			}

		default: // partially used
			if opts.RepackCacheableOnly && info.Kind == pack.Data {
				decisions[pid] = decKeep
			} else {
				decisions[pid] = decRepackCandidate
				candidates = append(candidates, info)
			}
		}
	}
	return decisions, candidates
}

// decideRepack applies spec.md §4.13 step 7: sort candidates (tree packs
// first, then by unused/used ratio descending) and promote to Repack
// while the repack-byte and unused-after-prune budgets allow.
func decideRepack(candidates []PackInfo, decisions map[id.Id]decision, opts Options, totalUnused, removedSoFar uint64) map[id.Id]decision {
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		if pi.Kind != pj.Kind {
			return pi.Kind == pack.Tree
		}
		// unused[i]/used[i] > unused[j]/used[j], cross-multiplied to
		// avoid floating point.
		li := uint64(pi.UnusedSize) * (pj.UsedSize + 1)
		lj := uint64(pj.UnusedSize) * (pi.UsedSize + 1)
		return li > lj
	})

	maxUnused := opts.MaxUnusedBytes
	if opts.RepackUncompressed {
		maxUnused = 0
	}

	var repackedBytes uint64
	for _, info := range candidates {
		removed := removedSoFar + repackedBytes
		var unusedAfter uint64
		if totalUnused > removed {
			unusedAfter = totalUnused - removed
		}
		reachedRepackSize := opts.MaxRepackBytes != 0 && repackedBytes+info.Size >= opts.MaxRepackBytes
		reachedUnusedBudget := unusedAfter < maxUnused

		switch {
		case reachedRepackSize:
			decisions[info.ID] = decKeep
		case info.Kind == pack.Tree || info.Mixed:
			decisions[info.ID] = decRepack
			repackedBytes += info.Size
		case reachedUnusedBudget:
			decisions[info.ID] = decKeep
		default:
			decisions[info.ID] = decRepack
			repackedBytes += info.Size
		}
	}
	return decisions
}

// filterIndexFiles applies spec.md §4.13 step 9: an index is rewritten if
// any of its packs did not decide Keep/KeepMarked (instant-delete mode
// also forces a rewrite for KeepMarked packs), or it holds fewer than the
// compaction threshold of blobs. If exactly one index qualifies only by
// the size criterion, it is skipped to avoid needless churn.
const compactionThreshold = 10_000

func filterIndexFiles(files map[id.Id]index.File, decisions map[id.Id]decision, instantDelete bool) map[id.Id]bool {
	rewrite := make(map[id.Id]bool, len(files))
	onlySmall := make(map[id.Id]bool, len(files))

	for fid, f := range files {
		blobCount := 0
		needsRewrite := false
		for _, p := range f.Packs {
			blobCount += len(p.Blobs)
			if dec := decisions[p.ID]; dec != decKeep && dec != decRecover {
				needsRewrite = true
			}
		}
		for _, p := range f.PacksToDelete {
			blobCount += len(p.Blobs)
			dec := decisions[p.ID]
			if dec == decKeepMarked && !instantDelete {
				continue
			}
			needsRewrite = true
		}

		if needsRewrite {
			rewrite[fid] = true
			continue
		}
		if blobCount < compactionThreshold {
			onlySmall[fid] = true
		}
	}

	if len(onlySmall) == 1 {
		return rewrite
	}
	for fid := range onlySmall {
		rewrite[fid] = true
	}
	return rewrite
}
