// Package merge implements the merge command: combine several snapshots'
// trees into one new snapshot, resolving same-path conflicts by keeping
// whichever node was modified most recently. Grounded on
// original_source/src/commands/merge_cmd.rs, whose own tree-merge helper
// lives outside the indexed source range; the recursive union implemented
// here follows the same shape (directories merge by recursing into both
// sides, other kinds pick a winner by a comparator) using only the
// mtime-based comparator merge_cmd.rs itself passes in.
package merge

import (
	"context"
	"encoding/json"
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

// Input is one snapshot being folded into the merge, paired with its id so
// the caller can remove it afterward.
type Input struct {
	ID       id.Id
	Snapshot repository.Snapshot
}

// Options tunes one merge run.
type Options struct {
	// Delete removes every input snapshot (unless its delete-policy
	// forces retention) once the merge succeeds.
	Delete bool
	Log    *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

// Run merges every input's tree into one new snapshot and saves it. The
// repository's index must already be loaded.
func Run(ctx context.Context, repo *repository.Repository, inputs []Input, opts Options) (id.Id, error) {
	if len(inputs) == 0 {
		return id.Id{}, fmt.Errorf("merge: no snapshots given")
	}
	idx := repo.Index()
	if idx == nil {
		return id.Id{}, fmt.Errorf("merge: repository has no loaded index, call Reindex first")
	}
	log := opts.logger()

	resolver := &tree.Resolver{Index: idx, Store: repo.Store}
	publisher := backend.PackPublisher{Store: repo.Store.Store(), Ctx: ctx}
	packer := pack.NewPacker(pack.Tree, repo.Store, repo.Store.Key(), publisher, pack.DefaultSizer())
	indexer := index.NewIndexer(repo.Store)

	treeIDs := make([]id.Id, len(inputs))
	for i, in := range inputs {
		treeIDs[i] = in.Snapshot.Tree
	}

	mergedRoot, err := mergeTrees(ctx, resolver, idx, packer, indexer, treeIDs)
	if err != nil {
		return id.Id{}, err
	}
	if info, ok, err := packer.Finalize(); err != nil {
		return id.Id{}, fmt.Errorf("merge: finalize tree pack: %w", err)
	} else if ok {
		if err := indexer.Add(ctx, info); err != nil {
			return id.Id{}, fmt.Errorf("merge: index tree pack: %w", err)
		}
	}
	if _, err := indexer.Finalize(ctx); err != nil {
		return id.Id{}, fmt.Errorf("merge: finalize index: %w", err)
	}

	snap := buildSnapshot(inputs, mergedRoot)
	newID, err := repo.SaveSnapshot(ctx, snap)
	if err != nil {
		return id.Id{}, fmt.Errorf("merge: save snapshot: %w", err)
	}
	log.Infow("snapshots merged", "new", newID, "count", len(inputs))

	if opts.Delete {
		now := time.Now()
		for _, in := range inputs {
			if in.Snapshot.MustKeep(now) {
				continue
			}
			if err := repo.RemoveSnapshot(ctx, in.ID); err != nil {
				return newID, fmt.Errorf("merge: delete %s: %w", in.ID, err)
			}
		}
	}
	return newID, nil
}

// buildSnapshot derives the merged snapshot's metadata from its inputs:
// latest time, union of paths and tags, first hostname.
func buildSnapshot(inputs []Input, mergedRoot id.Id) repository.Snapshot {
	latest := inputs[0].Snapshot.Time
	pathSet := make(map[string]struct{})
	tagSet := make(map[string]struct{})
	for _, in := range inputs {
		if in.Snapshot.Time.After(latest) {
			latest = in.Snapshot.Time
		}
		for _, p := range in.Snapshot.Paths {
			pathSet[p] = struct{}{}
		}
		for _, t := range in.Snapshot.Tags {
			tagSet[t] = struct{}{}
		}
	}
	return repository.Snapshot{
		Time:     latest,
		Hostname: inputs[0].Snapshot.Hostname,
		Paths:    sortedKeys(pathSet),
		Tags:     sortedKeys(tagSet),
		Tree:     mergedRoot,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// mergeTrees unions the nodes of every tree in treeIDs, recursing into
// directories that appear under the same name in more than one tree, and
// otherwise keeping whichever same-named node carries the latest mtime.
// Merged trees are packed and returned by id; already-indexed trees are
// referenced, not re-packed.
func mergeTrees(ctx context.Context, resolver *tree.Resolver, idx *index.Index, packer *pack.Packer, indexer *index.Indexer, treeIDs []id.Id) (id.Id, error) {
	groups := make(map[string][]tree.Node)
	var order []string
	for _, tid := range treeIDs {
		t, err := resolver.FetchTree(ctx, tid)
		if err != nil {
			return id.Id{}, err
		}
		for _, n := range t {
			if _, ok := groups[n.Name]; !ok {
				order = append(order, n.Name)
			}
			groups[n.Name] = append(groups[n.Name], n)
		}
	}
	sort.Strings(order)

	merged := make(tree.Tree, 0, len(order))
	for _, name := range order {
		nodes := groups[name]
		if allDirs(nodes) && len(nodes) > 1 {
			subIDs := make([]id.Id, len(nodes))
			for i, n := range nodes {
				subIDs[i] = *n.Subtree
			}
			subRoot, err := mergeTrees(ctx, resolver, idx, packer, indexer, subIDs)
			if err != nil {
				return id.Id{}, err
			}
			winner := latestNode(nodes)
			winner.Subtree = &subRoot
			merged = append(merged, winner)
			if err := maybeFlush(ctx, packer, indexer); err != nil {
				return id.Id{}, err
			}
			continue
		}
		merged = append(merged, latestNode(nodes))
	}

	plaintext, err := json.Marshal(merged)
	if err != nil {
		return id.Id{}, fmt.Errorf("merge: encode tree: %w", err)
	}
	treeID := id.Hash(plaintext)
	if !idx.HasTree(treeID) {
		if _, err := packer.Add(plaintext, treeID); err != nil {
			return id.Id{}, fmt.Errorf("merge: pack tree: %w", err)
		}
		if err := maybeFlush(ctx, packer, indexer); err != nil {
			return id.Id{}, err
		}
	}
	return treeID, nil
}

func maybeFlush(ctx context.Context, packer *pack.Packer, indexer *index.Indexer) error {
	if !packer.ShouldFinalize(packer.Total()) {
		return nil
	}
	info, ok, err := packer.Finalize()
	if err != nil {
		return fmt.Errorf("merge: finalize tree pack: %w", err)
	}
	if !ok {
		return nil
	}
	return indexer.Add(ctx, info)
}

func allDirs(nodes []tree.Node) bool {
	for _, n := range nodes {
		if n.Kind != tree.Dir || n.Subtree == nil {
			return false
		}
	}
	return true
}

func latestNode(nodes []tree.Node) tree.Node {
	best := nodes[0]
	bestTime := nodeTime(best)
	for _, n := range nodes[1:] {
		if t := nodeTime(n); t.After(bestTime) {
			best, bestTime = n, t
		}
	}
	return best
}

func nodeTime(n tree.Node) time.Time {
	if n.Mtime != nil {
		return *n.Mtime
	}
	return time.Time{}
}
