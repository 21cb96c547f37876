package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"rustic/backend"
	"rustic/chunker"
	"rustic/id"
	"rustic/index"
	"rustic/pack"
	"rustic/repository"
	"rustic/tree"
)

// Archiver drives one backup run: a lockstep walk of a Source against an
// optional parent snapshot's tree, content-defined chunking of changed
// file data, and concurrent packing of both data and tree blobs, per
// spec.md §4.10 and the concurrency model in §5.
type Archiver struct {
	repo       *repository.Repository
	source     Source
	resolver   *tree.Resolver
	idx        *index.Index
	indexer    *index.Indexer
	chunkerPol chunker.Pol

	dataPacker *pack.Packer
	treePacker *pack.Packer

	sem chan struct{} // bounds concurrent chunk seal/encrypt work

	counters counters

	log *zap.SugaredLogger
}

// Options configures one archiver run.
type Options struct {
	Workers int // bounds concurrent chunk-sealing goroutines; 0 selects a default
	Logger  *zap.SugaredLogger
}

// New builds an Archiver over repo, reading its current index (Reindex
// must have already been called) and wiring a pair of Packers sized per
// repo's Sizer defaults.
func New(repo *repository.Repository, source Source, opts Options) (*Archiver, error) {
	idx := repo.Index()
	if idx == nil {
		return nil, fmt.Errorf("archiver: repository has no loaded index, call Reindex first")
	}
	pol, err := chunker.ParsePolynomial(repo.Config.ChunkerPolynomial)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	sizer := pack.DefaultSizer()
	publisher := backend.PackPublisher{Store: repo.Store.Store()}
	dataPacker := pack.NewPacker(pack.Data, repo.Store, repo.Store.Key(), publisher, sizer)
	treePacker := pack.NewPacker(pack.Tree, repo.Store, repo.Store.Key(), publisher, sizer)

	a := &Archiver{
		repo:       repo,
		source:     source,
		resolver:   &tree.Resolver{Index: idx, Store: repo.Store},
		idx:        idx,
		indexer:    index.NewIndexer(repo.Store),
		chunkerPol: pol,
		dataPacker: dataPacker,
		treePacker: treePacker,
		sem:        make(chan struct{}, workers),
		log:        log,
	}
	return a, nil
}

func (a *Archiver) alreadyHasData(blobID id.Id) bool { return a.idx.HasData(blobID) }
func (a *Archiver) alreadyHasTree(blobID id.Id) bool { return a.idx.HasTree(blobID) }

// maybeFinalizeDataPack closes the current data pack and records it with
// the shared Indexer once it crosses the Sizer's target, per spec.md §4.6.
func (a *Archiver) maybeFinalizeDataPack(ctx context.Context) error {
	total := a.dataPacker.Total() + a.treePacker.Total()
	if !a.dataPacker.ShouldFinalize(total) {
		return nil
	}
	info, ok, err := a.dataPacker.Finalize()
	if err != nil {
		return fmt.Errorf("archiver: finalize data pack: %w", err)
	}
	if !ok {
		return nil
	}
	return a.indexer.Add(ctx, info)
}

func (a *Archiver) maybeFinalizeTreePack(ctx context.Context) error {
	total := a.dataPacker.Total() + a.treePacker.Total()
	if !a.treePacker.ShouldFinalize(total) {
		return nil
	}
	info, ok, err := a.treePacker.Finalize()
	if err != nil {
		return fmt.Errorf("archiver: finalize tree pack: %w", err)
	}
	if !ok {
		return nil
	}
	return a.indexer.Add(ctx, info)
}

// Run archives path under label, optionally reusing parentID's tree as a
// comparison baseline, and returns the resulting Snapshot's id.
func (a *Archiver) Run(ctx context.Context, hostname, label string, paths []string, tags []string, parentID *id.Id) (id.Id, error) {
	start := time.Now()
	a.log.Infow("backup started", "paths", paths, "parent", parentID)

	var parent *repository.Snapshot
	if parentID != nil {
		snap, err := a.repo.GetSnapshot(ctx, *parentID)
		if err != nil {
			return id.Id{}, fmt.Errorf("archiver: load parent snapshot: %w", err)
		}
		parent = &snap
	}

	var parentRoots map[string]tree.Node
	if parent != nil {
		parentTree, err := a.resolver.FetchTree(ctx, parent.Tree)
		if err == nil {
			parentRoots = nodesByName(parentTree)
		}
	}

	rootNodes := make(map[string]tree.Node, len(paths))
	for _, p := range paths {
		rootMatch, hasRootMatch := parentRoots[path.Base(p)]

		var parentNodes map[string]tree.Node
		if hasRootMatch && rootMatch.Kind == tree.Dir && rootMatch.Subtree != nil {
			rootParentTree, err := a.resolver.FetchTree(ctx, *rootMatch.Subtree)
			if err == nil {
				parentNodes = nodesByName(rootParentTree)
			}
		}
		subID, err := a.buildDir(ctx, p, parentNodes)
		if err != nil {
			return id.Id{}, fmt.Errorf("archiver: walk %s: %w", p, err)
		}
		rootNodes[p] = tree.Node{Name: path.Base(p), Kind: tree.Dir, Subtree: &subID}
	}

	rootTree := make(tree.Tree, 0, len(rootNodes))
	for _, p := range paths {
		rootTree = append(rootTree, rootNodes[p])
	}
	rootPlain, err := json.Marshal(rootTree)
	if err != nil {
		return id.Id{}, fmt.Errorf("archiver: encode root tree: %w", err)
	}
	rootID := id.Hash(rootPlain)
	if !a.alreadyHasTree(rootID) {
		if _, err := a.treePacker.Add(rootPlain, rootID); err != nil {
			return id.Id{}, fmt.Errorf("archiver: pack root tree: %w", err)
		}
		a.counters.treeBlobs++
	}

	if err := a.flushFinal(ctx); err != nil {
		return id.Id{}, err
	}
	if _, err := a.indexer.Finalize(ctx); err != nil {
		return id.Id{}, fmt.Errorf("archiver: finalize index: %w", err)
	}

	end := time.Now()
	summary := &repository.Summary{
		FilesNew:            a.counters.filesNew,
		FilesChanged:        a.counters.filesChanged,
		FilesUnmodified:     a.counters.filesUnmodified,
		DirsNew:             a.counters.dirsNew,
		DirsChanged:         a.counters.dirsChanged,
		DirsUnmodified:      a.counters.dirsUnmodified,
		DataBlobs:           a.counters.dataBlobs,
		TreeBlobs:           a.counters.treeBlobs,
		DataAddedRaw:        a.counters.dataAddedRaw,
		DataAddedPacked:     a.dataPacker.Total(),
		TotalBytesProcessed: a.counters.totalBytesProcessed,
		BackupStart:         start,
		BackupEnd:           end,
	}

	snap := repository.Snapshot{
		Time:     start,
		Hostname: hostname,
		Label:    label,
		Paths:    paths,
		Tags:     tags,
		Parent:   parentID,
		Tree:     rootID,
		Summary:  summary,
	}
	snapID, err := a.repo.SaveSnapshot(ctx, snap)
	if err != nil {
		return id.Id{}, err
	}
	a.log.Infow("backup finished", "snapshot", snapID, "duration", end.Sub(start))
	return snapID, nil
}

// flushFinal finalizes both packers unconditionally (not just when over
// the size target), run at the end of a backup so nothing stays buffered.
func (a *Archiver) flushFinal(ctx context.Context) error {
	if info, ok, err := a.dataPacker.Finalize(); err != nil {
		return fmt.Errorf("archiver: final data pack: %w", err)
	} else if ok {
		if err := a.indexer.Add(ctx, info); err != nil {
			return err
		}
	}
	if info, ok, err := a.treePacker.Finalize(); err != nil {
		return fmt.Errorf("archiver: final tree pack: %w", err)
	} else if ok {
		if err := a.indexer.Add(ctx, info); err != nil {
			return err
		}
	}
	return nil
}
