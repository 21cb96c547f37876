package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"rustic/chunker"
	"rustic/id"
	"rustic/tree"
)

// counters accumulates the archiver's per-run statistics under atomic ops,
// later copied into a repository.Summary.
type counters struct {
	filesNew, filesChanged, filesUnmodified uint64
	dirsNew, dirsChanged, dirsUnmodified    uint64
	dataBlobs, treeBlobs                    uint64
	dataAddedRaw, dataAddedPacked           uint64
	totalBytesProcessed                     uint64
}

// buildDir processes one directory level: lists its children, matches each
// against parentNodes (nil if there is no parent or the parent had no such
// directory), and returns the serialized subtree's content-address id.
func (a *Archiver) buildDir(ctx context.Context, path string, parentNodes map[string]tree.Node) (id.Id, error) {
	children, err := a.source.List(path)
	if err != nil {
		return id.Id{}, err
	}

	nodes := make([]tree.Node, len(children))
	errs := make([]error, len(children))

	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i int, child tree.Node) {
			defer wg.Done()
			match, hasMatch := parentNodes[child.Name]
			n, err := a.buildEntry(ctx, childPath(path, child.Name), child, match, hasMatch)
			nodes[i] = n
			errs[i] = err
		}(i, child)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return id.Id{}, e
		}
	}

	plaintext, err := json.Marshal(tree.Tree(nodes))
	if err != nil {
		return id.Id{}, fmt.Errorf("archiver: encode tree %s: %w", path, err)
	}
	treeID := id.Hash(plaintext)

	if !a.alreadyHasTree(treeID) {
		if _, err := a.treePacker.Add(plaintext, treeID); err != nil {
			return id.Id{}, fmt.Errorf("archiver: pack tree %s: %w", path, err)
		}
		atomic.AddUint64(&a.counters.treeBlobs, 1)
		if err := a.maybeFinalizeTreePack(ctx); err != nil {
			return id.Id{}, err
		}
	}
	return treeID, nil
}

// buildEntry resolves one child's Node: reuse-from-parent fast paths for
// Dir/File, direct materialization for Symlink/Special.
func (a *Archiver) buildEntry(ctx context.Context, path string, child tree.Node, match tree.Node, hasMatch bool) (tree.Node, error) {
	switch child.Kind {
	case tree.Dir:
		if hasMatch && match.Kind == tree.Dir && match.Subtree != nil && sameDirMeta(child, match) {
			atomic.AddUint64(&a.counters.dirsUnmodified, 1)
			reused := child
			reused.Subtree = match.Subtree
			return reused, nil
		}

		var childParentNodes map[string]tree.Node
		if hasMatch && match.Kind == tree.Dir && match.Subtree != nil {
			parentTree, err := a.resolver.FetchTree(ctx, *match.Subtree)
			if err == nil {
				childParentNodes = nodesByName(parentTree)
			}
		}
		subID, err := a.buildDir(ctx, path, childParentNodes)
		if err != nil {
			return tree.Node{}, err
		}
		child.Subtree = &subID
		if hasMatch && child.SameAs(match) {
			atomic.AddUint64(&a.counters.dirsUnmodified, 1)
		} else if hasMatch {
			atomic.AddUint64(&a.counters.dirsChanged, 1)
		} else {
			atomic.AddUint64(&a.counters.dirsNew, 1)
		}
		return child, nil

	case tree.File:
		if hasMatch && match.Kind == tree.File && sameFileMeta(child, match) {
			atomic.AddUint64(&a.counters.filesUnmodified, 1)
			reused := child
			reused.Content = match.Content
			return reused, nil
		}
		blobs, err := a.chunkAndPack(ctx, path)
		if err != nil {
			return tree.Node{}, err
		}
		child.Content = blobs
		if hasMatch && child.SameAs(match) {
			atomic.AddUint64(&a.counters.filesUnmodified, 1)
		} else if hasMatch {
			atomic.AddUint64(&a.counters.filesChanged, 1)
		} else {
			atomic.AddUint64(&a.counters.filesNew, 1)
		}
		return child, nil

	default: // Symlink, Device, Chardev, Fifo, Socket: no content
		return child, nil
	}
}

// sameFileMeta is the unmodified-file test: size and mtime must match.
// ctime and inode are not compared.
func sameFileMeta(a, b tree.Node) bool {
	if a.Size != b.Size {
		return false
	}
	if !sameTime(a.Mtime, b.Mtime) {
		return false
	}
	return true
}

// sameDirMeta applies the same mtime-based short-circuit to directories,
// letting the archiver skip re-walking a subtree whose listing hasn't
// changed since the parent snapshot (spec.md §4.10: "a Dir whose subtree
// is byte-identical to the parent's Dir is reused wholesale without
// re-walking its children").
func sameDirMeta(a, b tree.Node) bool {
	return sameTime(a.Mtime, b.Mtime)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func nodesByName(t tree.Tree) map[string]tree.Node {
	m := make(map[string]tree.Node, len(t))
	for _, n := range t {
		m[n.Name] = n
	}
	return m
}

func childPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// chunkAndPack streams path's content through the chunker, deduplicating
// against the current index and this run's already-added set, and returns
// the ordered list of data-blob ids per spec.md §4.10 step 2.
func (a *Archiver) chunkAndPack(ctx context.Context, path string) ([]id.Id, error) {
	f, err := a.source.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archiver: open %s: %w", path, err)
	}
	defer f.Close()

	var blobIDs []id.Id
	err = chunker.All(f, a.chunkerPol, func(c chunker.Chunk) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		blobID := id.Hash(c.Data)
		blobIDs = append(blobIDs, blobID)
		atomic.AddUint64(&a.counters.totalBytesProcessed, uint64(len(c.Data)))

		if a.alreadyHasData(blobID) {
			return nil
		}

		a.sem <- struct{}{}
		defer func() { <-a.sem }()

		added, err := a.dataPacker.Add(c.Data, blobID)
		if err != nil {
			return fmt.Errorf("archiver: pack chunk: %w", err)
		}
		if added {
			atomic.AddUint64(&a.counters.dataBlobs, 1)
			atomic.AddUint64(&a.counters.dataAddedRaw, uint64(len(c.Data)))
		}
		return a.maybeFinalizeDataPack(ctx)
	})
	if err != nil && err != io.EOF {
		return nil, err
	}
	return blobIDs, nil
}
