package tree

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rustic/id"
)

// Fetcher resolves a Tree blob's content by id. *Resolver implements it;
// tests substitute an in-memory fake.
type Fetcher interface {
	FetchTree(ctx context.Context, treeID id.Id) (Tree, error)
}

// Entry is one yielded (path, Tree) pair from a TreeStreamer walk.
type Entry struct {
	Path string
	Tree Tree
	Err  error
}

// NodeEntry is one yielded (path, Node) pair from a NodeStreamer walk. Err
// is set (with Node left zero) when the containing tree failed to fetch.
type NodeEntry struct {
	Path string
	Node Node
	Err  error
}

// TreeStreamer walks every Tree reachable from roots, de-duplicating
// already-visited tree ids (shared subtrees are fetched once), and yields
// results in depth-first order with children visited in the Tree's own
// (already lexicographic) order, per spec.md §4.11. Trees are fetched one
// at a time on the single walking goroutine; fetches do not run in
// parallel. Results are delivered over a channel the caller ranges over;
// cancel ctx to stop early.
type TreeStreamer struct {
	fetcher Fetcher
	workers int
}

// NewTreeStreamer constructs a streamer whose fetch semaphore has workers
// slots.
func NewTreeStreamer(fetcher Fetcher, workers int) *TreeStreamer {
	if workers <= 0 {
		workers = 8
	}
	return &TreeStreamer{fetcher: fetcher, workers: workers}
}

// Walk streams every (path, Tree) reachable from roots (each root keyed by
// its starting path, usually "/").
func (s *TreeStreamer) Walk(ctx context.Context, roots map[string]id.Id) <-chan Entry {
	out := make(chan Entry)

	go func() {
		defer close(out)

		var mu sync.Mutex
		visited := make(map[id.Id]struct{})
		sem := make(chan struct{}, s.workers)

		paths := make([]string, 0, len(roots))
		for p := range roots {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, p := range paths {
			s.walkOne(ctx, p, roots[p], &mu, visited, sem, out)
		}
	}()

	return out
}

// walkOne fetches one tree, yields it, and recurses into Dir children in
// order. Depth-first order is preserved by recursing synchronously per
// child; a sem slot is held only for the fetch itself, not while the
// children are walked.
func (s *TreeStreamer) walkOne(ctx context.Context, path string, treeID id.Id, mu *sync.Mutex, visited map[id.Id]struct{}, sem chan struct{}, out chan<- Entry) {
	mu.Lock()
	if _, seen := visited[treeID]; seen {
		mu.Unlock()
		return
	}
	visited[treeID] = struct{}{}
	mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	t, err := s.fetcher.FetchTree(ctx, treeID)
	<-sem
	select {
	case out <- Entry{Path: path, Tree: t, Err: err}:
	case <-ctx.Done():
		return
	}
	if err != nil {
		return
	}

	for _, n := range t {
		if n.Kind == Dir && n.Subtree != nil {
			s.walkOne(ctx, joinPath(path, n.Name), *n.Subtree, mu, visited, sem, out)
		}
	}
}

func joinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return fmt.Sprintf("%s/%s", parent, name)
}

// NodeStreamer flattens a TreeStreamer's output into (path, Node) tuples,
// per spec.md §4.11.
type NodeStreamer struct {
	trees *TreeStreamer
}

// NewNodeStreamer wraps a TreeStreamer.
func NewNodeStreamer(fetcher Fetcher, workers int) *NodeStreamer {
	return &NodeStreamer{trees: NewTreeStreamer(fetcher, workers)}
}

// Walk streams every Node under roots, in the same depth-first order
// TreeStreamer yields their containing trees.
func (s *NodeStreamer) Walk(ctx context.Context, roots map[string]id.Id) <-chan NodeEntry {
	out := make(chan NodeEntry)
	go func() {
		defer close(out)
		for entry := range s.trees.Walk(ctx, roots) {
			if entry.Err != nil {
				select {
				case out <- NodeEntry{Path: entry.Path, Err: entry.Err}:
				case <-ctx.Done():
				}
				continue
			}
			for _, n := range entry.Tree {
				select {
				case out <- NodeEntry{Path: joinPath(entry.Path, n.Name), Node: n}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
