package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rustic/backend"
	"rustic/index"
	"rustic/id"
)

// Resolver fetches a Tree blob's content given its id, composing an
// index.Index lookup with a backend.DecryptStore ranged read. It is the
// blob-fetch seam TreeStreamer and the archiver's parent walk both need.
type Resolver struct {
	Index *index.Index
	Store *backend.DecryptStore
}

// FetchTree resolves treeID to its pack location, reads and decrypts the
// blob, and verifies its content hash before JSON-decoding it.
func (r *Resolver) FetchTree(ctx context.Context, treeID id.Id) (Tree, error) {
	entry, ok := r.Index.GetTree(treeID)
	if !ok {
		return nil, fmt.Errorf("tree: %s not found in index", treeID)
	}
	plaintext, err := r.Store.ReadBlob(ctx, entry.PackID, true, int64(entry.Offset), int64(entry.Length), entry.UncompressedLength)
	if err != nil {
		return nil, fmt.Errorf("tree: fetch %s: %w", treeID, err)
	}
	if got := id.Hash(plaintext); got != treeID {
		return nil, fmt.Errorf("tree: %s hash mismatch: got %s", treeID, got)
	}
	var t Tree
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, fmt.Errorf("tree: decode %s: %w", treeID, err)
	}
	return t, nil
}

// ResolvePath walks component by component from root, following Dir
// subtrees, and returns the Tree id of the final component. An empty or
// "/" path returns root unchanged. Used by the "snap:path" form of ls and
// by restore.
func ResolvePath(ctx context.Context, fetcher Fetcher, root id.Id, path string) (id.Id, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return root, nil
	}

	cur := root
	for _, part := range strings.Split(path, "/") {
		t, err := fetcher.FetchTree(ctx, cur)
		if err != nil {
			return id.Id{}, err
		}
		found := false
		for _, n := range t {
			if n.Name != part {
				continue
			}
			if n.Kind != Dir || n.Subtree == nil {
				return id.Id{}, fmt.Errorf("tree: %q is not a directory", part)
			}
			cur = *n.Subtree
			found = true
			break
		}
		if !found {
			return id.Id{}, fmt.Errorf("tree: path %q not found", path)
		}
	}
	return cur, nil
}
