package merge

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/archiver"
	"rustic/backend"
	"rustic/id"
	"rustic/repository"
	"rustic/tree"
)

type memSource struct {
	dirs  map[string][]tree.Node
	files map[string][]byte
}

func (m *memSource) List(path string) ([]tree.Node, error) { return m.dirs[path], nil }
func (m *memSource) Open(path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.files[path])), nil
}

func backup(t *testing.T, ctx context.Context, repo *repository.Repository, mtime time.Time, name string, content []byte) (id.Id, repository.Snapshot) {
	t.Helper()
	source := &memSource{
		dirs: map[string][]tree.Node{
			"/data": {{Name: name, Kind: tree.File, Size: uint64(len(content)), Mtime: &mtime}},
		},
		files: map[string][]byte{"/data/" + name: content},
	}
	a, err := archiver.New(repo, source, archiver.Options{})
	require.NoError(t, err)
	snapID, err := a.Run(ctx, "host1", "", []string{"/data"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Reindex(ctx))
	snap, err := repo.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	return snapID, snap
}

func TestRunMergesDisjointFilesFromBothSnapshots(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.Init(ctx, backend.NewLocal(t.TempDir()), "pw", true)
	require.NoError(t, err)

	idA, snapA := backup(t, ctx, repo, time.Unix(1000, 0), "a.txt", []byte("from snapshot a"))
	idB, snapB := backup(t, ctx, repo, time.Unix(2000, 0), "b.txt", []byte("from snapshot b"))

	newID, err := Run(ctx, repo, []Input{{ID: idA, Snapshot: snapA}, {ID: idB, Snapshot: snapB}}, Options{})
	require.NoError(t, err)

	merged, err := repo.GetSnapshot(ctx, newID)
	require.NoError(t, err)

	// The merged trees were indexed by Run's own Indexer; reload so the
	// resolver can see them. The root holds the single "data" directory.
	require.NoError(t, repo.Reindex(ctx))
	resolver := &tree.Resolver{Index: repo.Index(), Store: repo.Store}
	top, err := resolver.FetchTree(ctx, merged.Tree)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "data", top[0].Name)
	require.NotNil(t, top[0].Subtree)
	data, err := resolver.FetchTree(ctx, *top[0].Subtree)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, n := range data {
		names[n.Name] = true
	}
	require.True(t, names["a.txt"])
	require.True(t, names["b.txt"])
	require.ElementsMatch(t, []string{"/data"}, merged.Paths)
}
