package prune

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

func openTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.Init(ctx, backend.NewLocal(t.TempDir()), "pw", true)
	require.NoError(t, err)
	require.NoError(t, repo.Reindex(ctx))
	return repo
}

func backupOne(t *testing.T, ctx context.Context, repo *repository.Repository, name string, content []byte) id.Id {
	t.Helper()
	mtime := time.Unix(1000, 0)
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
	return snapID
}

func TestPruneKeepsEverythingWhenAllBlobsUsed(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	backupOne(t, ctx, repo, "a.txt", []byte("hello world"))

	plan, err := Prepare(ctx, repo, Options{Now: time.Now()})
	require.NoError(t, err)
	require.Zero(t, plan.Stats.PacksRemove)
	require.Zero(t, plan.Stats.BlobsUnused)

	require.NoError(t, plan.Execute(ctx))
}

func TestPruneRemovesUnreferencedPack(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	backupOne(t, ctx, repo, "a.txt", []byte("hello world"))

	strayID := id.Hash([]byte("not referenced by any index"))
	require.NoError(t, repo.Store.Store().WriteBytes(ctx, backend.Pack, strayID, false, []byte("garbage-pack-bytes-0000")))

	entries, err := repo.Store.Store().ListWithSize(ctx, backend.Pack)
	require.NoError(t, err)
	require.True(t, containsID(entries, strayID))

	plan, err := Prepare(ctx, repo, Options{Now: time.Now()})
	require.NoError(t, err)
	require.Equal(t, uint(1), plan.Stats.PacksUnref)

	require.NoError(t, plan.Execute(ctx))

	entries, err = repo.Store.Store().ListWithSize(ctx, backend.Pack)
	require.NoError(t, err)
	require.False(t, containsID(entries, strayID), "unreferenced pack should be removed by prune")
}

func TestPruneAfterSnapshotRemovalDropsOrphanedBlobs(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	snap1 := backupOne(t, ctx, repo, "a.txt", []byte("first snapshot content, unique bytes"))
	_ = backupOne(t, ctx, repo, "b.txt", []byte("second snapshot content, also unique"))

	require.NoError(t, repo.RemoveSnapshot(ctx, snap1))

	plan, err := Prepare(ctx, repo, Options{Now: time.Now(), KeepPack: 0})
	require.NoError(t, err)
	require.NoError(t, plan.Execute(ctx))

	require.NoError(t, repo.Reindex(ctx))
	snaps, err := repo.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	resolver := &tree.Resolver{Index: repo.Index(), Store: repo.Store}
	_, err = resolver.FetchTree(ctx, snaps[0].File.Tree)
	require.NoError(t, err, "surviving snapshot's tree must still resolve after prune")
}

func containsID(entries []backend.Entry, want id.Id) bool {
	for _, e := range entries {
		if e.ID == want {
			return true
		}
	}
	return false
}
