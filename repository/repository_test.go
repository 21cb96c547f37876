package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/backend"
	"rustic/id"
)

func TestInitThenOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := backend.NewLocal(dir)

	repo, err := Init(ctx, store, "correct horse", true)
	require.NoError(t, err)
	require.Equal(t, 2, repo.Config.Version)

	reopened, err := Open(ctx, backend.NewLocal(dir), "correct horse")
	require.NoError(t, err)
	require.Equal(t, repo.Config.ID, reopened.Config.ID)
	require.Equal(t, repo.Config.ChunkerPolynomial, reopened.Config.ChunkerPolynomial)
}

func TestOpenWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := backend.NewLocal(dir)

	_, err := Init(ctx, store, "right password", false)
	require.NoError(t, err)

	_, err = Open(ctx, backend.NewLocal(dir), "wrong password")
	require.Error(t, err)
}

func TestSnapshotSaveGetRemove(t *testing.T) {
	ctx := context.Background()
	repo, err := Init(ctx, backend.NewLocal(t.TempDir()), "pw", false)
	require.NoError(t, err)

	snap := Snapshot{
		Time:     time.Now(),
		Hostname: "host1",
		Paths:    []string{"/data"},
		Tags:     []string{"nightly"},
	}
	snapID, err := repo.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	got, err := repo.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	require.Equal(t, snap.Hostname, got.Hostname)
	require.True(t, got.HasTag("nightly"))

	all, err := repo.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, repo.RemoveSnapshot(ctx, snapID))
	_, err = repo.GetSnapshot(ctx, snapID)
	require.Error(t, err)
}

func TestRetagSnapshot(t *testing.T) {
	ctx := context.Background()
	repo, err := Init(ctx, backend.NewLocal(t.TempDir()), "pw", false)
	require.NoError(t, err)

	snap := Snapshot{Time: time.Now(), Hostname: "h", Paths: []string{"/x"}, Tags: []string{"a", "b"}}
	snapID, err := repo.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	newID, err := repo.RetagSnapshot(ctx, snapID, []string{"c"}, []string{"a"}, nil)
	require.NoError(t, err)

	got, err := repo.GetSnapshot(ctx, newID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, got.Tags)

	_, err = repo.GetSnapshot(ctx, snapID)
	require.Error(t, err, "old snapshot id should be removed after retag")
}

func TestSnapshotDeletePolicy(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	never := Snapshot{Delete: &DeletePolicy{Kind: Never}}
	require.True(t, never.MustKeep(now))
	require.False(t, never.MustDelete(now))

	afterPast := Snapshot{Delete: &DeletePolicy{Kind: After, At: &past}}
	require.False(t, afterPast.MustKeep(now))
	require.True(t, afterPast.MustDelete(now))

	afterFuture := Snapshot{Delete: &DeletePolicy{Kind: After, At: &future}}
	require.True(t, afterFuture.MustKeep(now))
	require.False(t, afterFuture.MustDelete(now))
}

func TestCatConfig(t *testing.T) {
	ctx := context.Background()
	repo, err := Init(ctx, backend.NewLocal(t.TempDir()), "pw", false)
	require.NoError(t, err)

	raw, err := repo.Cat(ctx, backend.Config, id.Id{})
	require.NoError(t, err)
	require.Contains(t, string(raw), "chunker_polynomial")
}
