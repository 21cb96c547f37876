package backend

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"rustic/crypto"
	"rustic/id"
)

func newTestKey(t *testing.T) *crypto.Key {
	t.Helper()
	k, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocal(dir)
	require.NoError(t, store.Create(ctx))

	data := []byte("hello pack bytes")
	objID := id.Hash(data)

	require.NoError(t, store.WriteBytes(ctx, Pack, objID, false, data))

	err := store.WriteBytes(ctx, Pack, objID, false, data)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := store.ReadFull(ctx, Pack, objID)
	require.NoError(t, err)
	require.Equal(t, data, got)

	partial, err := store.ReadPartial(ctx, Pack, objID, false, 6, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("pack"), partial)

	entries, err := store.ListWithSize(ctx, Pack)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, objID, entries[0].ID)
	require.Equal(t, uint32(len(data)), entries[0].Size)

	require.NoError(t, store.Remove(ctx, Pack, objID, false))
	_, err = store.ReadFull(ctx, Pack, objID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalConfigIsSingleFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocal(dir)
	require.NoError(t, store.Create(ctx))

	cfg := []byte(`{"version":2}`)
	require.NoError(t, store.WriteBytes(ctx, Config, id.Id{}, false, cfg))

	got, err := store.ReadFull(ctx, Config, id.Id{})
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	require.NoError(t, os.WriteFile(dir+"/config.unrelated", []byte("noise"), 0o600))
	entries, err := store.ListWithSize(ctx, Config)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDecryptStorePlainRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	require.NoError(t, store.Create(ctx))
	ds := NewDecryptStore(store, newTestKey(t), false)

	type doc struct {
		Name string `json:"name"`
	}
	want := doc{Name: "snapshot-1"}
	newID, err := SaveFile(ctx, ds, Snapshot, true, want)
	require.NoError(t, err)

	got, err := GetFile[doc](ctx, ds, Snapshot, newID)
	require.NoError(t, err)
	require.Equal(t, want, got)

	raw, err := store.ReadFull(ctx, Snapshot, newID)
	require.NoError(t, err)
	plain, err := ds.Key().Decrypt(raw)
	require.NoError(t, err)
	require.Equal(t, byte('{'), plain[0])
}

func TestDecryptStoreZstdRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	require.NoError(t, store.Create(ctx))
	ds := NewDecryptStore(store, newTestKey(t), true)

	type doc struct {
		Data []byte `json:"data"`
	}
	want := doc{Data: []byte("some tree content worth compressing worth compressing worth compressing")}
	newID, err := SaveFile(ctx, ds, Snapshot, true, want)
	require.NoError(t, err)

	raw, err := store.ReadFull(ctx, Snapshot, newID)
	require.NoError(t, err)
	plain, err := ds.Key().Decrypt(raw)
	require.NoError(t, err)
	require.Equal(t, byte(compressedMarker), plain[0])

	got, err := GetFile[doc](ctx, ds, Snapshot, newID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecryptStoreSealOpenRoundTrip(t *testing.T) {
	ds := NewDecryptStore(nil, newTestKey(t), true)

	plaintext := []byte("blob content")
	ciphertext, uncLen, err := ds.Seal(plaintext)
	require.NoError(t, err)
	require.NotZero(t, uncLen)

	got, err := ds.Open(ciphertext, uncLen)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptStoreSealOpenUncompressed(t *testing.T) {
	ds := NewDecryptStore(nil, newTestKey(t), false)

	plaintext := []byte("blob content")
	ciphertext, uncLen, err := ds.Seal(plaintext)
	require.NoError(t, err)
	require.Zero(t, uncLen)

	got, err := ds.Open(ciphertext, uncLen)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestStreamAll(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	require.NoError(t, store.Create(ctx))
	ds := NewDecryptStore(store, newTestKey(t), false)

	type doc struct {
		N int `json:"n"`
	}
	want := map[id.Id]int{}
	for i := 0; i < 5; i++ {
		newID, err := SaveFile(ctx, ds, Snapshot, true, doc{N: i})
		require.NoError(t, err)
		want[newID] = i
	}

	results, err := StreamAll[doc](ctx, ds, Snapshot, 2)
	require.NoError(t, err)
	got := map[id.Id]int{}
	for r := range results {
		require.NoError(t, r.Err)
		got[r.ID] = r.File.N
	}
	require.Equal(t, want, got)
}

func TestCacheReadThroughAndWarm(t *testing.T) {
	ctx := context.Background()
	origin := NewLocal(t.TempDir())
	require.NoError(t, origin.Create(ctx))

	data := []byte("index contents")
	objID := id.Hash(data)
	require.NoError(t, origin.WriteBytes(ctx, Index, objID, true, data))

	cache, err := NewCache(origin, t.TempDir(), 10)
	require.NoError(t, err)

	got, err := cache.ReadFull(ctx, Index, objID)
	require.NoError(t, err)
	require.Equal(t, data, got)

	got2, err := cache.ReadFull(ctx, Index, objID)
	require.NoError(t, err)
	require.Equal(t, data, got2)
}

func TestCacheRemoveNotInListAndAudit(t *testing.T) {
	ctx := context.Background()
	origin := NewLocal(t.TempDir())
	require.NoError(t, origin.Create(ctx))
	cacheDir := t.TempDir()
	cache, err := NewCache(origin, cacheDir, 10)
	require.NoError(t, err)

	var keep id.Id
	for i, s := range []string{"keep-me", "drop-me"} {
		data := []byte(s)
		objID := id.Hash(data)
		require.NoError(t, origin.WriteBytes(ctx, Index, objID, true, data))
		_, err := cache.ReadFull(ctx, Index, objID)
		require.NoError(t, err)
		if i == 0 {
			keep = objID
		}
	}

	require.NoError(t, cache.RemoveNotInList(Index, map[id.Id]struct{}{keep: {}}))

	entries, err := os.ReadDir(cacheDir + "/index")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, keep.String(), entries[0].Name())

	mismatched, err := cache.Audit(ctx, Index)
	require.NoError(t, err)
	require.Empty(t, mismatched)
}

func TestCacheAuditDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	origin := NewLocal(t.TempDir())
	require.NoError(t, origin.Create(ctx))
	cacheDir := t.TempDir()
	cache, err := NewCache(origin, cacheDir, 10)
	require.NoError(t, err)

	data := []byte("authoritative bytes")
	objID := id.Hash(data)
	require.NoError(t, origin.WriteBytes(ctx, Index, objID, true, data))
	_, err = cache.ReadFull(ctx, Index, objID)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cacheDir+"/index/"+objID.String(), []byte("corrupted"), 0o600))

	mismatched, err := cache.Audit(ctx, Index)
	require.NoError(t, err)
	require.Equal(t, []id.Id{objID}, mismatched)
}
