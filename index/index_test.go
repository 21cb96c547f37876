package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/backend"
	"rustic/crypto"
	"rustic/id"
	"rustic/pack"
)

func newTestStore(t *testing.T) *backend.DecryptStore {
	t.Helper()
	dir := t.TempDir()
	local := backend.NewLocal(dir)
	require.NoError(t, local.Create(context.Background()))
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	return backend.NewDecryptStore(local, key, false)
}

func sampleIndexPack(n int) pack.IndexPack {
	blobs := make([]pack.IndexBlob, n)
	var offset uint32
	for i := 0; i < n; i++ {
		data := []byte{byte(i), byte(i >> 8)}
		blobID := id.Hash(data)
		blobs[i] = pack.IndexBlob{ID: blobID, Kind: pack.Data, Offset: offset, Length: 32}
		offset += 32
	}
	return pack.IndexPack{ID: id.Hash([]byte{byte(n)}), Size: uint64(offset), Blobs: blobs}
}

func TestCollectorModes(t *testing.T) {
	p := sampleIndexPack(3)
	p.Blobs[1].Kind = pack.Tree

	entries := make([]BlobEntry, len(p.Blobs))
	for i, b := range p.Blobs {
		entries[i] = BlobEntry{ID: b.ID, Type: b.Kind.String(), Offset: b.Offset, Length: b.Length}
	}

	full := NewCollector(Full)
	full.AddPack(p.ID, entries)
	idx := full.Finalize()
	require.Equal(t, 3, idx.Len())
	require.True(t, idx.HasData(p.Blobs[0].ID))
	require.True(t, idx.HasTree(p.Blobs[1].ID))

	onlyTrees := NewCollector(OnlyTrees)
	onlyTrees.AddPack(p.ID, entries)
	idxOT := onlyTrees.Finalize()
	require.Equal(t, 1, idxOT.Len())
	require.True(t, idxOT.HasTree(p.Blobs[1].ID))
	require.False(t, idxOT.HasData(p.Blobs[0].ID))

	fullTrees := NewCollector(FullTrees)
	fullTrees.AddPack(p.ID, entries)
	idxFT := fullTrees.Finalize()
	require.Equal(t, 1, idxFT.Len())
	require.True(t, idxFT.HasTree(p.Blobs[1].ID))
	require.Contains(t, fullTrees.Packs(), p.ID)
}

func TestIndexerFlushOnThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ix := NewIndexer(store)

	require.NoError(t, ix.Add(ctx, sampleIndexPack(5)))

	big := sampleIndexPack(flushThreshold)
	require.NoError(t, ix.Add(ctx, big))

	ids, err := ix.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	c, files, err := CollectAll(ctx, store, Full, false)
	require.NoError(t, err)
	require.Len(t, files, 2)
	// sampleIndexPack derives blob ids from the loop index, so the first
	// pack's five ids recur in the second: flushThreshold distinct blobs.
	require.Equal(t, flushThreshold, c.Finalize().Len())
}

func TestIndexerAddRemoveTombstone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ix := NewIndexer(store)

	p := sampleIndexPack(2)
	require.NoError(t, ix.Add(ctx, p))
	require.NoError(t, ix.AddRemove(ctx, FromIndexPack(p, time.Now())))

	ids, err := ix.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	file, err := backend.GetFile[File](ctx, store, backend.Index, ids[0])
	require.NoError(t, err)
	require.Len(t, file.Packs, 1)
	require.Len(t, file.PacksToDelete, 1)
	require.Equal(t, p.ID, file.PacksToDelete[0].ID)
}

func TestCollectAllIncludesTombstonedWhenRequested(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ix := NewIndexer(store)

	p := sampleIndexPack(1)
	require.NoError(t, ix.AddRemove(ctx, FromIndexPack(p, time.Now())))
	_, err := ix.Finalize(ctx)
	require.NoError(t, err)

	_, _, err = CollectAll(ctx, store, Full, false)
	require.NoError(t, err)
	withTombstones, _, err := CollectAll(ctx, store, Full, true)
	require.NoError(t, err)
	require.True(t, withTombstones.Finalize().HasData(p.Blobs[0].ID))
}
