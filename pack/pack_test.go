package pack_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rustic/crypto"
	"rustic/id"
	"rustic/pack"
)

// plainSealer is a test double that encrypts with a key but never
// compresses, matching backend.DecryptStore's uncompressed path.
type plainSealer struct {
	key *crypto.Key
}

func (s plainSealer) Seal(plaintext []byte) ([]byte, uint32, error) {
	ct, err := s.key.Encrypt(plaintext)
	return ct, 0, err
}

func (s plainSealer) Open(ciphertext []byte, uncompressedLen uint32) ([]byte, error) {
	return s.key.Decrypt(ciphertext)
}

type memPublisher struct {
	mu    sync.Mutex
	packs map[id.Id][]byte
}

func newMemPublisher() *memPublisher {
	return &memPublisher{packs: make(map[id.Id][]byte)}
}

func (m *memPublisher) PublishPack(packID id.Id, cacheable bool, packBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packs[packID] = packBytes
	return nil
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	entries := []pack.HeaderEntry{
		{Kind: pack.Data, ID: id.Hash([]byte("a")), Length: 100, Offset: 0},
		{Kind: pack.Tree, ID: id.Hash([]byte("b")), Length: 200, Offset: 100},
		{Kind: pack.Data, ID: id.Hash([]byte("c")), Length: 50, UncompressedLength: 80, Offset: 300},
	}
	encoded := pack.EncodeHeader(entries)
	decoded, err := pack.DecodeHeader(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i, e := range entries {
		assert.Equal(t, e, decoded[i])
	}
}

func TestPackerFinalizeProducesVerifiablePack(t *testing.T) {
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer := plainSealer{key: key}
	pub := newMemPublisher()

	packer := pack.NewPacker(pack.Data, sealer, key, pub, pack.DefaultSizer())

	blobs := [][]byte{[]byte("hello"), []byte("world"), []byte("!")}
	var ids []id.Id
	for _, b := range blobs {
		bid := id.Hash(b)
		ids = append(ids, bid)
		added, err := packer.Add(b, bid)
		require.NoError(t, err)
		assert.True(t, added)
	}

	info, ok, err := packer.Finalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, info.Blobs, 3)

	packBytes := pub.packs[info.ID]
	require.NotNil(t, packBytes)
	assert.Equal(t, id.Hash(packBytes), info.ID, "pack bytes must hash to their own id")

	err = pack.VerifyPack(packBytes, info.ID, key, sealer, info.Blobs)
	assert.NoError(t, err)
}

func TestPackerDedupWithinSession(t *testing.T) {
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer := plainSealer{key: key}
	pub := newMemPublisher()
	packer := pack.NewPacker(pack.Data, sealer, key, pub, pack.DefaultSizer())

	data := []byte("repeat me")
	bid := id.Hash(data)

	added1, err := packer.Add(data, bid)
	require.NoError(t, err)
	added2, err := packer.Add(data, bid)
	require.NoError(t, err)

	assert.True(t, added1)
	assert.False(t, added2)

	info, ok, err := packer.Finalize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, info.Blobs, 1)
}

func TestFinalizeEmptyPackerIsNoop(t *testing.T) {
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer := plainSealer{key: key}
	pub := newMemPublisher()
	packer := pack.NewPacker(pack.Data, sealer, key, pub, pack.DefaultSizer())

	_, ok, err := packer.Finalize()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPackDetectsCorruption(t *testing.T) {
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer := plainSealer{key: key}
	pub := newMemPublisher()
	packer := pack.NewPacker(pack.Data, sealer, key, pub, pack.DefaultSizer())

	data := []byte("corrupt me")
	bid := id.Hash(data)
	_, err = packer.Add(data, bid)
	require.NoError(t, err)

	info, ok, err := packer.Finalize()
	require.NoError(t, err)
	require.True(t, ok)

	packBytes := pub.packs[info.ID]
	corrupted := append([]byte(nil), packBytes...)
	corrupted[0] ^= 0xFF

	err = pack.VerifyPack(corrupted, info.ID, key, sealer, info.Blobs)
	assert.Error(t, err)
}

func TestSizerTargetSizeClamped(t *testing.T) {
	s := pack.DefaultSizer()
	assert.Equal(t, s.Min, s.TargetSize(0))
	assert.Equal(t, s.Max, s.TargetSize(s.GrowthFactor*1_000_000))
}

func TestSizerSizeOK(t *testing.T) {
	s := pack.DefaultSizer()
	target := s.TargetSize(0)
	assert.True(t, s.SizeOK(target, 0))
	assert.False(t, s.SizeOK(target*3, 0))
}

func TestPackerTotalAccumulates(t *testing.T) {
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer := plainSealer{key: key}
	pub := newMemPublisher()
	packer := pack.NewPacker(pack.Data, sealer, key, pub, pack.DefaultSizer())

	for i := 0; i < 3; i++ {
		data := []byte(fmt.Sprintf("blob-%d", i))
		_, err := packer.Add(data, id.Hash(data))
		require.NoError(t, err)
		_, ok, err := packer.Finalize()
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Greater(t, packer.Total(), uint64(0))
}
