package chunker_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rustic/chunker"
)

func testPolynomial(t *testing.T) chunker.Pol {
	t.Helper()
	pol, err := chunker.RandomPolynomial()
	require.NoError(t, err)
	return pol
}

func TestPolynomialFormatParseRoundTrip(t *testing.T) {
	pol := testPolynomial(t)
	s := chunker.FormatPolynomial(pol)
	assert.Len(t, s, 16)

	got, err := chunker.ParsePolynomial(s)
	require.NoError(t, err)
	assert.Equal(t, pol, got)
}

func TestParsePolynomialRejectsBadLength(t *testing.T) {
	_, err := chunker.ParsePolynomial("abcd")
	assert.Error(t, err)
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	r := rand.New(rand.NewSource(42))
	_, err := r.Read(data)
	require.NoError(t, err)
	return data
}

func TestChunkBoundsAndReassembly(t *testing.T) {
	pol := testPolynomial(t)
	data := randomData(t, 4*chunker.MaxSize)

	var chunks [][]byte
	err := chunker.All(bytes.NewReader(data), pol, func(c chunker.Chunk) error {
		assert.LessOrEqual(t, int(c.Length), chunker.MaxSize)
		chunks = append(chunks, c.Data)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for i, c := range chunks {
		if i != len(chunks)-1 {
			assert.GreaterOrEqual(t, len(c), chunker.MinSize, "only the final chunk may be short")
		}
		reassembled = append(reassembled, c...)
	}
	assert.Equal(t, data, reassembled)
}

func TestChunkerDeterministic(t *testing.T) {
	pol := testPolynomial(t)
	data := randomData(t, 2*chunker.MaxSize)

	cutsOf := func() []uint64 {
		var cuts []uint64
		err := chunker.All(bytes.NewReader(data), pol, func(c chunker.Chunk) error {
			cuts = append(cuts, c.Cut)
			return nil
		})
		require.NoError(t, err)
		return cuts
	}

	assert.Equal(t, cutsOf(), cutsOf())
}

func TestChunkerEmptyInput(t *testing.T) {
	pol := testPolynomial(t)
	c := chunker.New(bytes.NewReader(nil), pol)
	_, err := c.Next()
	assert.ErrorIs(t, err, io.EOF)
}
