package id_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rustic/id"
)

func TestHashAndParseRoundTrip(t *testing.T) {
	h := id.Hash([]byte("hello world"))
	parsed, err := id.Parse(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestHashDeterministic(t *testing.T) {
	a := id.Hash([]byte("same bytes"))
	b := id.Hash([]byte("same bytes"))
	assert.Equal(t, a, b)

	c := id.Hash([]byte("different bytes"))
	assert.NotEqual(t, a, c)
}

func TestParseRejectsShort(t *testing.T) {
	_, err := id.Parse("abcd")
	assert.Error(t, err)
}

func TestResolveUniquePrefix(t *testing.T) {
	a := id.Hash([]byte("a"))
	b := id.Hash([]byte("b"))
	known := []id.Id{a, b}

	got, err := id.Resolve(a.String()[:8], known)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestResolveNotFound(t *testing.T) {
	a := id.Hash([]byte("a"))
	_, err := id.Resolve("ffffffff", []id.Id{a})
	assert.ErrorIs(t, err, id.ErrNotFound)
}

func TestResolveAmbiguous(t *testing.T) {
	// Construct two ids sharing a prefix by brute force over small inputs.
	var a, b id.Id
	found := false
	for i := 0; i < 10000 && !found; i++ {
		cand := id.Hash([]byte{byte(i), byte(i >> 8)})
		if a.Zero() {
			a = cand
			continue
		}
		if cand[0] == a[0] {
			b = cand
			found = true
		}
	}
	if !found {
		t.Skip("could not construct a colliding prefix in the sample budget")
	}
	_, err := id.Resolve(a.String()[:2], []id.Id{a, b})
	assert.ErrorIs(t, err, id.ErrAmbiguous)
}

func TestResolveFullLength(t *testing.T) {
	a := id.Hash([]byte("full"))
	got, err := id.Resolve(a.String(), []id.Id{a})
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestMarshalUnmarshalJSON(t *testing.T) {
	a := id.Hash([]byte("json"))
	data, err := a.MarshalJSON()
	require.NoError(t, err)

	var b id.Id
	require.NoError(t, b.UnmarshalJSON(data))
	assert.Equal(t, a, b)
}
