// Package chunker implements content-defined chunking over a 64-bit
// rolling polynomial, wrapping github.com/whyrusleeping/chunker (a fork of
// restic's own chunker) so the polynomial comes from the repository's
// ConfigFile rather than a package-level default.
package chunker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	upstream "github.com/whyrusleeping/chunker"
)

// Default chunk-size bounds, matching the restic-compatible chunker this
// module wires in: an average chunk size of roughly 1MiB, bounded to
// [512KiB, 8MiB]. See DESIGN.md for why these specific constants were
// chosen (spec.md §9 Open Question).
const (
	MinSize = 512 * 1024
	MaxSize = 8 * 1024 * 1024
)

// Pol is a 64-bit irreducible polynomial used to parametrize the rolling
// hash, hex-encoded in ConfigFile.
type Pol = upstream.Pol

// RandomPolynomial picks a new random irreducible polynomial, used once at
// `init` time to seed a repository's ConfigFile.
func RandomPolynomial() (Pol, error) {
	pol, err := upstream.RandomPolynomial()
	if err != nil {
		return 0, fmt.Errorf("chunker: random polynomial: %w", err)
	}
	return pol, nil
}

// ParsePolynomial decodes the hex-encoded 64-bit polynomial stored in a
// ConfigFile.
func ParsePolynomial(hexStr string) (Pol, error) {
	if len(hexStr) != 16 {
		return 0, fmt.Errorf("chunker: polynomial must be 16 hex chars, got %d", len(hexStr))
	}
	var raw [8]byte
	n, err := decodeHex(hexStr, raw[:])
	if err != nil || n != 8 {
		return 0, fmt.Errorf("chunker: invalid polynomial hex %q", hexStr)
	}
	return Pol(binary.BigEndian.Uint64(raw[:])), nil
}

func decodeHex(s string, dst []byte) (int, error) {
	if len(s) != len(dst)*2 {
		return 0, errors.New("chunker: wrong length")
	}
	for i := range dst {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return 0, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return 0, err
		}
		dst[i] = hi<<4 | lo
	}
	return len(dst), nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("chunker: invalid hex digit %q", c)
	}
}

// FormatPolynomial renders a polynomial the way ConfigFile stores it.
func FormatPolynomial(p Pol) string {
	return fmt.Sprintf("%016x", uint64(p))
}

// Chunk is one content-defined chunk of the input stream.
type Chunk struct {
	Data   []byte
	Cut    uint64
	Length uint
}

// Chunker produces a lazy, finite, non-restartable sequence of variable
// size chunks from r, cut at boundaries of the rolling polynomial subject
// to [MinSize, MaxSize].
type Chunker struct {
	inner *upstream.Chunker
	buf   []byte
}

// New wraps r with a chunker seeded by pol.
func New(r io.Reader, pol Pol) *Chunker {
	c := upstream.New(r, pol)
	c.MinSize = MinSize
	c.MaxSize = MaxSize
	return &Chunker{inner: c, buf: make([]byte, MaxSize)}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (c *Chunker) Next() (Chunk, error) {
	chunk, err := c.inner.Next(c.buf)
	if err != nil {
		return Chunk{}, err
	}
	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	return Chunk{Data: data, Cut: chunk.Cut, Length: chunk.Length}, nil
}

// All drains the chunker, invoking fn for every chunk in order. It stops
// and returns the first error from either the chunker or fn.
func All(r io.Reader, pol Pol, fn func(Chunk) error) error {
	c := New(r, pol)
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: %w", err)
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}
