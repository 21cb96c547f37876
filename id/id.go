// Package id implements the repository's content-address type: a 32-byte
// hash rendered as lowercase hex, plus short-id prefix resolution against a
// listing of a single FileKind.
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Length is the size of an Id in bytes.
const Length = sha256.Size

// Id is the content address of a stored object: the hash of its bytes
// (packs, key files) or of its plaintext (data/tree blobs).
type Id [Length]byte

// Zero reports whether id is the zero value (unset).
func (i Id) Zero() bool {
	return i == Id{}
}

func (i Id) String() string {
	return hex.EncodeToString(i[:])
}

// MarshalJSON renders the Id as a lowercase hex JSON string.
func (i Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// UnmarshalJSON parses a lowercase (or mixed-case) hex JSON string.
func (i *Id) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Hash returns the Id of the given bytes.
func Hash(data []byte) Id {
	return Id(sha256.Sum256(data))
}

// Parse decodes a full-length hex string into an Id. It does not accept
// short/prefix hex; use Resolve for that.
func Parse(s string) (Id, error) {
	if len(s) != Length*2 {
		return Id{}, fmt.Errorf("id: wrong length %d, want %d", len(s), Length*2)
	}
	var out Id
	n, err := hex.Decode(out[:], []byte(s))
	if err != nil {
		return Id{}, fmt.Errorf("id: %w", err)
	}
	if n != Length {
		return Id{}, fmt.Errorf("id: short decode")
	}
	return out, nil
}

// ErrNotFound is returned by Resolve when no id matches the given prefix.
var ErrNotFound = errors.New("id: no match for prefix")

// ErrAmbiguous is returned by Resolve when two or more ids share the prefix.
var ErrAmbiguous = errors.New("id: ambiguous prefix")

// Resolve matches a (possibly short) hex prefix against a listing of known
// ids, per spec: an even-length hex string of at most 2*Length characters.
// Zero matches is ErrNotFound; two or more is ErrAmbiguous.
func Resolve(prefix string, known []Id) (Id, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix)%2 != 0 || len(prefix) > Length*2 {
		return Id{}, fmt.Errorf("id: invalid prefix %q", prefix)
	}
	if len(prefix) == Length*2 {
		return Parse(prefix)
	}
	raw, err := hex.DecodeString(prefix)
	if err != nil {
		return Id{}, fmt.Errorf("id: %w", err)
	}

	var matches []Id
	for _, candidate := range known {
		if hasPrefixBytes(candidate, raw) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return Id{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return Id{}, ErrAmbiguous
	}
}

func hasPrefixBytes(id Id, prefix []byte) bool {
	if len(prefix) > len(id) {
		return false
	}
	for i, b := range prefix {
		if id[i] != b {
			return false
		}
	}
	return true
}

// Sort orders ids by byte value, used wherever a deterministic ordering of
// an id set is required (pack header offsets, test fixtures).
func Sort(ids []Id) {
	sort.Slice(ids, func(i, j int) bool {
		return compare(ids[i], ids[j]) < 0
	})
}

func compare(a, b Id) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
