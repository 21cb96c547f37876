package pack

import (
	"fmt"
	"sync"

	"rustic/crypto"
	"rustic/id"
)

// Sealer turns a blob's plaintext into the ciphertext stored in a pack,
// optionally compressing first. uncompressedLen is 0 when no compression
// was applied (matching the Data/Tree vs CompData/CompTree header tags).
// backend.DecryptStore implements this.
type Sealer interface {
	Seal(plaintext []byte) (ciphertext []byte, uncompressedLen uint32, err error)
}

// Publisher stores a finished pack's bytes under the content address
// id.Hash(packBytes). cacheable marks tree packs for disk-cache warming
// at write time (data packs never are). backend.PackPublisher implements
// this over an ObjectStore (kind=Pack).
type Publisher interface {
	PublishPack(packID id.Id, cacheable bool, packBytes []byte) error
}

// IndexBlob is one blob's catalogue entry as recorded by a finished pack,
// handed to the index package without pack importing it (avoids a cycle).
type IndexBlob struct {
	ID                 id.Id
	Kind               BlobKind
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
}

// IndexPack is everything the index needs to record about one pack file.
type IndexPack struct {
	ID    id.Id
	Size  uint64
	Blobs []IndexBlob
}

// Packer accumulates blobs of one BlobKind into an in-memory buffer and
// finalizes it into a pack file once the buffer crosses the Sizer's
// target. Its buffer and totals are guarded by an internal mutex, so
// several goroutines may call Add/Finalize on one Packer (the archiver's
// per-entry goroutines share one Packer per BlobKind).
type Packer struct {
	kind      BlobKind
	sealer    Sealer
	headerKey *crypto.Key
	publisher Publisher
	sizer     Sizer

	mu      sync.Mutex
	buf     []byte
	entries []HeaderEntry
	seen    map[id.Id]struct{}
	total   uint64 // running total bytes packed, for Sizer.TargetSize
}

// NewPacker constructs a Packer for one BlobKind.
func NewPacker(kind BlobKind, sealer Sealer, headerKey *crypto.Key, publisher Publisher, sizer Sizer) *Packer {
	return &Packer{
		kind:      kind,
		sealer:    sealer,
		headerKey: headerKey,
		publisher: publisher,
		sizer:     sizer,
		seen:      make(map[id.Id]struct{}),
	}
}

// Add appends a new blob to the current pack buffer. If the blob id was
// already added to this Packer (session-level dedup, separate from the
// repository index), it is silently skipped and Add reports whether it was
// newly added.
func (p *Packer) Add(plaintext []byte, blobID id.Id) (added bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[blobID]; ok {
		return false, nil
	}

	ciphertext, uncompressedLen, err := p.sealer.Seal(plaintext)
	if err != nil {
		return false, fmt.Errorf("pack: seal blob: %w", err)
	}

	offset := uint32(len(p.buf))
	p.buf = append(p.buf, ciphertext...)
	p.entries = append(p.entries, HeaderEntry{
		Kind:               p.kind,
		ID:                 blobID,
		Length:             uint32(len(ciphertext)),
		UncompressedLength: uncompressedLen,
		Offset:             offset,
	})
	p.seen[blobID] = struct{}{}
	return true, nil
}

// Size returns the current buffer size in bytes (ciphertext body only, not
// counting the not-yet-built header).
func (p *Packer) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(len(p.buf))
}

// ShouldFinalize reports whether the buffer has crossed the Sizer's target
// for the given running repository total.
func (p *Packer) ShouldFinalize(totalBytesSoFar uint64) bool {
	return p.Size() >= p.sizer.TargetSize(totalBytesSoFar)
}

// Finalize builds the header, encrypts it, appends header+length, computes
// the pack id, publishes it, and resets the buffer. Returns ok=false if
// there was nothing to finalize (empty buffer).
func (p *Packer) Finalize() (packInfo IndexPack, ok bool, err error) {
	p.mu.Lock()
	buf := p.buf
	entries := p.entries
	p.buf = nil
	p.entries = nil
	p.mu.Unlock()

	if len(buf) == 0 {
		return IndexPack{}, false, nil
	}

	headerPlain := EncodeHeader(entries)
	headerCipher, err := p.headerKey.Encrypt(headerPlain)
	if err != nil {
		return IndexPack{}, false, fmt.Errorf("pack: encrypt header: %w", err)
	}

	packBytes := append(buf, headerCipher...)
	packBytes = AppendLength(packBytes, len(headerCipher))

	packID := id.Hash(packBytes)
	if err := p.publisher.PublishPack(packID, p.kind == Tree, packBytes); err != nil {
		return IndexPack{}, false, fmt.Errorf("pack: publish: %w", err)
	}

	p.mu.Lock()
	p.total += uint64(len(packBytes))
	p.mu.Unlock()

	blobs := make([]IndexBlob, len(entries))
	for i, e := range entries {
		blobs[i] = IndexBlob{
			ID:                 e.ID,
			Kind:               e.Kind,
			Offset:             e.Offset,
			Length:             e.Length,
			UncompressedLength: e.UncompressedLength,
		}
	}
	return IndexPack{ID: packID, Size: uint64(len(packBytes)), Blobs: blobs}, true, nil
}

// Total returns the cumulative bytes this Packer has published, used to
// feed Sizer.TargetSize across successive Finalize calls.
func (p *Packer) Total() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
