package pack

import (
	"fmt"

	"rustic/crypto"
	"rustic/id"
)

// Opener reverses Sealer: given a blob's ciphertext and its
// uncompressed-length hint (0 meaning "not compressed"), returns the
// original plaintext. backend.DecryptStore implements this.
type Opener interface {
	Open(ciphertext []byte, uncompressedLen uint32) (plaintext []byte, err error)
}

// ReadHeaderFromPack extracts and decodes the header embedded in a full
// pack file's bytes, per spec.md §4.7.
func ReadHeaderFromPack(packBytes []byte, headerKey *crypto.Key) ([]HeaderEntry, error) {
	_, encHeader, err := SplitPack(packBytes)
	if err != nil {
		return nil, err
	}
	plain, err := headerKey.Decrypt(encHeader)
	if err != nil {
		return nil, fmt.Errorf("pack: decrypt header: %w", err)
	}
	return DecodeHeader(plain)
}

// VerifyPack checks all three invariants from spec.md §4.7:
//  1. hash(packBytes) == packID
//  2. the parsed header (offset-ordered) matches the given index blob list
//  3. every blob decrypts, decompresses, and rehashes to its claimed id
func VerifyPack(packBytes []byte, packID id.Id, headerKey *crypto.Key, opener Opener, indexBlobs []IndexBlob) error {
	if got := id.Hash(packBytes); got != packID {
		return fmt.Errorf("pack: hash mismatch: pack bytes hash to %s, expected %s", got, packID)
	}

	body, _, err := SplitPack(packBytes)
	if err != nil {
		return err
	}

	header, err := ReadHeaderFromPack(packBytes, headerKey)
	if err != nil {
		return err
	}
	if err := sameBlobs(header, indexBlobs); err != nil {
		return err
	}

	for _, e := range header {
		if int(e.Offset+e.Length) > len(body) {
			return fmt.Errorf("pack: blob %s offset/length out of bounds", e.ID)
		}
		ciphertext := body[e.Offset : e.Offset+e.Length]
		plaintext, err := opener.Open(ciphertext, e.UncompressedLength)
		if err != nil {
			return fmt.Errorf("pack: decrypt blob %s: %w", e.ID, err)
		}
		if e.UncompressedLength != 0 && uint32(len(plaintext)) != e.UncompressedLength {
			return fmt.Errorf("pack: blob %s length mismatch: got %d, index says %d", e.ID, len(plaintext), e.UncompressedLength)
		}
		if got := id.Hash(plaintext); got != e.ID {
			return fmt.Errorf("pack: blob content hash mismatch: got %s, expected %s", got, e.ID)
		}
	}
	return nil
}

func sameBlobs(header []HeaderEntry, indexBlobs []IndexBlob) error {
	if len(header) != len(indexBlobs) {
		return fmt.Errorf("pack: header has %d blobs, index has %d", len(header), len(indexBlobs))
	}
	sorted := make([]IndexBlob, len(indexBlobs))
	copy(sorted, indexBlobs)
	sortBlobsByOffset(sorted)
	for i, e := range header {
		b := sorted[i]
		if e.ID != b.ID || e.Offset != b.Offset || e.Length != b.Length || e.Kind != b.Kind {
			return fmt.Errorf("pack: header/index mismatch at position %d: header=%+v index=%+v", i, e, b)
		}
	}
	return nil
}

func sortBlobsByOffset(blobs []IndexBlob) {
	for i := 1; i < len(blobs); i++ {
		for j := i; j > 0 && blobs[j-1].Offset > blobs[j].Offset; j-- {
			blobs[j-1], blobs[j] = blobs[j], blobs[j-1]
		}
	}
}
