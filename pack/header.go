// Package pack implements the on-disk pack file format: a concatenation of
// encrypted blob ciphertexts followed by an encrypted header and a 4-byte
// little-endian header length, plus the Packer that builds one and the
// PackSizer that decides target pack sizes.
package pack

import (
	"encoding/binary"
	"fmt"

	"rustic/id"
)

// BlobKind distinguishes file-content chunks from serialized tree blobs.
type BlobKind uint8

const (
	Data BlobKind = iota
	Tree
)

func (k BlobKind) String() string {
	if k == Tree {
		return "tree"
	}
	return "data"
}

// headerTag is the on-the-wire discriminant for one header entry.
type headerTag uint8

const (
	tagData     headerTag = 0
	tagTree     headerTag = 1
	tagCompData headerTag = 2
	tagCompTree headerTag = 3
)

// HeaderEntry describes one blob within a pack, in the order it was
// written (= offset order).
type HeaderEntry struct {
	Kind               BlobKind
	ID                 id.Id
	Length             uint32 // ciphertext bytes in the pack body
	UncompressedLength uint32 // plaintext length before zstd; 0 if not compressed
	Offset             uint32 // filled in by DecodeHeader via prefix sum
}

func (e HeaderEntry) compressed() bool {
	return e.UncompressedLength != 0
}

func tagFor(e HeaderEntry) headerTag {
	switch {
	case e.Kind == Tree && e.compressed():
		return tagCompTree
	case e.Kind == Tree:
		return tagTree
	case e.compressed():
		return tagCompData
	default:
		return tagData
	}
}

// EncodeHeader serializes header entries in the given order (= offset
// order); this is the plaintext later encrypted and appended to the pack.
func EncodeHeader(entries []HeaderEntry) []byte {
	var buf []byte
	for _, e := range entries {
		tag := tagFor(e)
		switch tag {
		case tagData, tagTree:
			b := make([]byte, 1+4+id.Length)
			b[0] = byte(tag)
			binary.LittleEndian.PutUint32(b[1:5], e.Length)
			copy(b[5:], e.ID[:])
			buf = append(buf, b...)
		case tagCompData, tagCompTree:
			b := make([]byte, 1+4+4+id.Length)
			b[0] = byte(tag)
			binary.LittleEndian.PutUint32(b[1:5], e.Length)
			binary.LittleEndian.PutUint32(b[5:9], e.UncompressedLength)
			copy(b[9:], e.ID[:])
			buf = append(buf, b...)
		}
	}
	return buf
}

// DecodeHeader parses a stream of header entries until the buffer is
// exhausted, assigning offsets by prefix sum over Length in order.
func DecodeHeader(buf []byte) ([]HeaderEntry, error) {
	var entries []HeaderEntry
	var offset uint32
	for len(buf) > 0 {
		tag := headerTag(buf[0])
		var entryLen int
		switch tag {
		case tagData, tagTree:
			entryLen = 1 + 4 + id.Length
		case tagCompData, tagCompTree:
			entryLen = 1 + 4 + 4 + id.Length
		default:
			return nil, fmt.Errorf("pack: unknown header tag %d", tag)
		}
		if len(buf) < entryLen {
			return nil, fmt.Errorf("pack: truncated header entry")
		}
		var e HeaderEntry
		e.Length = binary.LittleEndian.Uint32(buf[1:5])
		switch tag {
		case tagData:
			e.Kind = Data
			copy(e.ID[:], buf[5:5+id.Length])
		case tagTree:
			e.Kind = Tree
			copy(e.ID[:], buf[5:5+id.Length])
		case tagCompData:
			e.Kind = Data
			e.UncompressedLength = binary.LittleEndian.Uint32(buf[5:9])
			copy(e.ID[:], buf[9:9+id.Length])
		case tagCompTree:
			e.Kind = Tree
			e.UncompressedLength = binary.LittleEndian.Uint32(buf[5:9])
			copy(e.ID[:], buf[9:9+id.Length])
		}
		e.Offset = offset
		offset += e.Length
		entries = append(entries, e)
		buf = buf[entryLen:]
	}
	return entries, nil
}

// SplitPack slices a full pack's bytes into (body, encryptedHeader),
// reading the trailing 4-byte little-endian header length.
func SplitPack(packBytes []byte) (body, encryptedHeader []byte, err error) {
	if len(packBytes) < 4 {
		return nil, nil, fmt.Errorf("pack: too short to contain a header length")
	}
	headerLen := binary.LittleEndian.Uint32(packBytes[len(packBytes)-4:])
	headerStart := len(packBytes) - 4 - int(headerLen)
	if headerStart < 0 {
		return nil, nil, fmt.Errorf("pack: header length %d exceeds pack size", headerLen)
	}
	return packBytes[:headerStart], packBytes[headerStart : len(packBytes)-4], nil
}

// AppendLength appends the 4-byte little-endian length suffix to buf.
func AppendLength(buf []byte, length int) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(length))
	return append(buf, lenBuf[:]...)
}
