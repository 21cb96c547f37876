// Package backend implements the repository's ObjectStore contract: a
// kind-keyed bag of immutable byte blobs, its Local/REST/rclone variants,
// the URL scheme chooser, the DecryptStore that layers encryption and
// optional compression on top, and a read-through disk Cache.
package backend

import (
	"context"
	"errors"
	"fmt"

	"rustic/id"
)

// FileKind is one of the repository's five object kinds, each mapping to
// a named subdirectory in the store.
type FileKind int

const (
	Config FileKind = iota
	Key
	Snapshot
	Index
	Pack
)

func (k FileKind) String() string {
	switch k {
	case Config:
		return "config"
	case Key:
		return "keys"
	case Snapshot:
		return "snapshots"
	case Index:
		return "index"
	case Pack:
		return "data"
	default:
		return "unknown"
	}
}

// Cacheable reports whether objects of this kind may be mirrored into the
// local disk Cache. Config and Key are not cacheable; Snapshot and Index
// are always cacheable; Pack is cacheable only per-blob (tree packs), so
// callers pass an explicit cacheable flag for Pack operations instead of
// relying on this.
func (k FileKind) Cacheable() bool {
	switch k {
	case Snapshot, Index, Pack:
		return true
	default:
		return false
	}
}

// Sentinel errors surfaced by ObjectStore implementations.
var (
	ErrNotFound      = errors.New("backend: object not found")
	ErrAlreadyExists = errors.New("backend: object already exists")
	ErrIO            = errors.New("backend: io error")
)

// Entry is one object's id and size as returned by ListWithSize.
type Entry struct {
	ID   id.Id
	Size uint32
}

// ObjectStore is the contract every transport (local filesystem, REST,
// rclone) must satisfy. Per spec.md §4.3: operations on distinct ids may
// be called concurrently; operations on the same id are serialized by the
// caller.
type ObjectStore interface {
	// Create initializes the backing namespace layout (e.g. the root and
	// the keys, snapshots, index and data subdirectories of a fresh local
	// repository).
	Create(ctx context.Context) error

	ListWithSize(ctx context.Context, kind FileKind) ([]Entry, error)
	ReadFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error)
	// ReadPartial performs a true ranged read where the transport supports
	// it. cacheable is a hint the Cache layer uses; plain ObjectStore
	// implementations may ignore it.
	ReadPartial(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, offset, length int64) ([]byte, error)
	// WriteBytes publishes bytes atomically: readers must never observe a
	// torn object.
	WriteBytes(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, data []byte) error
	Remove(ctx context.Context, kind FileKind, objID id.Id, cacheable bool) error
}

// PackPublisher adapts an ObjectStore to pack.Publisher.
type PackPublisher struct {
	Store ObjectStore
	Ctx   context.Context
}

func (p PackPublisher) PublishPack(packID id.Id, cacheable bool, packBytes []byte) error {
	ctx := p.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Store.WriteBytes(ctx, Pack, packID, cacheable, packBytes); err != nil {
		return fmt.Errorf("backend: publish pack %s: %w", packID, err)
	}
	return nil
}
