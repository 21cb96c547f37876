package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"rustic/crypto"
	"rustic/id"
)

// compressedMarker is the leading plaintext byte signaling a zstd-wrapped
// payload, per spec.md §4.5: any legacy uncompressed JSON document starts
// with '{' (0x7b) or '[' (0x5b), never 0x02.
const compressedMarker = 0x02

// DecryptStore adapts an ObjectStore with a crypto.Key and optional zstd
// compression, exposing typed get/put of repo files and raw blob
// decrypt/encrypt. It implements pack.Sealer and pack.Opener so a Packer
// can seal blobs through it directly.
type DecryptStore struct {
	store   ObjectStore
	key     *crypto.Key
	zstd    bool
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

// NewDecryptStore wraps store with key; zstd enables compression on write
// (version-2 repositories only, per spec.md §3 ConfigFile invariant).
func NewDecryptStore(store ObjectStore, key *crypto.Key, zstdEnabled bool) *DecryptStore {
	return &DecryptStore{store: store, key: key, zstd: zstdEnabled}
}

func (d *DecryptStore) encoder() *zstd.Encoder {
	d.encOnce.Do(func() {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(fmt.Sprintf("backend: zstd encoder: %v", err))
		}
		d.enc = enc
	})
	return d.enc
}

func (d *DecryptStore) decoder() *zstd.Decoder {
	d.decOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("backend: zstd decoder: %v", err))
		}
		d.dec = dec
	})
	return d.dec
}

// Seal implements pack.Sealer: optionally zstd-compresses (prefixing
// 0x02), then encrypts. uncompressedLen is 0 when zstd was not applied.
func (d *DecryptStore) Seal(plaintext []byte) (ciphertext []byte, uncompressedLen uint32, err error) {
	payload := plaintext
	var uncLen uint32
	if d.zstd {
		compressed := d.encoder().EncodeAll(plaintext, []byte{compressedMarker})
		payload = compressed
		uncLen = uint32(len(plaintext))
	}
	ciphertext, err = d.key.Encrypt(payload)
	if err != nil {
		return nil, 0, err
	}
	return ciphertext, uncLen, nil
}

// Open implements pack.Opener: decrypts, then zstd-decodes if
// uncompressedLen != 0.
func (d *DecryptStore) Open(ciphertext []byte, uncompressedLen uint32) ([]byte, error) {
	plain, err := d.key.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if uncompressedLen == 0 {
		return plain, nil
	}
	if len(plain) == 0 || plain[0] != compressedMarker {
		return nil, fmt.Errorf("backend: expected zstd marker byte")
	}
	out, err := d.decoder().DecodeAll(plain[1:], make([]byte, 0, uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("backend: zstd decode: %w", err)
	}
	return out, nil
}

// ReadEncryptedFull implements spec.md §4.5: decrypt, then peek the first
// plaintext byte. 0x02 means zstd-encoded; anything else is returned
// as-is (preserving legacy uncompressed JSON documents, which start with
// '{' or '[').
func (d *DecryptStore) ReadEncryptedFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error) {
	ciphertext, err := d.store.ReadFull(ctx, kind, objID)
	if err != nil {
		return nil, err
	}
	plain, err := d.key.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plain) == 0 {
		return plain, nil
	}
	if plain[0] == compressedMarker {
		return d.decoder().DecodeAll(plain[1:], nil)
	}
	return plain, nil
}

// HashWriteFull implements spec.md §4.5: optionally zstd-wrap, encrypt,
// hash the ciphertext, and write it under that id. Returns the new id.
func (d *DecryptStore) HashWriteFull(ctx context.Context, kind FileKind, cacheable bool, plaintext []byte) (id.Id, error) {
	payload := plaintext
	if d.zstd {
		payload = d.encoder().EncodeAll(plaintext, []byte{compressedMarker})
	}
	ciphertext, err := d.key.Encrypt(payload)
	if err != nil {
		return id.Id{}, err
	}
	newID := id.Hash(ciphertext)
	if err := d.store.WriteBytes(ctx, kind, newID, cacheable, ciphertext); err != nil {
		if err == ErrAlreadyExists {
			return newID, nil
		}
		return id.Id{}, err
	}
	return newID, nil
}

// GetFile JSON-decodes an encrypted file of the given kind/id and returns
// the decoded value.
func GetFile[F any](ctx context.Context, d *DecryptStore, kind FileKind, objID id.Id) (F, error) {
	var zero F
	data, err := d.ReadEncryptedFull(ctx, kind, objID)
	if err != nil {
		return zero, err
	}
	var out F
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("backend: decode %s/%s: %w", kind, objID, err)
	}
	return out, nil
}

// SaveFile JSON-encodes file and stores it encrypted (+ optionally
// compressed), returning its new id.
func SaveFile[F any](ctx context.Context, d *DecryptStore, kind FileKind, cacheable bool, file F) (id.Id, error) {
	data, err := json.Marshal(file)
	if err != nil {
		return id.Id{}, fmt.Errorf("backend: encode %s: %w", kind, err)
	}
	return d.HashWriteFull(ctx, kind, cacheable, data)
}

// StreamResult pairs a parsed file with its id, as produced by StreamAll.
type StreamResult[F any] struct {
	ID   id.Id
	File F
	Err  error
}

// StreamList fetches and parses a list of ids concurrently, returning an
// unordered channel of results, per spec.md §4.5.
func StreamList[F any](ctx context.Context, d *DecryptStore, kind FileKind, ids []id.Id, workers int) <-chan StreamResult[F] {
	if workers <= 0 {
		workers = 8
	}
	out := make(chan StreamResult[F])
	jobs := make(chan id.Id)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for objID := range jobs {
				f, err := GetFile[F](ctx, d, kind, objID)
				select {
				case out <- StreamResult[F]{ID: objID, File: f, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, i := range ids {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// StreamAll lists every object of kind and streams its parsed content.
func StreamAll[F any](ctx context.Context, d *DecryptStore, kind FileKind, workers int) (<-chan StreamResult[F], error) {
	entries, err := d.store.ListWithSize(ctx, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]id.Id, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return StreamList[F](ctx, d, kind, ids, workers), nil
}

// ReadBlob fetches one blob's ciphertext range from a pack and returns its
// decrypted (and decompressed, if uncompressedLen != 0) plaintext. It does
// not verify the content hash; callers that need that guarantee (check,
// VerifyPack) compare against id.Hash(plaintext) themselves.
func (d *DecryptStore) ReadBlob(ctx context.Context, packID id.Id, cacheable bool, offset, length int64, uncompressedLen uint32) ([]byte, error) {
	ciphertext, err := d.store.ReadPartial(ctx, Pack, packID, cacheable, offset, length)
	if err != nil {
		return nil, err
	}
	return d.Open(ciphertext, uncompressedLen)
}

// Store exposes the underlying ObjectStore, for callers (pack, cache) that
// need raw access alongside the typed helpers above.
func (d *DecryptStore) Store() ObjectStore { return d.store }

// Key exposes the repository key, used for pack header encryption which
// bypasses the zstd-prefix trick (spec.md §4.6: the header is always
// encrypted directly, never compressed).
func (d *DecryptStore) Key() *crypto.Key { return d.key }
