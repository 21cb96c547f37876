package repository

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rustic/backend"
	"rustic/chunker"
	"rustic/crypto"
	"rustic/id"
	"rustic/index"
	"rustic/indexcache"
)

// Repository wires ConfigFile, the master Key, a backend.DecryptStore, and
// an index.Index together, mirroring repository.go's New/LoadHead/Commit
// lifecycle over the restic object model. Logging is injected here and at
// the archiver/pruner layer only; packages below (id, crypto, pack) stay
// logging-free and return errors instead.
type Repository struct {
	Store  *backend.DecryptStore
	Config ConfigFile
	key    *crypto.Key
	log    *zap.SugaredLogger

	mu  sync.RWMutex
	idx *index.Index
}

// WithLogger replaces the repository's logger (a no-op logger otherwise).
func (r *Repository) WithLogger(log *zap.SugaredLogger) *Repository {
	r.log = log
	return r
}

func (r *Repository) logger() *zap.SugaredLogger {
	if r.log == nil {
		return zap.NewNop().Sugar()
	}
	return r.log
}

// Open loads an existing repository's ConfigFile and Key, unwraps the
// master key with password, and returns a Repository with no index loaded
// yet (call Reindex to populate one).
func Open(ctx context.Context, store backend.ObjectStore, password string) (*Repository, error) {
	// Config is read in plaintext framing (not through DecryptStore,
	// since the master key isn't known yet), but is still stored as raw
	// JSON bytes under FileKind Config.
	raw, err := store.ReadFull(ctx, backend.Config, id.Id{})
	if err != nil {
		return nil, fmt.Errorf("repository: read config: %w", err)
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}

	key, err := unlockKey(ctx, store, password)
	if err != nil {
		return nil, err
	}

	ds := backend.NewDecryptStore(store, key, cfg.SupportsCompression())
	repo := &Repository{Store: ds, Config: cfg, key: key}
	repo.logger().Infow("repository opened", "id", cfg.ID, "version", cfg.Version)
	return repo, nil
}

// Init creates a fresh repository: writes Config and a Key file wrapping a
// freshly generated master key under password, and returns the opened
// Repository.
func Init(ctx context.Context, store backend.ObjectStore, password string, zstdEnabled bool) (*Repository, error) {
	if err := store.Create(ctx); err != nil {
		return nil, fmt.Errorf("repository: create store: %w", err)
	}

	pol, err := chunker.RandomPolynomial()
	if err != nil {
		return nil, err
	}

	version := 1
	if zstdEnabled {
		version = 2
	}
	cfg := ConfigFile{
		Version:           version,
		ID:                id.Hash([]byte(chunker.FormatPolynomial(pol))),
		ChunkerPolynomial: chunker.FormatPolynomial(pol),
	}

	masterKey, rawKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := lockKey(ctx, store, password, rawKey); err != nil {
		return nil, err
	}

	cfgBytes, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.WriteBytes(ctx, backend.Config, id.Id{}, false, cfgBytes); err != nil {
		return nil, fmt.Errorf("repository: write config: %w", err)
	}

	ds := backend.NewDecryptStore(store, masterKey, zstdEnabled)
	repo := &Repository{Store: ds, Config: cfg, key: masterKey}
	repo.logger().Infow("repository initialized", "id", cfg.ID, "version", cfg.Version)
	return repo, nil
}

// Key returns the repository's unwrapped master key.
func (r *Repository) Key() *crypto.Key {
	return r.key
}

// Index returns the currently loaded Index, or nil if Reindex has not been
// called yet.
func (r *Repository) Index() *index.Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx
}

// Reindex reads every IndexFile in the repository and rebuilds the
// in-memory lookup table in Full mode.
func (r *Repository) Reindex(ctx context.Context) error {
	c, _, err := index.CollectAll(ctx, r.Store, index.Full, false)
	if err != nil {
		return fmt.Errorf("repository: reindex: %w", err)
	}
	idx := c.Finalize()
	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	r.logger().Infow("reindexed", "blobs", idx.Len())
	return nil
}

// ReindexCached behaves like Reindex, but consults cache first: a repeat
// call against an unchanged set of on-disk IndexFiles skips re-reading and
// re-decrypting all of them. Read-only commands (snapshots, cat, ls) use
// this; Reindex remains the uncached path archiver/prune rely on when they
// need the guarantee of reading the live repository state directly.
func (r *Repository) ReindexCached(ctx context.Context, cache *indexcache.Cache) error {
	idx, err := cache.Load(ctx, r.Store, index.Full)
	if err != nil {
		return fmt.Errorf("repository: reindex (cached): %w", err)
	}
	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	r.logger().Infow("reindexed from cache", "blobs", idx.Len())
	return nil
}

// Snapshots returns every Snapshot in the repository along with its id.
func (r *Repository) Snapshots(ctx context.Context) ([]backend.StreamResult[Snapshot], error) {
	results, err := backend.StreamAll[Snapshot](ctx, r.Store, backend.Snapshot, 0)
	if err != nil {
		return nil, err
	}
	var out []backend.StreamResult[Snapshot]
	for res := range results {
		out = append(out, res)
	}
	return out, nil
}

// SaveSnapshot persists snap and returns its new id.
func (r *Repository) SaveSnapshot(ctx context.Context, snap Snapshot) (id.Id, error) {
	return backend.SaveFile(ctx, r.Store, backend.Snapshot, true, snap)
}

// GetSnapshot fetches one Snapshot by id.
func (r *Repository) GetSnapshot(ctx context.Context, snapID id.Id) (Snapshot, error) {
	return backend.GetFile[Snapshot](ctx, r.Store, backend.Snapshot, snapID)
}

// RemoveSnapshot deletes a Snapshot object.
func (r *Repository) RemoveSnapshot(ctx context.Context, snapID id.Id) error {
	return r.Store.Store().Remove(ctx, backend.Snapshot, snapID, true)
}

// RetagSnapshot rewrites a snapshot's tags and/or delete-policy without a
// full backup, per original_source's tag command: fetch, mutate, save
// under a new id, remove the old one.
func (r *Repository) RetagSnapshot(ctx context.Context, snapID id.Id, addTags, removeTags []string, newDelete *DeletePolicy) (id.Id, error) {
	snap, err := r.GetSnapshot(ctx, snapID)
	if err != nil {
		return id.Id{}, err
	}

	tags := make(map[string]struct{})
	for _, t := range snap.Tags {
		tags[t] = struct{}{}
	}
	for _, t := range removeTags {
		delete(tags, t)
	}
	for _, t := range addTags {
		tags[t] = struct{}{}
	}
	snap.Tags = snap.Tags[:0]
	for t := range tags {
		snap.Tags = append(snap.Tags, t)
	}
	if newDelete != nil {
		snap.Delete = newDelete
	}

	newID, err := r.SaveSnapshot(ctx, snap)
	if err != nil {
		return id.Id{}, err
	}
	if newID != snapID {
		if err := r.RemoveSnapshot(ctx, snapID); err != nil {
			return newID, fmt.Errorf("repository: retag: remove old snapshot: %w", err)
		}
	}
	r.logger().Infow("snapshot retagged", "old", snapID, "new", newID)
	return newID, nil
}

// Cat fetches the raw decrypted bytes of any repository file by kind and
// id, for the cat subcommand family (config/index/snapshot).
func (r *Repository) Cat(ctx context.Context, kind backend.FileKind, objID id.Id) ([]byte, error) {
	if kind == backend.Config {
		raw, err := r.Store.Store().ReadFull(ctx, backend.Config, id.Id{})
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
	return r.Store.ReadEncryptedFull(ctx, kind, objID)
}
