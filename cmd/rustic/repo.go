package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"rustic/backend"
	"rustic/indexcache"
	"rustic/lock"
	"rustic/repository"
)

func loggerFrom(c *cli.Context) *zap.SugaredLogger {
	if log, ok := c.App.Metadata["log"].(*zap.SugaredLogger); ok {
		return log
	}
	return zap.NewNop().Sugar()
}

func repoURL(c *cli.Context) (string, error) {
	url := c.String("repo")
	if url == "" {
		return "", fmt.Errorf("no repository given, set --repo or RUSTIC_REPOSITORY")
	}
	return url, nil
}

// openStore resolves the --repo flag to an ObjectStore, optionally
// wrapped in a local disk cache when --cache-dir names one over a
// non-local backend.
func openStore(ctx context.Context, c *cli.Context) (backend.ObjectStore, error) {
	url, err := repoURL(c)
	if err != nil {
		return nil, err
	}
	store, err := backend.Choose(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", url, err)
	}
	if dir := c.String("cache-dir"); dir != "" {
		if _, isLocal := store.(*backend.Local); !isLocal {
			cached, err := backend.NewCache(store, dir, 256)
			if err != nil {
				return nil, fmt.Errorf("open cache %s: %w", dir, err)
			}
			return cached, nil
		}
	}
	return store, nil
}

// openRepo opens the repository named by --repo, resolving the
// password per resolvePassword's precedence, and loads its index
// (through the on-disk index cache unless --no-cache or the backend
// isn't local).
func openRepo(ctx context.Context, c *cli.Context) (*repository.Repository, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	password, err := resolvePassword(c)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(ctx, store, password)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	repo = repo.WithLogger(loggerFrom(c))

	if err := loadIndex(ctx, c, repo, store); err != nil {
		return nil, err
	}
	return repo, nil
}

func loadIndex(ctx context.Context, c *cli.Context, repo *repository.Repository, store backend.ObjectStore) error {
	local, isLocal := store.(*backend.Local)
	if c.Bool("no-cache") || !isLocal {
		return repo.Reindex(ctx)
	}
	cache, err := indexcache.Open(filepath.Join(local.Root(), "index-cache.db"), loggerFrom(c))
	if err != nil {
		return fmt.Errorf("open index cache: %w", err)
	}
	defer cache.Close()
	return repo.ReindexCached(ctx, cache)
}

// openRepoNoIndex opens the repository's config and key material without
// loading an index, for repair, which rebuilds the index from pack
// headers and cannot assume the existing one is even readable.
func openRepoNoIndex(ctx context.Context, store backend.ObjectStore, password string, c *cli.Context) (*repository.Repository, error) {
	repo, err := repository.Open(ctx, store, password)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo.WithLogger(loggerFrom(c)), nil
}

// withLock acquires the repository's advisory lock around a mutating
// command, when the backend is a local directory (rest/rclone backends
// have no natural path for the lock database and are run unlocked).
func withLock(ctx context.Context, c *cli.Context, store backend.ObjectStore, fn func() error) error {
	local, isLocal := store.(*backend.Local)
	if c.Bool("no-lock") || !isLocal {
		return fn()
	}

	l, err := lock.Open(ctx, filepath.Join(local.Root(), lock.FileName), loggerFrom(c))
	if err != nil {
		return fmt.Errorf("open lock: %w", err)
	}
	defer l.Close()

	if err := l.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer l.Release(ctx)

	return fn()
}

// openRepoForWrite is openRepo plus lock acquisition, for commands that
// mutate the repository (backup, forget, prune, tag, merge).
func openRepoForWrite(ctx context.Context, c *cli.Context) (*repository.Repository, backend.ObjectStore, func(func() error) error, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, nil, nil, err
	}
	password, err := resolvePassword(c)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := repository.Open(ctx, store, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open repository: %w", err)
	}
	repo = repo.WithLogger(loggerFrom(c))
	if err := repo.Reindex(ctx); err != nil {
		return nil, nil, nil, err
	}

	runLocked := func(fn func() error) error {
		return withLock(ctx, c, store, fn)
	}
	return repo, store, runLocked, nil
}
