package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/backend"
	"rustic/prune"
)

var repairCommand = &cli.Command{
	Name:  "repair",
	Usage: "rebuild index files from pack headers alone, ignoring any existing index",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		store, err := openStore(ctx, c)
		if err != nil {
			return err
		}
		password, err := resolvePassword(c)
		if err != nil {
			return err
		}
		repo, err := openRepoNoIndex(ctx, store, password, c)
		if err != nil {
			return err
		}

		stale, err := store.ListWithSize(ctx, backend.Index)
		if err != nil {
			return fmt.Errorf("repair: list existing index files: %w", err)
		}

		var unreadable []backend.Entry
		err = withLock(ctx, c, store, func() error {
			unreadable, err = prune.RebuildIndex(ctx, repo, loggerFrom(c))
			if err != nil {
				return err
			}
			for _, entry := range stale {
				if rmErr := store.Remove(ctx, backend.Index, entry.ID, backend.Index.Cacheable()); rmErr != nil {
					return fmt.Errorf("remove stale index %s: %w", entry.ID, rmErr)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("repair: %w", err)
		}

		if len(unreadable) == 0 {
			fmt.Println("index rebuilt, every pack was readable")
			return nil
		}
		fmt.Printf("index rebuilt, %d pack(s) unreadable:\n", len(unreadable))
		for _, entry := range unreadable {
			fmt.Println(entry.ID)
		}
		return newIntegrityError("repair: %d pack(s) unreadable", len(unreadable))
	},
}
