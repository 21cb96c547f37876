package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/prune"
)

var pruneCommand = &cli.Command{
	Name:  "prune",
	Usage: "reclaim space held by unreferenced or duplicate pack data",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "classify and plan without deleting or repacking anything"},
		&cli.BoolFlag{Name: "instant-delete", Usage: "delete unreferenced packs immediately instead of tombstoning"},
		&cli.BoolFlag{Name: "repack-cacheable-only"},
		&cli.BoolFlag{Name: "repack-uncompressed"},
		&cli.DurationFlag{Name: "keep-pack", Usage: "minimum age an unused live pack must reach before deletion"},
		&cli.DurationFlag{Name: "keep-delete", Usage: "quarantine period for tombstoned packs"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		repo, _, runLocked, err := openRepoForWrite(ctx, c)
		if err != nil {
			return err
		}

		opts := prune.Options{
			DryRun:              c.Bool("dry-run"),
			InstantDelete:       c.Bool("instant-delete"),
			RepackCacheableOnly: c.Bool("repack-cacheable-only"),
			RepackUncompressed:  c.Bool("repack-uncompressed"),
			KeepPack:            c.Duration("keep-pack"),
			KeepDelete:          c.Duration("keep-delete"),
			Log:                 loggerFrom(c),
		}

		var plan *prune.Plan
		err = runLocked(func() error {
			plan, err = prune.Prepare(ctx, repo, opts)
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			if opts.DryRun {
				return nil
			}
			return plan.Execute(ctx)
		})
		if err != nil {
			return err
		}

		s := plan.Stats
		fmt.Printf("packs kept=%d repack=%d remove=%d unref=%d unused=%d\n", s.PacksKeep, s.PacksRepack, s.PacksRemove, s.PacksUnref, s.PacksUnused)
		return nil
	},
}
