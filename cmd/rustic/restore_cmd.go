package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/id"
	"rustic/restore"
)

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "restore a snapshot, or a path within it, to a destination directory",
	ArgsUsage: "<snapshot-id>[:<path>] <destination>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "report what would be restored without writing anything"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() != 2 {
			return fmt.Errorf("restore: usage: restore <snapshot[:path]> <destination>")
		}
		snapArg, subPath := splitSnapPath(c.Args().Get(0))
		dest := c.Args().Get(1)

		snapID, err := id.Parse(snapArg)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}
		snap, err := repo.GetSnapshot(ctx, snapID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		stats, err := restore.Run(ctx, repo, snap, dest, restore.Options{
			SubPath: subPath,
			DryRun:  c.Bool("dry-run"),
			Log:     loggerFrom(c),
		})
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("restored %d dirs, %d files, %d symlinks, %d bytes\n", stats.Dirs, stats.Files, stats.Symlinks, stats.Bytes)
		return nil
	},
}
