package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/id"
	"rustic/merge"
)

var mergeCommand = &cli.Command{
	Name:      "merge",
	Usage:     "combine several snapshots' trees into one new snapshot",
	ArgsUsage: "<snapshot-id> <snapshot-id> [<snapshot-id>...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "delete", Usage: "remove the input snapshots once the merge succeeds"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() < 2 {
			return fmt.Errorf("merge: at least two snapshot ids required")
		}

		repo, _, runLocked, err := openRepoForWrite(ctx, c)
		if err != nil {
			return err
		}

		var inputs []merge.Input
		for _, arg := range c.Args().Slice() {
			snapID, err := id.Parse(arg)
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}
			snap, err := repo.GetSnapshot(ctx, snapID)
			if err != nil {
				return fmt.Errorf("merge: load %s: %w", snapID, err)
			}
			inputs = append(inputs, merge.Input{ID: snapID, Snapshot: snap})
		}

		var newID id.Id
		err = runLocked(func() error {
			newID, err = merge.Run(ctx, repo, inputs, merge.Options{
				Delete: c.Bool("delete"),
				Log:    loggerFrom(c),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		fmt.Printf("merged snapshot %s\n", newID)
		return nil
	},
}
