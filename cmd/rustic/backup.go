package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"rustic/archiver"
	"rustic/id"
)

var backupCommand = &cli.Command{
	Name:      "backup",
	Usage:     "archive one or more source paths into a new snapshot",
	ArgsUsage: "<path> [<path>...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "hostname recorded on the snapshot (defaults to os.Hostname)"},
		&cli.StringFlag{Name: "label", Usage: "free-form label recorded on the snapshot"},
		&cli.StringSliceFlag{Name: "tag", Usage: "tag to attach to the snapshot, repeatable"},
		&cli.StringFlag{Name: "parent", Usage: "parent snapshot id to diff against"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() == 0 {
			return fmt.Errorf("backup: at least one source path required")
		}
		paths := c.Args().Slice()

		repo, _, runLocked, err := openRepoForWrite(ctx, c)
		if err != nil {
			return err
		}

		var parentID *id.Id
		if p := c.String("parent"); p != "" {
			parsed, err := id.Parse(p)
			if err != nil {
				return fmt.Errorf("backup: parse --parent: %w", err)
			}
			parentID = &parsed
		}

		host := hostnameFlag(c)
		var snapID id.Id
		err = runLocked(func() error {
			source := archiver.NewDirSource("/")
			a, err := archiver.New(repo, source, archiver.Options{Logger: loggerFrom(c)})
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			snapID, err = a.Run(ctx, host, c.String("label"), paths, c.StringSlice("tag"), parentID)
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("snapshot %s saved\n", snapID)
		return nil
	},
}

func hostnameFlag(c *cli.Context) string {
	if h := c.String("host"); h != "" {
		return h
	}
	h, _ := os.Hostname()
	return strings.TrimSpace(h)
}
