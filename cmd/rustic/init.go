package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/repository"
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "create a new repository",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-compression",
			Usage: "write a version-1 config without zstd-compressed packs",
		},
	},
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
		repo, err := repository.Init(ctx, store, password, !c.Bool("no-compression"))
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		fmt.Printf("repository initialized, config id %s\n", repo.Config.ID)
		return nil
	},
}
