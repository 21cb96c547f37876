package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/backend"
)

var repoInfoCommand = &cli.Command{
	Name:  "repoinfo",
	Usage: "print repository configuration and object counts",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}

		fmt.Printf("config id:      %s\n", repo.Config.ID)
		fmt.Printf("version:        %d\n", repo.Config.Version)
		fmt.Printf("compression:    %v\n", repo.Config.SupportsCompression())
		fmt.Printf("chunker poly:   %s\n", repo.Config.ChunkerPolynomial)

		for _, kind := range []backend.FileKind{backend.Snapshot, backend.Index, backend.Pack} {
			entries, err := repo.Store.Store().ListWithSize(ctx, kind)
			if err != nil {
				return fmt.Errorf("repoinfo: list %s: %w", kind, err)
			}
			var total uint64
			for _, e := range entries {
				total += uint64(e.Size)
			}
			fmt.Printf("%-10s count=%-6d bytes=%d\n", kind, len(entries), total)
		}

		idx := repo.Index()
		if idx != nil {
			fmt.Printf("indexed blobs:  %d\n", idx.Len())
		}
		return nil
	},
}
