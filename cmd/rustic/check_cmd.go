package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rustic/check"
)

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "verify repository integrity: index/pack consistency and tree reachability",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "read-data", Usage: "re-read and re-verify every pack's bytes"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}

		report, err := check.Run(ctx, repo, check.Options{
			ReadData: c.Bool("read-data"),
			Log:      loggerFrom(c),
		})
		if err != nil {
			return fmt.Errorf("check: %w", err)
		}
		if report.OK() {
			fmt.Println("no errors found")
			return nil
		}
		for _, issue := range report.Issues {
			fmt.Println(issue.Message)
		}
		return newIntegrityError("check: %d issue(s) found", len(report.Issues))
	},
}
