// Command rustic is the repository's CLI: init, back up, inspect, restore,
// and maintain a deduplicating, content-addressed, encrypted backup
// repository. Commands and global flags follow the teacher's urfave/cli
// App{Commands: []*cli.Command{...}} shape (cmd/ds/ds.go), generalized
// from one BadgerDB-backed datastore to the repository object model.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func main() {
	app := &cli.App{
		Name:  "rustic",
		Usage: "deduplicating, content-addressed, encrypted backup repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"r"},
				Usage:   "repository location (local path, rest:<url>, or rclone:<remote>)",
				EnvVars: []string{"RUSTIC_REPOSITORY"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "repository password",
				EnvVars: []string{"RUSTIC_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "password-file",
				Usage:   "file containing the repository password",
				EnvVars: []string{"RUSTIC_PASSWORD_FILE"},
			},
			&cli.StringFlag{
				Name:    "password-command",
				Usage:   "shell command whose stdout is the repository password",
				EnvVars: []string{"RUSTIC_PASSWORD_COMMAND"},
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "local disk cache directory for a non-local repository",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "bypass the on-disk index cache and rebuild the index from scratch",
			},
			&cli.BoolFlag{
				Name:  "no-lock",
				Usage: "skip acquiring the repository's advisory lock",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable info-level logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.App.Metadata == nil {
				c.App.Metadata = map[string]any{}
			}
			c.App.Metadata["log"] = newLogger(c.Bool("verbose"))
			return nil
		},
		Commands: []*cli.Command{
			initCommand,
			backupCommand,
			snapshotsCommand,
			catCommand,
			lsCommand,
			restoreCommand,
			forgetCommand,
			pruneCommand,
			checkCommand,
			tagCommand,
			mergeCommand,
			repairCommand,
			repoInfoCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var integrity *integrityError
		if errors.As(err, &integrity) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
