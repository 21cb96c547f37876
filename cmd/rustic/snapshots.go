package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"rustic/backend"
	"rustic/id"
	"rustic/index"
	"rustic/repository"
	"rustic/tree"
)

var snapshotsCommand = &cli.Command{
	Name:  "snapshots",
	Usage: "list snapshots in the repository",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}
		results, err := repo.Snapshots(ctx)
		if err != nil {
			return fmt.Errorf("snapshots: %w", err)
		}
		type row struct {
			id.Id
			repository.Snapshot
		}
		var rows []row
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintln(c.App.ErrWriter, "snapshots:", r.Err)
				continue
			}
			rows = append(rows, row{r.ID, r.File})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
		for _, r := range rows {
			fmt.Printf("%s  %s  %-20s  %-20s  %s\n", r.Id, r.Time.Format("2006-01-02 15:04:05"), r.Hostname, strings.Join(r.Tags, ","), strings.Join(r.Paths, ", "))
		}
		return nil
	},
}

var tagCommand = &cli.Command{
	Name:      "tag",
	Usage:     "add or remove tags on a snapshot, producing a new snapshot id",
	ArgsUsage: "<snapshot-id>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "add", Usage: "tag to add, repeatable"},
		&cli.StringSliceFlag{Name: "remove", Usage: "tag to remove, repeatable"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() != 1 {
			return fmt.Errorf("tag: exactly one snapshot id required")
		}
		snapID, err := id.Parse(c.Args().First())
		if err != nil {
			return fmt.Errorf("tag: %w", err)
		}
		repo, _, runLocked, err := openRepoForWrite(ctx, c)
		if err != nil {
			return err
		}
		var newID id.Id
		err = runLocked(func() error {
			newID, err = repo.RetagSnapshot(ctx, snapID, c.StringSlice("add"), c.StringSlice("remove"), nil)
			return err
		})
		if err != nil {
			return fmt.Errorf("tag: %w", err)
		}
		fmt.Printf("snapshot %s retagged as %s\n", snapID, newID)
		return nil
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "print a raw repository object",
	ArgsUsage: "config|index|snapshot|tree|tree-blob|data-blob <id>",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() != 2 {
			return fmt.Errorf("cat: usage: cat <kind> <id>")
		}
		kindArg, idArg := c.Args().Get(0), c.Args().Get(1)
		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}

		switch kindArg {
		case "config":
			data, err := repo.Cat(ctx, backend.Config, id.Id{})
			if err != nil {
				return fmt.Errorf("cat config: %w", err)
			}
			return writeCat(data)
		case "index", "snapshot":
			objID, err := id.Parse(idArg)
			if err != nil {
				return fmt.Errorf("cat %s: %w", kindArg, err)
			}
			kind := backend.Index
			if kindArg == "snapshot" {
				kind = backend.Snapshot
			}
			data, err := repo.Cat(ctx, kind, objID)
			if err != nil {
				return fmt.Errorf("cat %s: %w", kindArg, err)
			}
			return writeCat(data)
		case "tree":
			snapID, err := id.Parse(idArg)
			if err != nil {
				return fmt.Errorf("cat tree: %w", err)
			}
			snap, err := repo.GetSnapshot(ctx, snapID)
			if err != nil {
				return fmt.Errorf("cat tree: %w", err)
			}
			return catBlob(ctx, repo, snap.Tree, true)
		case "tree-blob":
			blobID, err := id.Parse(idArg)
			if err != nil {
				return fmt.Errorf("cat tree-blob: %w", err)
			}
			return catBlob(ctx, repo, blobID, true)
		case "data-blob":
			blobID, err := id.Parse(idArg)
			if err != nil {
				return fmt.Errorf("cat data-blob: %w", err)
			}
			return catBlob(ctx, repo, blobID, false)
		default:
			return fmt.Errorf("cat: unknown kind %q", kindArg)
		}
	},
}

func catBlob(ctx context.Context, repo *repository.Repository, blobID id.Id, isTree bool) error {
	idx := repo.Index()
	if idx == nil {
		return fmt.Errorf("cat: no index loaded")
	}
	var entry index.IndexEntry
	var ok bool
	if isTree {
		entry, ok = idx.GetTree(blobID)
	} else {
		entry, ok = idx.GetData(blobID)
	}
	if !ok {
		return fmt.Errorf("cat: blob %s not found in index", blobID)
	}
	plaintext, err := repo.Store.ReadBlob(ctx, entry.PackID, false, int64(entry.Offset), int64(entry.Length), entry.UncompressedLength)
	if err != nil {
		return fmt.Errorf("cat: read blob: %w", err)
	}
	return writeCat(plaintext)
}

func writeCat(data []byte) error {
	_, err := fmt.Println(string(data))
	return err
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list the entries in a snapshot, optionally rooted at a path",
	ArgsUsage: "<snapshot-id>[:<path>]",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if c.NArg() != 1 {
			return fmt.Errorf("ls: exactly one snapshot[:path] argument required")
		}
		snapArg, subPath := splitSnapPath(c.Args().First())
		snapID, err := id.Parse(snapArg)
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}

		repo, err := openRepo(ctx, c)
		if err != nil {
			return err
		}
		snap, err := repo.GetSnapshot(ctx, snapID)
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}

		resolver := &tree.Resolver{Index: repo.Index(), Store: repo.Store}
		root, err := tree.ResolvePath(ctx, resolver, snap.Tree, subPath)
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}

		streamer := tree.NewNodeStreamer(resolver, 8)
		for entry := range streamer.Walk(ctx, map[string]id.Id{"/": root}) {
			if entry.Err != nil {
				fmt.Fprintln(c.App.ErrWriter, "ls:", entry.Err)
				continue
			}
			fmt.Printf("%-6s %10d  %s\n", entry.Node.Kind, entry.Node.Size, entry.Path)
		}
		return nil
	},
}

// splitSnapPath splits a "snap" or "snap:path" command argument.
func splitSnapPath(arg string) (snap, path string) {
	if i := strings.Index(arg, ":"); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}
