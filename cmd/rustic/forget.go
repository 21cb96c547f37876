package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"rustic/id"
	"rustic/repository"
	"rustic/retention"
)

var forgetCommand = &cli.Command{
	Name:      "forget",
	Usage:     "apply a retention policy, removing snapshots it decides to discard",
	ArgsUsage: "[snapshot-id...]",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "keep-last", Value: 0},
		&cli.IntFlag{Name: "keep-hourly", Value: 0},
		&cli.IntFlag{Name: "keep-daily", Value: 0},
		&cli.IntFlag{Name: "keep-weekly", Value: 0},
		&cli.IntFlag{Name: "keep-monthly", Value: 0},
		&cli.IntFlag{Name: "keep-quarter-yearly", Value: 0},
		&cli.IntFlag{Name: "keep-half-yearly", Value: 0},
		&cli.IntFlag{Name: "keep-yearly", Value: 0},
		&cli.DurationFlag{Name: "keep-within"},
		&cli.StringSliceFlag{Name: "keep-tag", Usage: "tag that always keeps its snapshot"},
		&cli.StringFlag{Name: "group-by", Value: "host,paths", Usage: "comma-separated subset of host,label,paths,tags"},
		&cli.BoolFlag{Name: "dry-run", Usage: "print the decision without removing anything"},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		explicitIDs := c.Args().Slice()

		repo, _, runLocked, err := openRepoForWrite(ctx, c)
		if err != nil {
			return err
		}
		results, err := repo.Snapshots(ctx)
		if err != nil {
			return fmt.Errorf("forget: %w", err)
		}

		var candidates []retention.Candidate
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			candidates = append(candidates, retention.Candidate{ID: r.ID, Snapshot: r.File})
		}

		opts := keepOptionsFromFlags(c)
		groups := groupCandidates(candidates, c.String("group-by"))

		now := time.Now()
		var toRemove []id.Id
		for _, group := range groups {
			sort.Slice(group, func(i, j int) bool { return group[i].Snapshot.Time.After(group[j].Snapshot.Time) })
			decisions := retention.Decide(group, opts, explicitIDs, now)
			for _, d := range decisions {
				if !d.Keep {
					toRemove = append(toRemove, d.ID)
				}
				fmt.Printf("%s  keep=%v  %s\n", d.ID, d.Keep, strings.Join(d.Reasons, ","))
			}
		}

		if c.Bool("dry-run") || len(toRemove) == 0 {
			return nil
		}
		return runLocked(func() error {
			for _, snapID := range toRemove {
				if err := repo.RemoveSnapshot(ctx, snapID); err != nil {
					return fmt.Errorf("forget: remove %s: %w", snapID, err)
				}
			}
			return nil
		})
	},
}

func keepOptionsFromFlags(c *cli.Context) retention.KeepOptions {
	opts := retention.KeepOptions{
		Last:                c.Int("keep-last"),
		Hourly:              c.Int("keep-hourly"),
		Daily:               c.Int("keep-daily"),
		Weekly:              c.Int("keep-weekly"),
		Monthly:             c.Int("keep-monthly"),
		QuarterYearly:       c.Int("keep-quarter-yearly"),
		HalfYearly:          c.Int("keep-half-yearly"),
		Yearly:              c.Int("keep-yearly"),
		KeepTags:            c.StringSlice("keep-tag"),
	}
	if d := c.Duration("keep-within"); d > 0 {
		opts.Within = &d
	}
	return opts
}

// groupCandidates partitions candidates by the subset of {host, label,
// paths, tags} named in dims (comma-separated), per spec.md §4.12's
// "groups are keyed by any subset" rule.
func groupCandidates(candidates []retention.Candidate, dims string) [][]retention.Candidate {
	keys := strings.Split(dims, ",")
	groups := make(map[string][]retention.Candidate)
	var order []string
	for _, cand := range candidates {
		key := groupKey(cand.Snapshot, keys)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], cand)
	}
	out := make([][]retention.Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func groupKey(snap repository.Snapshot, dims []string) string {
	var parts []string
	for _, d := range dims {
		switch strings.TrimSpace(d) {
		case "host":
			parts = append(parts, "host="+snap.Hostname)
		case "label":
			parts = append(parts, "label="+snap.Label)
		case "paths":
			parts = append(parts, "paths="+strings.Join(snap.Paths, "|"))
		case "tags":
			sorted := append([]string(nil), snap.Tags...)
			sort.Strings(sorted)
			parts = append(parts, "tags="+strings.Join(sorted, "|"))
		}
	}
	return strings.Join(parts, ";")
}
