package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/id"
	"rustic/repository"
)

func mkCandidate(n byte, when time.Time, tags ...string) Candidate {
	var cid id.Id
	cid[0] = n
	return Candidate{
		ID:       cid,
		Snapshot: repository.Snapshot{Time: when, Tags: tags},
	}
}

func TestDecideKeepLastN(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	var candidates []Candidate
	for i := byte(0); i < 5; i++ {
		candidates = append(candidates, mkCandidate(i+1, now.AddDate(0, 0, -int(i))))
	}

	decisions := Decide(candidates, KeepOptions{Last: 2}, nil, now)
	require.Len(t, decisions, 5)
	require.True(t, decisions[0].Keep)
	require.True(t, decisions[1].Keep)
	require.False(t, decisions[2].Keep)
	require.False(t, decisions[3].Keep)
	require.False(t, decisions[4].Keep)
}

func TestDecideKeepDailyCollapsesSameDay(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	candidates := []Candidate{
		mkCandidate(1, time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)),
		mkCandidate(2, time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)), // same day as above
		mkCandidate(3, time.Date(2026, 1, 9, 3, 0, 0, 0, time.UTC)),
	}

	decisions := Decide(candidates, KeepOptions{Daily: 2}, nil, now)
	require.True(t, decisions[0].Keep, "newest of the first daily bucket is kept")
	require.False(t, decisions[1].Keep, "second entry of the same day doesn't start a new bucket")
	require.True(t, decisions[2].Keep, "distinct day consumes the second daily slot")
}

func TestDecideDefaultKeepWithNoOptions(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	candidates := []Candidate{mkCandidate(1, now)}
	decisions := Decide(candidates, KeepOptions{}, nil, now)
	require.True(t, decisions[0].Keep, "no keep options and no ids defaults to keeping everything")
}

func TestDecideKeepTagsOverridesRemoval(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	candidates := []Candidate{
		mkCandidate(1, now, "important"),
		mkCandidate(2, now.AddDate(0, 0, -1)),
	}
	decisions := Decide(candidates, KeepOptions{Last: 0, KeepTags: []string{"important"}}, nil, now)
	require.True(t, decisions[0].Keep)
	require.False(t, decisions[1].Keep)
}

func TestDecideMustKeepOverridesEverything(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	snap := repository.Snapshot{
		Time:   now.AddDate(0, 0, -30),
		Delete: &repository.DeletePolicy{Kind: repository.Never},
	}
	var cid id.Id
	cid[0] = 9
	decisions := Decide([]Candidate{{ID: cid, Snapshot: snap}}, KeepOptions{}, nil, now)
	require.True(t, decisions[0].Keep)
	require.Equal(t, []string{"snapshot"}, decisions[0].Reasons)
}

func TestDecideExplicitIDsForcesRemoval(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := mkCandidate(0xAB, now)
	decisions := Decide([]Candidate{c}, KeepOptions{Last: -1}, []string{c.ID.String()}, now)
	require.False(t, decisions[0].Keep)
	require.Equal(t, []string{"id argument"}, decisions[0].Reasons)
}

func TestDecideRepeatableAcrossCalls(t *testing.T) {
	// Candidates must be supplied newest-first; Decide starts fresh bucket
	// counters on every call, so two calls over the same group agree.
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	a := mkCandidate(1, now)
	b := mkCandidate(2, now.AddDate(0, 0, -1))
	opts := KeepOptions{Last: 1, Daily: 1}

	d1 := Decide([]Candidate{a, b}, opts, nil, now)
	d2 := Decide([]Candidate{a, b}, opts, nil, now)
	require.Equal(t, d1, d2)
}
