// Package retention implements the forget policy: deciding, for one group
// of snapshots sorted newest-first, which to keep and which to remove,
// per spec.md §4.12.
package retention

import (
	"strings"
	"time"

	"rustic/id"
	"rustic/repository"
)

// KeepOptions mirrors the forget command's counters and durations. A
// counter of 0 disables that bucket; -1 keeps unboundedly. A nil Duration
// disables that bucket's keep-within check.
type KeepOptions struct {
	Last, Hourly, Daily, Weekly, Monthly, QuarterYearly, HalfYearly, Yearly int

	Within, WithinHourly, WithinDaily, WithinWeekly, WithinMonthly,
	WithinQuarterYearly, WithinHalfYearly, WithinYearly *time.Duration

	KeepTags []string
	KeepIDs  []string // hex-prefix match against a snapshot id
}

// IsZero reports whether no keep option is set at all, the condition
// under which an otherwise-unreasoned snapshot defaults to kept rather
// than removed.
func (o KeepOptions) IsZero() bool {
	return o.Last == 0 && o.Hourly == 0 && o.Daily == 0 && o.Weekly == 0 &&
		o.Monthly == 0 && o.QuarterYearly == 0 && o.HalfYearly == 0 && o.Yearly == 0 &&
		o.Within == nil && o.WithinHourly == nil && o.WithinDaily == nil &&
		o.WithinWeekly == nil && o.WithinMonthly == nil && o.WithinQuarterYearly == nil &&
		o.WithinHalfYearly == nil && o.WithinYearly == nil &&
		len(o.KeepTags) == 0 && len(o.KeepIDs) == 0
}

// Candidate is one snapshot under consideration, paired with its id (the
// Snapshot value itself carries no id).
type Candidate struct {
	ID       id.Id
	Snapshot repository.Snapshot
}

// Decision is the forget verdict for one candidate.
type Decision struct {
	ID      id.Id
	Keep    bool
	Reasons []string
}

type bucketRule struct {
	name       string
	sameBucket func(a, b time.Time) bool
	counter    *int
	within     *time.Duration
	withinTag  string
}

// Decide evaluates the forget policy over one group of candidates, which
// must already be sorted newest-first (as group members are in spec.md
// §4.12). explicitIDs, when non-empty, forces removal of every candidate
// whose id it names, unless a must_keep delete-policy overrides it.
func Decide(candidates []Candidate, opts KeepOptions, explicitIDs []string, now time.Time) []Decision {
	if len(candidates) == 0 {
		return nil
	}
	latestTime := candidates[0].Snapshot.Time
	defaultKeep := len(explicitIDs) == 0 && opts.IsZero()

	// Fresh counters per call: each is consumed (decremented) as its
	// bucket is crossed walking newest to oldest.
	last := opts.Last
	hourly := opts.Hourly
	daily := opts.Daily
	weekly := opts.Weekly
	monthly := opts.Monthly
	quarterYearly := opts.QuarterYearly
	halfYearly := opts.HalfYearly
	yearly := opts.Yearly

	rules := []bucketRule{
		{"last", alwaysDifferent, &last, opts.Within, "within"},
		{"hourly", sameHour, &hourly, opts.WithinHourly, "within hourly"},
		{"daily", sameDay, &daily, opts.WithinDaily, "within daily"},
		{"weekly", sameWeek, &weekly, opts.WithinWeekly, "within weekly"},
		{"monthly", sameMonth, &monthly, opts.WithinMonthly, "within monthly"},
		{"quarter-yearly", sameQuarter, &quarterYearly, opts.WithinQuarterYearly, "within quarter-yearly"},
		{"half-yearly", sameHalfYear, &halfYearly, opts.WithinHalfYearly, "within half-yearly"},
		{"yearly", sameYear, &yearly, opts.WithinYearly, "within yearly"},
	}

	decisions := make([]Decision, len(candidates))
	for i, c := range candidates {
		decisions[i] = decideOne(c, i, candidates, rules, opts, explicitIDs, defaultKeep, latestTime, now)
	}
	return decisions
}

func decideOne(c Candidate, i int, all []Candidate, rules []bucketRule, opts KeepOptions, explicitIDs []string, defaultKeep bool, latestTime, now time.Time) Decision {
	sn := c.Snapshot

	if sn.MustKeep(now) {
		return Decision{ID: c.ID, Keep: true, Reasons: []string{"snapshot"}}
	}
	if sn.MustDelete(now) {
		return Decision{ID: c.ID, Keep: false, Reasons: []string{"snapshot"}}
	}
	if len(explicitIDs) > 0 {
		if idListed(c.ID, explicitIDs) {
			return Decision{ID: c.ID, Keep: false, Reasons: []string{"id argument"}}
		}
		return Decision{ID: c.ID, Keep: false}
	}

	var reasons []string
	if idListed(c.ID, opts.KeepIDs) {
		reasons = append(reasons, "id")
	}
	if tagsMatch(sn.Tags, opts.KeepTags) {
		reasons = append(reasons, "tags")
	}

	hasNext := i < len(all)-1
	var prevTime time.Time
	havePrev := i > 0
	if havePrev {
		prevTime = all[i-1].Snapshot.Time
	}

	for _, r := range rules {
		newBucket := !hasNext || !havePrev || !r.sameBucket(sn.Time, prevTime)
		if !newBucket {
			continue
		}
		if *r.counter != 0 {
			reasons = append(reasons, r.name)
			if *r.counter > 0 {
				*r.counter--
			}
		}
		if r.within != nil && sn.Time.Add(*r.within).After(latestTime) {
			reasons = append(reasons, r.withinTag)
		}
	}

	if len(reasons) > 0 {
		return Decision{ID: c.ID, Keep: true, Reasons: reasons}
	}
	return Decision{ID: c.ID, Keep: defaultKeep}
}

func idListed(candidate id.Id, prefixes []string) bool {
	if len(prefixes) == 0 {
		return false
	}
	hex := candidate.String()
	for _, want := range prefixes {
		if strings.HasPrefix(hex, want) {
			return true
		}
	}
	return false
}

func tagsMatch(tags, want []string) bool {
	if len(want) == 0 {
		return false
	}
	for _, t := range tags {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

func alwaysDifferent(a, b time.Time) bool { return false }

func sameYear(a, b time.Time) bool {
	return a.Year() == b.Year()
}

func sameHalfYear(a, b time.Time) bool {
	return a.Year() == b.Year() && int(a.Month()-1)/6 == int(b.Month()-1)/6
}

func sameQuarter(a, b time.Time) bool {
	return a.Year() == b.Year() && int(a.Month()-1)/3 == int(b.Month()-1)/3
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func sameWeek(a, b time.Time) bool {
	y1, w1 := a.ISOWeek()
	y2, w2 := b.ISOWeek()
	return y1 == y2 && w1 == w2
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func sameHour(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay() && a.Hour() == b.Hour()
}
