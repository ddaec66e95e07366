package pipeline

import (
	"cmp"
	"slices"
	"strings"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

// AggregateOptions controls ranking.
type AggregateOptions struct {
	// MaxPerParent caps records per parent company. Zero or less disables
	// the cap.
	MaxPerParent int

	// MinRelevance is the lowest score kept, on a 0-100 scale.
	MinRelevance float64
}

// DefaultAggregateOptions returns a cap of 3 per parent and a threshold of 50.
func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{MaxPerParent: 3, MinRelevance: 50}
}

// Aggregate ranks records into a result set. It filters nameless and
// low-scoring records, sorts by score descending with ties in discovery
// order, then makes one pass that skips repeated identities and records
// whose parent is already full. Dedupe and cap must both see records in
// score order, so neither may run before the sort.
//
// The input slice is not modified. Records with distinct discovery indexes
// rank the same whatever order they arrive in.
func Aggregate(records []model.EntityRecord, opts AggregateOptions) *model.ResultSet {
	rs := &model.ResultSet{Records: []model.EntityRecord{}}

	kept := make([]model.EntityRecord, 0, len(records))
	for _, r := range records {
		switch {
		case strings.TrimSpace(r.Name) == "":
			rs.Dropped.Unnamed++
		case r.Score() < opts.MinRelevance:
			rs.Dropped.BelowThreshold++
		default:
			kept = append(kept, r)
		}
	}

	slices.SortStableFunc(kept, func(a, b model.EntityRecord) int {
		if c := cmp.Compare(b.Score(), a.Score()); c != 0 {
			return c
		}
		return cmp.Compare(a.DiscoveryIndex, b.DiscoveryIndex)
	})

	seen := make(map[string]bool, len(kept))
	perParent := make(map[string]int)
	for _, r := range kept {
		id := r.IdentityKey()
		if seen[id] {
			rs.Dropped.Duplicate++
			continue
		}
		parent := r.ParentKey()
		if parent != "" && opts.MaxPerParent > 0 && perParent[parent] >= opts.MaxPerParent {
			rs.Dropped.ParentCap++
			continue
		}
		seen[id] = true
		if parent != "" {
			perParent[parent]++
		}
		rs.Records = append(rs.Records, r)
	}
	rs.Tally()
	return rs
}
