// Package rank partitions complaints by the SPN structural marker and
// orders each partition by priority tier.
package rank

import (
	"cmp"
	"slices"

	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/textnorm"
)

// StructuralMarker is the whole word that marks a structural complaint.
const StructuralMarker = "spn"

var spnMatcher = textnorm.NewMatcher(StructuralMarker)

// IsStructural reports whether an observation carries the SPN marker as a
// whole word. "SPN 42" matches; "crispness" does not.
func IsStructural(observation string) bool {
	return spnMatcher.Match(textnorm.Lower(observation))
}

// Segregate sets Structural on every record and splits the batch into the
// structural and non-structural partitions, keeping input order. Every
// record lands in exactly one partition.
func Segregate(records []*complaint.Record) (structural, other []*complaint.Record) {
	for _, r := range records {
		r.Structural = IsStructural(r.Observation)
		if r.Structural {
			structural = append(structural, r)
		} else {
			other = append(other, r)
		}
	}
	return structural, other
}

// Options selects secondary sort keys. Tier is always the primary key.
type Options struct {
	// ByRPN orders equal tiers by RPN, highest first.
	ByRPN bool
	// ByAge orders remaining ties oldest first. Records without a known
	// age keep their input order after the aged ones.
	ByAge bool
}

// Rank returns a new slice ordered High, Moderate, Low. The sort is stable:
// ties on every configured key keep input order.
func Rank(records []*complaint.Record, opts Options) []*complaint.Record {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b *complaint.Record) int {
		if c := cmp.Compare(a.Tier.Rank(), b.Tier.Rank()); c != 0 {
			return c
		}
		if opts.ByRPN {
			if c := cmp.Compare(b.RPN, a.RPN); c != 0 {
				return c
			}
		}
		if opts.ByAge {
			return compareAge(a, b)
		}
		return 0
	})
	return out
}

func compareAge(a, b *complaint.Record) int {
	switch {
	case a.AgeHours == nil && b.AgeHours == nil:
		return 0
	case a.AgeHours == nil:
		return 1
	case b.AgeHours == nil:
		return -1
	}
	return cmp.Compare(*b.AgeHours, *a.AgeHours)
}

// SplitOpen separates resolved records from open ones, keeping order.
func SplitOpen(records []*complaint.Record) (open, closed []*complaint.Record) {
	for _, r := range records {
		if complaint.IsClosed(r.Status) {
			closed = append(closed, r)
		} else {
			open = append(open, r)
		}
	}
	return open, closed
}
