// Package risk scores complaints (RPN = Severity × Occurrence × Detection)
// and assigns priority tiers from the score or from a text classifier.
package risk

import (
	"fmt"

	"github.com/lg1805/icss-web-app/internal/catalog"
	"github.com/lg1805/icss-web-app/internal/complaint"
)

// Triple is a severity/occurrence/detection rating.
type Triple struct {
	Severity   int `json:"severity" yaml:"severity"`
	Occurrence int `json:"occurrence" yaml:"occurrence"`
	Detection  int `json:"detection" yaml:"detection"`
}

// DefaultTriple is applied to unresolved components unless the deployment
// configures another one. Its RPN of 10 matches the low-priority fallback.
var DefaultTriple = Triple{Severity: 1, Occurrence: 1, Detection: 10}

// RPN returns the product of the three ratings. No clamping is applied.
func (t Triple) RPN() int {
	return t.Severity * t.Occurrence * t.Detection
}

// Validate checks every rating is within the catalog bounds.
func (t Triple) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"severity", t.Severity},
		{"occurrence", t.Occurrence},
		{"detection", t.Detection},
	} {
		if f.v < catalog.MinScore || f.v > catalog.MaxScore {
			return fmt.Errorf("%s %d out of range %d..%d", f.name, f.v, catalog.MinScore, catalog.MaxScore)
		}
	}
	return nil
}

// Score is a scored component.
type Score struct {
	Triple
	RPN       int
	Defaulted bool
}

// Scorer looks components up in a catalog snapshot.
type Scorer struct {
	catalog *catalog.Catalog
	def     Triple
}

// NewScorer returns a Scorer that falls back to def for components the
// catalog does not hold.
func NewScorer(c *catalog.Catalog, def Triple) *Scorer {
	return &Scorer{catalog: c, def: def}
}

// Default returns the fallback triple.
func (s *Scorer) Default() Triple { return s.def }

// Score returns the catalog triple for component, or the default triple
// when the component is unknown. Catalog rows were range-checked at load
// time, so RPN is never computed from unvalidated values.
func (s *Scorer) Score(component string) Score {
	if component != complaint.UnknownComponent {
		if e, ok := s.catalog.Lookup(component); ok {
			t := Triple{Severity: e.Severity, Occurrence: e.Occurrence, Detection: e.Detection}
			return Score{Triple: t, RPN: t.RPN()}
		}
	}
	return Score{Triple: s.def, RPN: s.def.RPN(), Defaulted: true}
}

// LabelTriples derive a rating from a predicted tier for complaints that
// did not resolve to a catalog component.
var LabelTriples = map[complaint.Tier]Triple{
	complaint.TierHigh:     {Severity: 10, Occurrence: 9, Detection: 2},
	complaint.TierModerate: {Severity: 5, Occurrence: 6, Detection: 5},
	complaint.TierLow:      {Severity: 2, Occurrence: 3, Detection: 8},
}

// FromLabel returns the heuristic score for a predicted tier.
func FromLabel(t complaint.Tier) (Score, bool) {
	tr, ok := LabelTriples[t]
	if !ok {
		return Score{}, false
	}
	return Score{Triple: tr, RPN: tr.RPN(), Defaulted: true}, true
}
