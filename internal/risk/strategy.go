package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lg1805/icss-web-app/internal/classifier"
	"github.com/lg1805/icss-web-app/internal/complaint"
)

// Strategy names.
const (
	StrategyRPN  = "rpn"
	StrategyText = "text"
)

// Thresholds are the RPN cut-offs of the threshold strategy.
type Thresholds struct {
	Mid  int `json:"mid" yaml:"mid"`
	High int `json:"high" yaml:"high"`
}

// Named calibration profiles.
var (
	ProfileStandard  = Thresholds{Mid: 100, High: 200}
	ProfileSensitive = Thresholds{Mid: 80, High: 150}
)

var profiles = map[string]Thresholds{
	"standard":  ProfileStandard,
	"sensitive": ProfileSensitive,
}

// Profile returns a named threshold profile.
func Profile(name string) (Thresholds, bool) {
	th, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return th, ok
}

// ProfileNames lists the known profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate requires 0 < Mid <= High.
func (th Thresholds) Validate() error {
	if th.Mid <= 0 || th.High <= 0 {
		return fmt.Errorf("thresholds must be positive (mid=%d high=%d)", th.Mid, th.High)
	}
	if th.Mid > th.High {
		return fmt.Errorf("mid threshold %d exceeds high threshold %d", th.Mid, th.High)
	}
	return nil
}

// Tier maps an RPN to a tier: High at or above High, Moderate at or above
// Mid, Low otherwise.
func (th Thresholds) Tier(rpn int) complaint.Tier {
	switch {
	case rpn >= th.High:
		return complaint.TierHigh
	case rpn >= th.Mid:
		return complaint.TierModerate
	default:
		return complaint.TierLow
	}
}

// Classification is the outcome of a strategy for one record.
type Classification struct {
	Tier  complaint.Tier
	Label string
	// Err is set when the strategy degraded to its default tier.
	Err error
}

// Strategy assigns a tier to a scored record.
type Strategy interface {
	Name() string
	Classify(ctx context.Context, r *complaint.Record) Classification
}

// ThresholdStrategy tiers records by RPN.
type ThresholdStrategy struct {
	Thresholds Thresholds
}

var _ Strategy = ThresholdStrategy{}

// Name implements Strategy.
func (ThresholdStrategy) Name() string { return StrategyRPN }

// Classify implements Strategy.
func (s ThresholdStrategy) Classify(_ context.Context, r *complaint.Record) Classification {
	return Classification{Tier: s.Thresholds.Tier(r.RPN)}
}

// TextStrategy tiers records with a text classifier. A missing or failing
// classifier, or a label outside the table, degrades to Low.
type TextStrategy struct {
	Port   classifier.Predictor
	Labels classifier.Labels
}

var _ Strategy = TextStrategy{}

// Name implements Strategy.
func (TextStrategy) Name() string { return StrategyText }

// Classify implements Strategy.
func (s TextStrategy) Classify(ctx context.Context, r *complaint.Record) Classification {
	if s.Port == nil {
		return Classification{Tier: complaint.TierLow, Err: classifier.ErrUnavailable}
	}
	labels := s.Labels
	if labels == nil {
		labels = classifier.DefaultLabels()
	}

	label, err := s.Port.Predict(ctx, r.Normalized)
	if err != nil {
		if !errors.Is(err, classifier.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", classifier.ErrUnavailable, err)
		}
		return Classification{Tier: complaint.TierLow, Err: err}
	}
	tier, ok := labels.Tier(label)
	if !ok {
		return Classification{
			Tier:  complaint.TierLow,
			Label: label,
			Err:   fmt.Errorf("%w: unmapped label %q", classifier.ErrUnavailable, label),
		}
	}
	return Classification{Tier: tier, Label: label}
}
