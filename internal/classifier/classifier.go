// Package classifier defines the text-classification capability used by the
// text tier strategy, plus the label table that maps predictions to tiers.
//
// A missing classifier is a valid configuration: Nop reports ErrUnavailable
// and callers fall back to their degraded default.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

// ErrUnavailable marks a classifier that is missing or failed. Callers
// degrade instead of failing the batch.
var ErrUnavailable = errors.New("classifier unavailable")

// Predictor predicts a label for normalized complaint text.
type Predictor interface {
	Predict(ctx context.Context, text string) (string, error)
}

// PredictorFunc adapts a plain function to Predictor.
type PredictorFunc func(ctx context.Context, text string) (string, error)

// Predict implements Predictor.
func (f PredictorFunc) Predict(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Nop is the null classifier. It always reports ErrUnavailable.
type Nop struct{}

// Predict implements Predictor.
func (Nop) Predict(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// Bounded wraps p so every call is limited by timeout and every failure is
// reported as ErrUnavailable. A nil p yields Nop.
func Bounded(p Predictor, timeout time.Duration) Predictor {
	if p == nil {
		return Nop{}
	}
	return PredictorFunc(func(ctx context.Context, text string) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		label, err := p.Predict(ctx, text)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return "", err
			}
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return label, nil
	})
}

// Labels maps classifier output labels, lowercased, to tiers.
type Labels map[string]complaint.Tier

// DefaultLabels accepts tier names and the numeric codes 3/2/1 for
// High/Moderate/Low.
func DefaultLabels() Labels {
	return Labels{
		"high":     complaint.TierHigh,
		"moderate": complaint.TierModerate,
		"medium":   complaint.TierModerate,
		"low":      complaint.TierLow,
		"3":        complaint.TierHigh,
		"2":        complaint.TierModerate,
		"1":        complaint.TierLow,
	}
}

// Tier maps a predicted label to a tier, ignoring case and surrounding
// whitespace.
func (l Labels) Tier(label string) (complaint.Tier, bool) {
	t, ok := l[strings.ToLower(strings.TrimSpace(label))]
	return t, ok
}
