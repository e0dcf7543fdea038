package complaint

import (
	"strings"
	"time"
)

// UnknownComponent is the resolution outcome when no catalog entry matches.
const UnknownComponent = "unknown"

// Tier is the discrete priority classification of a record.
type Tier string

const (
	TierHigh     Tier = "High"
	TierModerate Tier = "Moderate"
	TierLow      Tier = "Low"
)

// Rank orders tiers High first. Unknown tiers sort after Low.
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 0
	case TierModerate:
		return 1
	case TierLow:
		return 2
	default:
		return 3
	}
}

// ParseTier maps a case-insensitive tier name to a Tier.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh, true
	case "moderate", "medium":
		return TierModerate, true
	case "low":
		return TierLow, true
	}
	return "", false
}

// Band is the elapsed-time escalation level of a record.
type Band string

const (
	// BandResolved takes precedence over age for closed or completed records.
	BandResolved Band = "Resolved"

	// BandUnknown means the creation time was missing or unparseable.
	BandUnknown Band = "Unknown"

	// hour-banded policy
	BandRed    Band = "Red"
	BandYellow Band = "Yellow"
	BandBlue   Band = "Blue"

	// day-banded policy
	BandNone        Band = "None"
	BandEarly       Band = "Early"
	BandWarning     Band = "Warning"
	BandHighWarning Band = "HighWarning"
	BandCritical    Band = "Critical"
)

// RenderHint tells a presentation layer how to colour a record.
// Colours are RGB hex strings without a leading '#'. Empty means no fill.
type RenderHint struct {
	TierColor string `json:"tier_color,omitempty"`
	BandColor string `json:"band_color,omitempty"`
}

// IssueKind classifies a per-record, non-fatal stage failure.
type IssueKind string

const (
	IssueUnresolved            IssueKind = "unresolved_component"
	IssueDefaultScore          IssueKind = "default_score"
	IssueClassifierUnavailable IssueKind = "classifier_unavailable"
	IssueDateParse             IssueKind = "date_parse_failure"
	IssueMissingDate           IssueKind = "missing_creation_time"
)

// Issue is a non-fatal failure recorded on a single record.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Resolution methods recorded on a record.
const (
	ResolvedByKeyword    = "keyword"
	ResolvedBySimilarity = "similarity"
	ResolvedByNone       = "none"
)

// Record is one complaint flowing through the triage pipeline. Fields below
// the input block are derived and are filled in stage order.
type Record struct {
	ID          string `json:"id"`
	Observation string `json:"observation"`
	CreatedRaw  string `json:"created_raw,omitempty"`
	Status      string `json:"status,omitempty"`

	Normalized  string     `json:"normalized"`
	Structural  bool       `json:"structural"`
	Component   string     `json:"component"`
	ResolvedBy  string     `json:"resolved_by"`
	Similarity  float64    `json:"similarity,omitempty"`
	Severity    int        `json:"severity"`
	Occurrence  int        `json:"occurrence"`
	Detection   int        `json:"detection"`
	RPN         int        `json:"rpn"`
	Defaulted   bool       `json:"score_defaulted,omitempty"`
	Label       string     `json:"classifier_label,omitempty"`
	Tier        Tier       `json:"tier"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	AgeHours    *float64   `json:"age_hours,omitempty"`
	Band        Band       `json:"band"`
	Hint        RenderHint `json:"hint"`
	Issues      []Issue    `json:"issues,omitempty"`
}

// AddIssue records a non-fatal failure on the record.
func (r *Record) AddIssue(kind IssueKind, detail string) {
	r.Issues = append(r.Issues, Issue{Kind: kind, Detail: detail})
}

// HasIssue reports whether an issue of the given kind was recorded.
func (r *Record) HasIssue(kind IssueKind) bool {
	for _, is := range r.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		cp.CreatedAt = &t
	}
	if r.AgeHours != nil {
		h := *r.AgeHours
		cp.AgeHours = &h
	}
	if r.Issues != nil {
		cp.Issues = append([]Issue(nil), r.Issues...)
	}
	return &cp
}

// IsClosed reports whether a lifecycle status means the complaint is done.
// Substring matches are accepted, so "Closed - verified" counts.
func IsClosed(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "closed") || strings.Contains(s, "completed")
}
