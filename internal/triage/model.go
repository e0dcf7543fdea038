package triage

import (
	"time"

	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/rank"
)

// Status tracks where a batch is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means currently being processed
	StatusInProgress Status = "in_progress"

	// StatusComplete means finished successfully
	StatusComplete Status = "complete"

	// StatusFailed means finished with errors
	StatusFailed Status = "failed"
)

// Sheet names of the partitioned, open/closed split view.
const (
	SheetStructuralOpen      = "SPN Open"
	SheetStructuralClosed    = "SPN Closed"
	SheetNonStructuralOpen   = "Non-SPN Open"
	SheetNonStructuralClosed = "Non-SPN Closed"
)

// Summary holds per-batch counts.
type Summary struct {
	Total               int                    `json:"total"`
	Structural          int                    `json:"structural"`
	NonStructural       int                    `json:"non_structural"`
	Closed              int                    `json:"closed"`
	Unresolved          int                    `json:"unresolved"`
	ClassifierFallbacks int                    `json:"classifier_fallbacks"`
	DateFailures        int                    `json:"date_failures"`
	ByTier              map[complaint.Tier]int `json:"by_tier"`
	ByBand              map[complaint.Band]int `json:"by_band"`
}

// Report is the triaged view of a batch: two ranked partitions.
type Report struct {
	EvaluatedAt   time.Time           `json:"evaluated_at"`
	Strategy      string              `json:"strategy"`
	Policy        string              `json:"escalation_policy"`
	Structural    []*complaint.Record `json:"structural"`
	NonStructural []*complaint.Record `json:"non_structural"`
	Summary       Summary             `json:"summary"`
}

// Records returns every record, structural partition first.
func (r *Report) Records() []*complaint.Record {
	out := make([]*complaint.Record, 0, len(r.Structural)+len(r.NonStructural))
	out = append(out, r.Structural...)
	return append(out, r.NonStructural...)
}

// Sheets splits each partition into open and closed records, keeping rank
// order.
func (r *Report) Sheets() map[string][]*complaint.Record {
	so, sc := rank.SplitOpen(r.Structural)
	no, nc := rank.SplitOpen(r.NonStructural)
	return map[string][]*complaint.Record{
		SheetStructuralOpen:      so,
		SheetStructuralClosed:    sc,
		SheetNonStructuralOpen:   no,
		SheetNonStructuralClosed: nc,
	}
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Structural = cloneRecords(r.Structural)
	cp.NonStructural = cloneRecords(r.NonStructural)
	cp.Summary.ByTier = make(map[complaint.Tier]int, len(r.Summary.ByTier))
	for k, v := range r.Summary.ByTier {
		cp.Summary.ByTier[k] = v
	}
	cp.Summary.ByBand = make(map[complaint.Band]int, len(r.Summary.ByBand))
	for k, v := range r.Summary.ByBand {
		cp.Summary.ByBand[k] = v
	}
	return &cp
}

func cloneRecords(in []*complaint.Record) []*complaint.Record {
	if in == nil {
		return nil
	}
	out := make([]*complaint.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func summarize(structural, nonStructural []*complaint.Record) Summary {
	s := Summary{
		Structural:    len(structural),
		NonStructural: len(nonStructural),
		ByTier:        make(map[complaint.Tier]int),
		ByBand:        make(map[complaint.Band]int),
	}
	s.Total = s.Structural + s.NonStructural
	for _, part := range [][]*complaint.Record{structural, nonStructural} {
		for _, r := range part {
			s.ByTier[r.Tier]++
			s.ByBand[r.Band]++
			if r.Band == complaint.BandResolved {
				s.Closed++
			}
			if r.HasIssue(complaint.IssueUnresolved) {
				s.Unresolved++
			}
			if r.HasIssue(complaint.IssueClassifierUnavailable) {
				s.ClassifierFallbacks++
			}
			if r.HasIssue(complaint.IssueDateParse) {
				s.DateFailures++
			}
		}
	}
	return s
}

// Result is the stored lifecycle record of one submitted batch.
type Result struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source,omitempty"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Duration    float64   `json:"duration_seconds,omitempty"`
	Report      *Report   `json:"report,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	cp := *r
	cp.Report = r.Report.Clone()
	return &cp
}

// ComplaintCount is one entry of a top-complaints listing.
type ComplaintCount struct {
	Observation string `json:"observation"`
	Component   string `json:"component"`
	Count       int    `json:"count"`
}
