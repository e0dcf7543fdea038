package triage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

// DefaultBatchTimeout bounds one asynchronous batch run.
const DefaultBatchTimeout = 5 * time.Minute

// SubmitResult is the outcome of submitting a batch for triage.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// ServiceOptions tunes the service. Zero values select defaults.
type ServiceOptions struct {
	BatchTimeout time.Duration
	// Now is the clock escalation is evaluated against.
	Now func() time.Time
	// RecordID names records that arrive without an id.
	RecordID func() string
}

// Service is the business boundary for triage operations.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	recordID func() string
	wg       sync.WaitGroup
}

// NewService creates a new triage service. metrics and notifier may be nil.
func NewService(store Store, engine *Engine, logger log.Logger, metrics *Metrics, notifier Notifier, opts ...ServiceOptions) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	var o ServiceOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RecordID == nil {
		o.RecordID = uuid.NewString
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		timeout:  o.BatchTimeout,
		now:      o.Now,
		recordID: o.RecordID,
	}
}

// Submit accepts a batch for asynchronous triage, handling schema checks,
// dedup and lifecycle. A missing required column is returned as
// *complaint.SchemaError without storing anything.
func (s *Service) Submit(ctx context.Context, b *complaint.Batch, source string) (*SubmitResult, error) {
	if _, err := b.Schema(); err != nil {
		s.countSubmit("rejected")
		return nil, err
	}

	fp := b.Fingerprint()

	// dedup: skip if the same batch is already pending or in progress
	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		s.countSubmit("error")
		return nil, err
	} else if ok && (existing.Status == StatusPending || existing.Status == StatusInProgress) {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	id := ulid.Make().String()
	result := &Result{
		ID:          id,
		Fingerprint: fp,
		Source:      source,
		Status:      StatusPending,
		RecordCount: len(b.Rows),
		CreatedAt:   s.now(),
	}

	if err := s.store.Put(ctx, result); err != nil {
		s.countSubmit("error")
		return nil, err
	}
	s.countSubmit("accepted")

	// pass only the ID to avoid sharing the Result pointer with the caller
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBatch(context.WithoutCancel(ctx), id, b)
	}()

	return &SubmitResult{ID: id}, nil
}

// Triage runs the pipeline synchronously without persisting anything.
func (s *Service) Triage(ctx context.Context, b *complaint.Batch) (*Report, error) {
	return s.engine.Run(ctx, b, s.now(), s.recordID)
}

// Get retrieves a batch result by ID.
func (s *Service) Get(ctx context.Context, id string) (*Result, bool, error) {
	return s.store.Get(ctx, id)
}

// Wait blocks until every asynchronous batch run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// TopComplaints counts identical observations per tier across the
// batches completed since the given time and returns the n most frequent
// per tier. Observations are grouped by their normalized text.
func (s *Service) TopComplaints(ctx context.Context, since time.Time, n int) (map[complaint.Tier][]ComplaintCount, error) {
	results, err := s.store.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	type key struct {
		tier complaint.Tier
		text string
	}
	counts := make(map[key]*ComplaintCount)
	order := make(map[complaint.Tier][]*ComplaintCount)
	for _, res := range results {
		if res.Report == nil {
			continue
		}
		for _, r := range res.Report.Records() {
			k := key{tier: r.Tier, text: r.Normalized}
			c, ok := counts[k]
			if !ok {
				c = &ComplaintCount{Observation: r.Observation, Component: r.Component}
				counts[k] = c
				order[r.Tier] = append(order[r.Tier], c)
			}
			c.Count++
		}
	}

	out := make(map[complaint.Tier][]ComplaintCount, len(order))
	for tier, cs := range order {
		slices.SortStableFunc(cs, func(a, b *ComplaintCount) int {
			return cmp.Compare(b.Count, a.Count)
		})
		if n > 0 && len(cs) > n {
			cs = cs[:n]
		}
		list := make([]ComplaintCount, len(cs))
		for i, c := range cs {
			list[i] = *c
		}
		out[tier] = list
	}
	return out, nil
}

// ComponentCounts returns how many records of the batches completed since
// the given time resolved to each component, "unknown" included.
func (s *Service) ComponentCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	if cc, ok := s.store.(ComponentCounter); ok {
		counts, err := cc.ComponentCounts(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("count components: %w", err)
		}
		return counts, nil
	}

	results, err := s.store.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	counts := make(map[string]int)
	for _, res := range results {
		if res.Report == nil {
			continue
		}
		for _, r := range res.Report.Records() {
			counts[r.Component]++
		}
	}
	return counts, nil
}

// Refresh re-evaluates escalation bands of every batch completed since the
// given time against now and stores the updated reports. It returns the
// number of batches refreshed.
func (s *Service) Refresh(ctx context.Context, since, now time.Time) (int, error) {
	results, err := s.store.ListSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list batches: %w", err)
	}

	var errs []error
	refreshed := 0
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if res.Status != StatusComplete || res.Report == nil {
			continue
		}
		res.Report = s.engine.Reescalate(res.Report, now)
		if err := s.store.Put(ctx, res); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", res.ID, err))
			continue
		}
		refreshed++
	}

	s.logger.Info(ctx, "escalation refresh complete", "batches", refreshed, "failed", len(errs))
	return refreshed, errors.Join(errs...)
}

func (s *Service) runBatch(ctx context.Context, id string, b *complaint.Batch) {
	L := s.logger.With("batch_id", id)

	result, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch result for triage")
		return
	}

	result.Status = StatusInProgress
	if err := s.store.Put(ctx, result); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	report, err := s.engine.Run(ctx, b, s.now(), s.recordID)

	result.CompletedAt = s.now()
	result.Duration = time.Since(start).Seconds()
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
	} else {
		result.Status = StatusComplete
		result.Report = report
		result.RecordCount = report.Summary.Total
	}

	// persist with a fresh budget; the run context may have expired
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer pcancel()

	s.persist(pctx, L, result)

	if s.notifier != nil {
		if err := s.notifier.Send(pctx, result); err != nil {
			L.Error(pctx, err, "failed to send notification")
		}
	}

	L.Info(pctx, "triage complete",
		"status", result.Status,
		"duration", result.Duration,
		"records", result.RecordCount,
	)
}

// persist stores the final result, retrying once. If the result still
// cannot be stored it falls back to a failed row without the report, so the
// batch leaves in_progress and its fingerprint can be submitted again.
func (s *Service) persist(ctx context.Context, L log.Logger, result *Result) {
	err := s.store.Put(ctx, result)
	if err == nil {
		return
	}
	L.Warn(ctx, "failed to persist triage result, retrying", "error", err)
	if err = s.store.Put(ctx, result); err == nil {
		return
	}
	L.Error(ctx, err, "failed to persist triage result")

	result.Status = StatusFailed
	result.Error = fmt.Sprintf("persist result: %v", err)
	result.Report = nil
	if err := s.store.Put(ctx, result); err != nil {
		L.Error(ctx, err, "failed to mark batch failed")
	}
}

func (s *Service) countSubmit(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SubmitsTotal.WithLabelValues(outcome).Inc()
}
