package triage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/lg1805/icss-web-app/internal/catalog"
	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/escalation"
	"github.com/lg1805/icss-web-app/internal/rank"
	"github.com/lg1805/icss-web-app/internal/resolve"
	"github.com/lg1805/icss-web-app/internal/risk"
	"github.com/lg1805/icss-web-app/internal/textnorm"
)

var tracer = otel.Tracer("github.com/lg1805/icss-web-app/internal/triage")

// EngineHooks are optional callbacks invoked by the engine for instrumentation.
type EngineHooks struct {
	OnResolve  func(method string)
	OnClassify func(strategy string, degraded bool)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent carries summary data for a finished pipeline run.
type CompleteEvent struct {
	Status   Status
	Strategy string
	Duration float64
	Summary  Summary
}

// EngineConfig wires the pipeline stages.
type EngineConfig struct {
	Catalog        *catalog.Catalog
	Embedder       resolve.Embedder
	Resolve        resolve.Config
	DefaultTriple  risk.Triple
	Strategy       risk.Strategy
	Clock          *escalation.Clock
	Rank           rank.Options
	LabelHeuristic bool
}

// snapshot is the catalog-bound part of the engine. A run loads it once so
// every record of a batch sees the same catalog.
type snapshot struct {
	catalog  *catalog.Catalog
	resolver *resolve.Resolver
	scorer   *risk.Scorer
}

// Engine runs the triage pipeline: normalize, segregate, resolve, score,
// classify, escalate, then rank. It holds no per-batch state and is safe for
// concurrent runs.
type Engine struct {
	snap           atomic.Pointer[snapshot]
	embedder       resolve.Embedder
	resolveCfg     resolve.Config
	defaultTriple  risk.Triple
	strategy       risk.Strategy
	clock          *escalation.Clock
	rank           rank.Options
	labelHeuristic bool
	logger         log.Logger
	hooks          EngineHooks
}

// NewEngine creates a triage engine. A nil strategy tiers by the standard
// RPN profile and a nil clock uses the hour policy.
func NewEngine(cfg EngineConfig, logger log.Logger, hooks ...EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.DefaultTriple == (risk.Triple{}) {
		cfg.DefaultTriple = risk.DefaultTriple
	}
	if cfg.Strategy == nil {
		cfg.Strategy = risk.ThresholdStrategy{Thresholds: risk.ProfileStandard}
	}
	if cfg.Clock == nil {
		cfg.Clock = escalation.New(escalation.Config{})
	}

	var h EngineHooks
	if len(hooks) > 0 {
		h = hooks[0]
	}

	e := &Engine{
		embedder:       cfg.Embedder,
		resolveCfg:     cfg.Resolve,
		defaultTriple:  cfg.DefaultTriple,
		strategy:       cfg.Strategy,
		clock:          cfg.Clock,
		rank:           cfg.Rank,
		labelHeuristic: cfg.LabelHeuristic,
		logger:         logger,
		hooks:          h,
	}
	e.SetCatalog(cfg.Catalog)
	return e
}

// SetCatalog swaps the catalog used by subsequent runs. Runs in flight keep
// the snapshot they started with.
func (e *Engine) SetCatalog(c *catalog.Catalog) {
	if c == nil {
		c, _ = catalog.New(nil)
	}
	e.snap.Store(&snapshot{
		catalog:  c,
		resolver: resolve.New(c, e.embedder, e.resolveCfg),
		scorer:   risk.NewScorer(c, e.defaultTriple),
	})
}

// Catalog returns the current catalog snapshot.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.snap.Load().catalog
}

// Strategy returns the active tier strategy name.
func (e *Engine) Strategy() string { return e.strategy.Name() }

// Run triages one batch evaluated at now. The only batch-fatal errors are a
// *complaint.SchemaError and cancellation of ctx; every per-record failure
// is recorded on the record instead.
func (e *Engine) Run(ctx context.Context, b *complaint.Batch, now time.Time, newID func() string) (*Report, error) {
	start := time.Now()
	snap := e.snap.Load()

	ctx, span := tracer.Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("icss.strategy", e.strategy.Name()),
		attribute.String("icss.escalation_policy", string(e.clock.Policy())),
		attribute.Int("icss.catalog.entries", snap.catalog.Len()),
	))
	defer span.End()

	records, schema, err := b.Records(newID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.complete(StatusFailed, start, Summary{})
		return nil, err
	}
	span.SetAttributes(attribute.Int("icss.batch.records", len(records)))

	L := e.logger.With("records", len(records))
	if !schema.HasCreated() {
		L.Warn(ctx, "batch has no creation timestamp column, escalation bands will be unknown")
	}

	e.stage(ctx, "normalize", func(context.Context) {
		for _, r := range records {
			r.Normalized = textnorm.Normalize(r.Observation)
		}
	})

	var structural, nonStructural []*complaint.Record
	e.stage(ctx, "segregate", func(context.Context) {
		structural, nonStructural = rank.Segregate(records)
	})

	e.stage(ctx, "resolve", func(ctx context.Context) {
		e.resolveAll(ctx, snap.resolver, records)
	})

	e.stage(ctx, "score", func(context.Context) {
		for _, r := range records {
			applyScore(r, snap.scorer.Score(r.Component))
		}
	})

	e.stage(ctx, "classify", func(ctx context.Context) {
		e.classifyAll(ctx, records)
	})

	e.stage(ctx, "escalate", func(context.Context) {
		for _, r := range records {
			e.escalate(r, now)
		}
	})

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "batch aborted")
		e.complete(StatusFailed, start, Summary{})
		return nil, err
	}

	report := &Report{
		EvaluatedAt:   now,
		Strategy:      e.strategy.Name(),
		Policy:        string(e.clock.Policy()),
		Structural:    rank.Rank(structural, e.rank),
		NonStructural: rank.Rank(nonStructural, e.rank),
	}
	report.Summary = summarize(report.Structural, report.NonStructural)

	span.SetAttributes(
		attribute.Int("icss.batch.structural", report.Summary.Structural),
		attribute.Int("icss.batch.unresolved", report.Summary.Unresolved),
	)
	L.Info(ctx, "batch triaged",
		"structural", report.Summary.Structural,
		"non_structural", report.Summary.NonStructural,
		"unresolved", report.Summary.Unresolved,
		"classifier_fallbacks", report.Summary.ClassifierFallbacks,
		"date_failures", report.Summary.DateFailures,
	)
	e.complete(StatusComplete, start, report.Summary)
	return report, nil
}

// Reescalate recomputes escalation bands of an existing report at a new
// clock reading and re-ranks it. Components, scores and tiers are kept.
func (e *Engine) Reescalate(r *Report, now time.Time) *Report {
	out := r.Clone()
	for _, rec := range out.Records() {
		rec.Issues = dropIssues(rec.Issues, complaint.IssueDateParse, complaint.IssueMissingDate)
		e.escalate(rec, now)
	}
	out.EvaluatedAt = now
	out.Structural = rank.Rank(out.Structural, e.rank)
	out.NonStructural = rank.Rank(out.NonStructural, e.rank)
	out.Summary = summarize(out.Structural, out.NonStructural)
	return out
}

func (e *Engine) stage(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, span := tracer.Start(ctx, "triage.stage", trace.WithAttributes(
		attribute.String("icss.stage", name),
	))
	defer span.End()
	fn(ctx)
}

func (e *Engine) resolveAll(ctx context.Context, resolver *resolve.Resolver, records []*complaint.Record) {
	obs := make([]string, len(records))
	for i, r := range records {
		obs[i] = r.Observation
	}

	var embedErr error
	for i, res := range resolver.ResolveBatch(ctx, obs) {
		r := records[i]
		r.Component = res.Component
		r.ResolvedBy = res.Method
		r.Similarity = res.Similarity
		if res.Component == complaint.UnknownComponent {
			detail := ""
			if res.Err != nil {
				detail = res.Err.Error()
				embedErr = res.Err
			}
			r.AddIssue(complaint.IssueUnresolved, detail)
		}
		if e.hooks.OnResolve != nil {
			e.hooks.OnResolve(res.Method)
		}
	}
	if embedErr != nil {
		e.logger.Warn(ctx, "similarity matching unavailable, unmatched records left unknown", "error", embedErr)
	}
}

func (e *Engine) classifyAll(ctx context.Context, records []*complaint.Record) {
	var lastErr error
	fallbacks := 0
	for _, r := range records {
		cls := e.strategy.Classify(ctx, r)
		r.Tier = cls.Tier
		r.Label = cls.Label
		degraded := cls.Err != nil
		if degraded {
			fallbacks++
			lastErr = cls.Err
			r.AddIssue(complaint.IssueClassifierUnavailable, cls.Err.Error())
		} else if e.labelHeuristic && r.Defaulted {
			if s, ok := risk.FromLabel(cls.Tier); ok {
				applyScore(r, s)
			}
		}
		if e.hooks.OnClassify != nil {
			e.hooks.OnClassify(e.strategy.Name(), degraded)
		}
	}
	if fallbacks > 0 {
		e.logger.Warn(ctx, "classifier degraded to default tier",
			"strategy", e.strategy.Name(),
			"fallbacks", fallbacks,
			"error", lastErr,
		)
	}
}

func (e *Engine) escalate(r *complaint.Record, now time.Time) {
	res := e.clock.Evaluate(r.CreatedRaw, r.Status, now)
	r.Band = res.Band
	r.CreatedAt = res.CreatedAt
	r.AgeHours = nil
	if res.Age != nil {
		h := res.Age.Hours()
		r.AgeHours = &h
	}
	if res.Err != nil {
		if errors.Is(res.Err, escalation.ErrNoTimestamp) {
			r.AddIssue(complaint.IssueMissingDate, "")
		} else {
			r.AddIssue(complaint.IssueDateParse, res.Err.Error())
		}
	}
	r.Hint = complaint.HintFor(r.Tier, r.Band)
}

func (e *Engine) complete(status Status, start time.Time, s Summary) {
	if e.hooks.OnComplete == nil {
		return
	}
	e.hooks.OnComplete(&CompleteEvent{
		Status:   status,
		Strategy: e.strategy.Name(),
		Duration: time.Since(start).Seconds(),
		Summary:  s,
	})
}

func applyScore(r *complaint.Record, s risk.Score) {
	r.Severity = s.Severity
	r.Occurrence = s.Occurrence
	r.Detection = s.Detection
	r.RPN = s.RPN
	r.Defaulted = s.Defaulted
	r.Issues = dropIssues(r.Issues, complaint.IssueDefaultScore)
	if s.Defaulted {
		r.AddIssue(complaint.IssueDefaultScore, "")
	}
}

func dropIssues(in []complaint.Issue, kinds ...complaint.IssueKind) []complaint.Issue {
	var out []complaint.Issue
	for _, is := range in {
		drop := false
		for _, k := range kinds {
			if is.Kind == k {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, is)
		}
	}
	return out
}
