package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// ownPackage is skipped when attributing a query to its issuing code.
const ownPackage = "github.com/lg1805/icss-web-app/internal/postgres."

type ctxKey int

const (
	keyQuery ctxKey = iota
	keyMethod
	keyBatch
	keyStats
)

// queryInfo is stashed on the context between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
	parent string
}

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives the outcome of every query. main wires it to a
// Prometheus histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// ReqDBStats accumulates query counts and time for one request or batch run.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records one query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// NewReqDBStatsContext attaches an empty ReqDBStats to ctx.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, keyStats, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the ReqDBStats attached to ctx, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(keyStats).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod tags ctx with the request method for query metrics.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, keyMethod, method)
}

// WithBatchID tags ctx with the triage batch whose persistence issued the
// queries, so query logs and spans can be joined to a batch.
func WithBatchID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, keyBatch, id)
}

func methodFrom(ctx context.Context) string {
	if v, ok := ctx.Value(keyMethod).(string); ok {
		return v
	}
	return ""
}

func batchFrom(ctx context.Context) string {
	if v, ok := ctx.Value(keyBatch).(string); ok {
		return v
	}
	return ""
}

func routeFrom(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryTracer decorates another pgx.QueryTracer (otelpgx in production)
// with a structured log line and metrics per query. Query arguments are
// never logged since they carry complaint text; only their count is.
type queryTracer struct {
	inner   pgx.QueryTracer
	slowLog time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slowLog time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slowLog: slowLog}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, nargs: len(data.Args), start: time.Now()}
	info.caller, info.parent = queryCallers()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		var attrs []attribute.KeyValue
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		if info.parent != "" {
			attrs = append(attrs, attribute.String("db.handler", info.parent))
		}
		if id := batchFrom(ctx); id != "" {
			attrs = append(attrs, attribute.String("icss.batch_id", id))
		}
		span.SetAttributes(attrs...)
	}

	return context.WithValue(ctx, keyQuery, info)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(keyQuery).(*queryInfo)
	if info == nil {
		return
	}
	dur := time.Since(info.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	observe(ctx, dur, data.Err)

	if data.Err == nil && dur < t.slowLog {
		return
	}
	L := log.FromContext(ctx)
	fields := queryFields(ctx, info, dur, data)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func observe(ctx context.Context, dur time.Duration, err error) {
	obs := currentObserver()
	if obs == nil {
		return
	}
	method := methodFrom(ctx)
	if method == "" {
		method = "INTERNAL"
	}
	route := routeFrom(ctx)
	if route == "" {
		route = "none"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveQuery(ctx, method, route, outcome, dur)
}

func queryFields(ctx context.Context, info *queryInfo, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", compactSQL(info.sql),
		"db.arg_count", info.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := data.CommandTag.String(); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", op)
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.parent != "" {
		fields = append(fields, "db.handler", info.parent)
	}
	if id := batchFrom(ctx); id != "" {
		fields = append(fields, "batch_id", id)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

// compactSQL collapses runs of whitespace so multi-line statements log on
// one line.
func compactSQL(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// queryCallers walks the stack past pgx and tracing frames. caller is the
// first application frame (usually a store method); parent is the next one
// outside this package.
func queryCallers() (caller, parent string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortFunc(fn)
		case !strings.Contains(fn, ownPackage):
			return caller, shortFunc(fn)
		}
		if !more {
			return caller, parent
		}
	}
}

// shortFunc trims the import path and package name, keeping the receiver
// and method: ".../pgstore.(*Store).Put" becomes "(*Store).Put".
func shortFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
