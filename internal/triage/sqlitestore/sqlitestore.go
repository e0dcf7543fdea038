// Package sqlitestore provides a single-file SQLite implementation of
// triage.Store for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/lg1805/icss-web-app/internal/triage"
)

var tracer = otel.Tracer("github.com/lg1805/icss-web-app/internal/triage/sqlitestore")

//go:embed schema.sql
var schema string

var batchColumns = []string{
	"id", "fingerprint", "source", "status", "error", "record_count",
	"created_ns", "completed_ns", "duration_s", "report",
}

var recordColumns = []string{
	"batch_id", "seq", "record_id", "observation", "normalized",
	"structural", "component", "rpn", "tier", "band",
}

// recordChunk rows per INSERT keeps the bind count well under SQLite's
// 32766 variable limit.
const recordChunk = 1000

// Store persists batch results in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ triage.Store            = (*Store)(nil)
	_ triage.ComponentCounter = (*Store)(nil)
)

// Open opens (or creates) the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// writes are serialized by SQLite anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves a batch result by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Get", "SELECT")
	defer span.End()

	query, args, err := sq.Select(batchColumns...).From("batches").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("build query: %w", err)
	}
	r, err := scanBatch(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// GetByFingerprint retrieves the most recent batch result for a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.GetByFingerprint", "SELECT")
	defer span.End()

	query, args, err := sq.Select(batchColumns...).From("batches").
		Where(sq.Eq{"fingerprint": fingerprint}).
		OrderBy("created_ns DESC", "rowid DESC").
		Limit(1).ToSql()
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("build query: %w", err)
	}
	r, err := scanBatch(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// ListSince returns completed batches created at or after since, newest first.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]*triage.Result, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ListSince", "SELECT")
	defer span.End()

	query, args, err := sq.Select(batchColumns...).From("batches").
		Where(sq.Eq{"status": string(triage.StatusComplete)}).
		Where(sq.GtOrEq{"created_ns": since.UnixNano()}).
		OrderBy("created_ns DESC", "id DESC").ToSql()
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("query batches: %w", err)
		fail(span, err)
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*triage.Result
	for rows.Next() {
		r, err := scanBatch(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate batches: %w", err)
		fail(span, err)
		return nil, err
	}
	return out, nil
}

// Put inserts or updates a batch result and rewrites its record history.
func (s *Store) Put(ctx context.Context, r *triage.Result) error {
	ctx, span := startSpan(ctx, "sqlitestore.Put", "UPSERT")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := upsertBatch(ctx, tx, r); err != nil {
		fail(span, err)
		return err
	}
	if r.Report != nil {
		if err := replaceRecords(ctx, tx, r); err != nil {
			fail(span, err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		fail(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertBatch(ctx context.Context, tx *sql.Tx, r *triage.Result) error {
	var report sql.NullString
	if r.Report != nil {
		b, err := json.Marshal(r.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		report = sql.NullString{String: string(b), Valid: true}
	}

	var completed sql.NullInt64
	if !r.CompletedAt.IsZero() {
		completed = sql.NullInt64{Int64: r.CompletedAt.UnixNano(), Valid: true}
	}

	query, args, err := sq.Insert("batches").Columns(batchColumns...).
		Values(r.ID, r.Fingerprint, r.Source, string(r.Status), r.Error, r.RecordCount,
			r.CreatedAt.UnixNano(), completed, r.Duration, report).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			fingerprint  = excluded.fingerprint,
			source       = excluded.source,
			status       = excluded.status,
			error        = excluded.error,
			record_count = excluded.record_count,
			completed_ns = excluded.completed_ns,
			duration_s   = excluded.duration_s,
			report       = excluded.report`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func replaceRecords(ctx context.Context, tx *sql.Tx, r *triage.Result) error {
	del, args, err := sq.Delete("complaint_records").Where(sq.Eq{"batch_id": r.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}

	recs := r.Report.Records()
	if len(recs) == 0 {
		return nil
	}

	for start := 0; start < len(recs); start += recordChunk {
		end := min(start+recordChunk, len(recs))
		ins := sq.Insert("complaint_records").Columns(recordColumns...)
		for i := start; i < end; i++ {
			rec := recs[i]
			ins = ins.Values(r.ID, i, rec.ID, rec.Observation, rec.Normalized,
				rec.Structural, rec.Component, rec.RPN, string(rec.Tier), string(rec.Band))
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert records %d..%d: %w", start, end-1, err)
		}
	}
	return nil
}

// ComponentCounts returns how many records of the batches completed at or
// after since resolved to each component.
func (s *Store) ComponentCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ComponentCounts", "SELECT")
	defer span.End()

	query, args, err := sq.Select("r.component", "COUNT(*)").
		From("complaint_records r").
		Join("batches b ON b.id = r.batch_id").
		Where(sq.Eq{"b.status": string(triage.StatusComplete)}).
		Where(sq.GtOrEq{"b.created_ns": since.UnixNano()}).
		GroupBy("r.component").ToSql()
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query components: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanBatch scans one row into a triage.Result. Returns (nil, nil) when no
// row is found.
func scanBatch(row scanner) (*triage.Result, error) {
	var (
		r         triage.Result
		status    string
		created   int64
		completed sql.NullInt64
		report    sql.NullString
	)
	err := row.Scan(&r.ID, &r.Fingerprint, &r.Source, &status, &r.Error, &r.RecordCount,
		&created, &completed, &r.Duration, &report)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.Status(status)
	r.CreatedAt = time.Unix(0, created).UTC()
	if completed.Valid {
		r.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	if report.Valid && report.String != "" {
		r.Report = &triage.Report{}
		if err := json.Unmarshal([]byte(report.String), r.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
	}
	return &r, nil
}
