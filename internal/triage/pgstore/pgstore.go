// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lg1805/icss-web-app/internal/postgres"
	"github.com/lg1805/icss-web-app/internal/triage"
)

var tracer = otel.Tracer("github.com/lg1805/icss-web-app/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists batch results in PostgreSQL. The report is kept as JSONB on
// the batch row; every record is also written to complaint_records for
// ad-hoc history queries.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ triage.Store            = (*Store)(nil)
	_ triage.ComponentCounter = (*Store)(nil)
)

// New applies the schema on the given pool and returns a ready Store. The
// caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Open connects to PostgreSQL and returns a Store that owns its pool.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const batchColumns = `id, fingerprint, source, status, error, record_count,
	created_at, completed_at, duration_s, report`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves a batch result by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	r, err := scanBatchRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// GetByFingerprint retrieves the most recent batch result for a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + batchColumns + ` FROM batches WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`
	r, err := scanBatchRow(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// ListSince returns completed batches created at or after since, newest first.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]*triage.Result, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSince", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE status = $1 AND created_at >= $2
		 ORDER BY created_at DESC, id DESC`,
		string(triage.StatusComplete), since,
	)
	if err != nil {
		err = fmt.Errorf("query batches: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []*triage.Result
	for rows.Next() {
		r, err := scanBatchRow(rows)
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
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// ComponentCounts returns how many records of the batches completed at or
// after since resolved to each component.
func (s *Store) ComponentCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	ctx, span := startSpan(ctx, "pgstore.ComponentCounts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT r.component, COUNT(*) FROM complaint_records r
		 JOIN batches b ON b.id = r.batch_id
		 WHERE b.status = $1 AND b.created_at >= $2
		 GROUP BY r.component`,
		string(triage.StatusComplete), since,
	)
	if err != nil {
		err = fmt.Errorf("query components: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

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
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate components: %w", err)
		fail(span, err)
		return nil, err
	}
	return out, nil
}

// Put inserts or updates a batch result and rewrites its record history.
func (s *Store) Put(ctx context.Context, r *triage.Result) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()
	ctx = postgres.WithBatchID(ctx, r.ID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

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

	if err := tx.Commit(ctx); err != nil {
		fail(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertBatch(ctx context.Context, tx pgx.Tx, r *triage.Result) error {
	var report []byte
	if r.Report != nil {
		var err error
		if report, err = json.Marshal(r.Report); err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `INSERT INTO batches (
		id, fingerprint, source, status, error, record_count,
		created_at, completed_at, duration_s, report
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		fingerprint  = EXCLUDED.fingerprint,
		source       = EXCLUDED.source,
		status       = EXCLUDED.status,
		error        = EXCLUDED.error,
		record_count = EXCLUDED.record_count,
		completed_at = EXCLUDED.completed_at,
		duration_s   = EXCLUDED.duration_s,
		report       = EXCLUDED.report`

	_, err := tx.Exec(ctx, query,
		r.ID, r.Fingerprint, r.Source, string(r.Status), r.Error, r.RecordCount,
		r.CreatedAt, completedAt, r.Duration, report,
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func replaceRecords(ctx context.Context, tx pgx.Tx, r *triage.Result) error {
	if _, err := tx.Exec(ctx, `DELETE FROM complaint_records WHERE batch_id = $1`, r.ID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}

	recs := r.Report.Records()
	rows := make([][]any, len(recs))
	for i, rec := range recs {
		rows[i] = []any{
			r.ID, i, rec.ID, rec.Observation, rec.Normalized, rec.Structural,
			rec.Component, rec.ResolvedBy, rec.Severity, rec.Occurrence, rec.Detection,
			rec.RPN, string(rec.Tier), string(rec.Band), rec.CreatedAt,
		}
	}

	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"complaint_records"},
		[]string{
			"batch_id", "seq", "record_id", "observation", "normalized", "structural",
			"component", "resolved_by", "severity", "occurrence", "detection",
			"rpn", "tier", "band", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy records: %w", err)
	}
	return nil
}

// scanBatchRow scans a single row into a triage.Result.
// Returns (nil, nil) when no row is found.
func scanBatchRow(row pgx.Row) (*triage.Result, error) {
	var (
		r           triage.Result
		status      string
		completedAt *time.Time
		report      []byte
	)

	err := row.Scan(
		&r.ID, &r.Fingerprint, &r.Source, &status, &r.Error, &r.RecordCount,
		&r.CreatedAt, &completedAt, &r.Duration, &report,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.Status(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(report) > 0 {
		r.Report = &triage.Report{}
		if err := json.Unmarshal(report, r.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
	}
	return &r, nil
}
