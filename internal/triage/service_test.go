package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu      sync.Mutex
	results map[string]*Result
	seen    map[string]*Result
	putErr  error
	// putHook, when set, may fail individual Puts.
	putHook func(r *Result) error
	getErr  error
	listErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		results: make(map[string]*Result),
		seen:    make(map[string]*Result),
	}
}

func (m *mockStore) Get(_ context.Context, id string) (*Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.results[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) GetByFingerprint(_ context.Context, fp string) (*Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.seen[fp]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) Put(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.putHook != nil {
		if err := m.putHook(r); err != nil {
			return err
		}
	}
	cp := r.Clone()
	m.results[r.ID] = cp
	m.seen[r.Fingerprint] = cp
	return nil
}

func (m *mockStore) ListSince(_ context.Context, since time.Time) ([]*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Result
	for _, r := range m.results {
		if r.Status == StatusComplete && !r.CreatedAt.Before(since) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// mockNotifier records sent results.
type mockNotifier struct {
	mu   sync.Mutex
	sent []*Result
	err  error
}

func (n *mockNotifier) Send(_ context.Context, r *Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, r.Clone())
	return n.err
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func fixedNow() time.Time { return testNow }

func newTestService(t *testing.T, store Store, notifier Notifier, metrics *Metrics) *Service {
	t.Helper()
	return NewService(store, newTestEngine(t, EngineConfig{}), log.Nop(), metrics, notifier, ServiceOptions{
		Now:      fixedNow,
		RecordID: seqIDs(),
	})
}

func TestSubmit_SchemaErrorIsSynchronous(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, nil, nil)

	_, err := svc.Submit(context.Background(), &complaint.Batch{
		Columns: []string{"id", "status"},
	}, "test")
	var se *complaint.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	if len(store.results) != 0 {
		t.Error("rejected batch must not be stored")
	}
}

func TestSubmit_DedupPending(t *testing.T) {
	t.Parallel()

	b := testBatch()
	store := newMockStore()
	store.seen[b.Fingerprint()] = &Result{ID: "existing", Fingerprint: b.Fingerprint(), Status: StatusPending}
	store.results["existing"] = store.seen[b.Fingerprint()]

	svc := newTestService(t, store, nil, nil)

	sr, err := svc.Submit(context.Background(), b, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sr.Skipped {
		t.Error("expected duplicate pending to be skipped")
	}
	if sr.Reason != "duplicate" {
		t.Errorf("reason = %q, want %q", sr.Reason, "duplicate")
	}
	if sr.ID != "existing" {
		t.Errorf("ID = %q, want existing batch id", sr.ID)
	}
}

func TestSubmit_DedupInProgress(t *testing.T) {
	t.Parallel()

	b := testBatch()
	store := newMockStore()
	store.seen[b.Fingerprint()] = &Result{ID: "existing", Fingerprint: b.Fingerprint(), Status: StatusInProgress}
	store.results["existing"] = store.seen[b.Fingerprint()]

	sr, err := newTestService(t, store, nil, nil).Submit(context.Background(), b, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sr.Skipped {
		t.Error("expected duplicate in_progress to be skipped")
	}
}

func TestSubmit_AllowsRetriageCompleted(t *testing.T) {
	t.Parallel()

	b := testBatch()
	store := newMockStore()
	store.seen[b.Fingerprint()] = &Result{ID: "old", Fingerprint: b.Fingerprint(), Status: StatusComplete}
	store.results["old"] = store.seen[b.Fingerprint()]

	svc := newTestService(t, store, nil, nil)
	sr, err := svc.Submit(context.Background(), b, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()
	if sr.Skipped {
		t.Error("expected completed fingerprint to allow retriage")
	}
	if sr.ID == "" || sr.ID == "old" {
		t.Errorf("ID = %q, want a new id", sr.ID)
	}
}

func TestSubmit_StoreError(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.getErr = errors.New("db down")

	_, err := newTestService(t, store, nil, nil).Submit(context.Background(), testBatch(), "test")
	if err == nil {
		t.Fatal("expected error from store")
	}
}

func TestSubmit_AsyncTriageCompletes(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(t, store, notifier, nil)

	sr, err := svc.Submit(context.Background(), testBatch(), "upload")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()

	r, ok, err := store.Get(context.Background(), sr.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if r.Status != StatusComplete {
		t.Fatalf("status = %q, want complete (error %q)", r.Status, r.Error)
	}
	if r.Source != "upload" {
		t.Errorf("Source = %q", r.Source)
	}
	if r.Report == nil || r.Report.Summary.Total != 5 || r.RecordCount != 5 {
		t.Fatalf("report = %+v", r.Report)
	}
	if r.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestSubmit_PersistRetriesOnce(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	failed := false
	store.putHook = func(r *Result) error {
		if r.Status == StatusComplete && !failed {
			failed = true
			return errors.New("database is locked")
		}
		return nil
	}
	svc := newTestService(t, store, nil, nil)

	sr, err := svc.Submit(context.Background(), testBatch(), "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()

	r, _, _ := store.Get(context.Background(), sr.ID)
	if r.Status != StatusComplete || r.Report == nil {
		t.Errorf("status = %q report = %v, want complete with report after retry", r.Status, r.Report != nil)
	}
}

func TestSubmit_PersistFailureMarksFailed(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.putHook = func(r *Result) error {
		if r.Report != nil {
			return errors.New("too many SQL variables")
		}
		return nil
	}
	notifier := &mockNotifier{}
	svc := newTestService(t, store, notifier, nil)
	b := testBatch()

	sr, err := svc.Submit(context.Background(), b, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()

	r, _, _ := store.Get(context.Background(), sr.ID)
	if r.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", r.Status)
	}
	if !strings.Contains(r.Error, "too many SQL variables") {
		t.Errorf("error = %q, want the persist error", r.Error)
	}
	if notifier.count() != 1 || notifier.sent[0].Status != StatusFailed {
		t.Error("notification must carry the failed status")
	}

	// the fingerprint is no longer blocked by an in_progress row
	store.putHook = nil
	again, err := svc.Submit(context.Background(), b, "test")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	svc.Wait()
	if again.Skipped || again.ID == sr.ID {
		t.Errorf("resubmit = %+v, want a new batch", again)
	}
}

func TestSubmit_NotifierErrorDoesNotFailBatch(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, &mockNotifier{err: errors.New("slack down")}, nil)

	sr, err := svc.Submit(context.Background(), testBatch(), "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()

	r, _, _ := store.Get(context.Background(), sr.ID)
	if r.Status != StatusComplete {
		t.Errorf("status = %q, want complete", r.Status)
	}
}

func TestSubmit_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc := NewService(newMockStore(), newTestEngine(t, EngineConfig{}, m.Hooks()), log.Nop(), m, nil, ServiceOptions{Now: fixedNow})

	if _, err := svc.Submit(context.Background(), testBatch(), "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _ = svc.Submit(context.Background(), &complaint.Batch{Columns: []string{"id"}}, "test")
	svc.Wait()

	if got := counterValue(t, m.SubmitsTotal.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
	if got := counterValue(t, m.SubmitsTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := counterValue(t, m.BatchesTotal.WithLabelValues(string(StatusComplete))); got != 1 {
		t.Errorf("batches complete = %v, want 1", got)
	}
	if got := counterValue(t, m.ResolutionsTotal.WithLabelValues(complaint.ResolvedByKeyword)); got != 3 {
		t.Errorf("keyword resolutions = %v, want 3", got)
	}
	if got := counterValue(t, m.RecordsByPart.WithLabelValues("structural")); got != 2 {
		t.Errorf("structural records = %v, want 2", got)
	}
}

func TestTriage_Synchronous(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	report, err := newTestService(t, store, nil, nil).Triage(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if report.Summary.Total != 5 {
		t.Errorf("Total = %d", report.Summary.Total)
	}
	if len(store.results) != 0 {
		t.Error("synchronous triage must not persist")
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	_, ok, err := newTestService(t, newMockStore(), nil, nil).Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing ID")
	}
}

func TestTopComplaints(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, nil, nil)

	batches := []*complaint.Batch{
		{Rows: []complaint.Row{
			{"observation": "Brake failure on downhill"},
			{"observation": "radio noise"},
			{"observation": "Radio  NOISE"},
		}},
		{Rows: []complaint.Row{
			{"observation": "brake failure on downhill"},
			{"observation": "seat torn"},
			{"observation": "radio noise"},
		}},
	}
	for _, b := range batches {
		if _, err := svc.Submit(context.Background(), b, "test"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		svc.Wait()
	}

	top, err := svc.TopComplaints(context.Background(), testNow.Add(-7*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("TopComplaints: %v", err)
	}

	high := top[complaint.TierHigh]
	if len(high) != 1 || high[0].Count != 2 || high[0].Component != "brake" {
		t.Errorf("High = %+v", high)
	}
	low := top[complaint.TierLow]
	if len(low) != 1 || low[0].Count != 3 {
		t.Errorf("Low = %+v, want radio noise x3 only", low)
	}
}

func TestTopComplaints_StoreError(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.listErr = errors.New("db down")
	if _, err := newTestService(t, store, nil, nil).TopComplaints(context.Background(), testNow, 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, nil, nil)

	sr, err := svc.Submit(context.Background(), testBatch(), "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Wait()

	n, err := svc.Refresh(context.Background(), testNow.Add(-24*time.Hour), testNow.Add(19*time.Hour))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 1 {
		t.Errorf("refreshed = %d, want 1", n)
	}

	r, _, _ := store.Get(context.Background(), sr.ID)
	for _, rec := range r.Report.Records() {
		if rec.ID == "c1" && rec.Band != complaint.BandBlue {
			t.Errorf("c1 band after refresh = %s, want Blue", rec.Band)
		}
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
