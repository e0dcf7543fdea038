package resolve

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lg1805/icss-web-app/internal/catalog"
	"github.com/lg1805/icss-web-app/internal/complaint"
)

// mockEmbedder maps texts to fixed vectors by substring.
type mockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float64
	err     error
	delay   time.Duration
	calls   int
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{0, 0, 1}
		for k, v := range m.vectors {
			if strings.Contains(t, k) {
				out[i] = v
				break
			}
		}
	}
	return out, nil
}

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, errs := catalog.FromEntries(
		catalog.Entry{Name: "engine", Severity: 9, Occurrence: 6, Detection: 3},
		catalog.Entry{Name: "brake", Severity: 7, Occurrence: 4, Detection: 5},
	)
	if len(errs) != 0 {
		t.Fatalf("catalog: %v", errs)
	}
	return c
}

func TestResolve_Keyword(t *testing.T) {
	t.Parallel()

	r := New(testCatalog(t), nil, Config{})
	res := r.Resolve(context.Background(), "Engine overheating SPN 123")
	if res.Component != "engine" || res.Method != complaint.ResolvedByKeyword {
		t.Errorf("Resolve = %+v, want engine by keyword", res)
	}
}

func TestResolve_NoEmbedderFallsToUnknown(t *testing.T) {
	t.Parallel()

	r := New(testCatalog(t), nil, Config{})
	res := r.Resolve(context.Background(), "motor runs hot")
	if res.Component != complaint.UnknownComponent || res.Method != complaint.ResolvedByNone {
		t.Errorf("Resolve = %+v, want unknown", res)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
}

func TestResolve_KeywordWinsOverSimilarity(t *testing.T) {
	t.Parallel()

	emb := &mockEmbedder{vectors: map[string][]float64{
		"brake": {1, 0, 0},
		"pedal": {1, 0, 0},
	}}
	r := New(testCatalog(t), emb, Config{})

	res := r.Resolve(context.Background(), "engine noise near pedal")
	if res.Component != "engine" || res.Method != complaint.ResolvedByKeyword {
		t.Errorf("Resolve = %+v, want keyword engine", res)
	}
	if emb.callCount() != 0 {
		t.Errorf("embedder called %d times, want 0", emb.callCount())
	}
}

func TestResolve_Similarity(t *testing.T) {
	t.Parallel()

	emb := &mockEmbedder{vectors: map[string][]float64{
		"engine": {1, 0, 0},
		"brake":  {0, 1, 0},
		"motor":  {0.9, 0.1, 0},
	}}
	r := New(testCatalog(t), emb, Config{})

	res := r.Resolve(context.Background(), "The motor runs hot")
	if res.Component != "engine" || res.Method != complaint.ResolvedBySimilarity {
		t.Fatalf("Resolve = %+v, want engine by similarity", res)
	}
	if res.Similarity < 0.9 {
		t.Errorf("Similarity = %v, want >= 0.9", res.Similarity)
	}
}

func TestResolve_SimilarityThreshold(t *testing.T) {
	t.Parallel()

	// cos([1,1,0],[1,0,0]) = 1/sqrt(2) ~ 0.707
	emb := &mockEmbedder{vectors: map[string][]float64{
		"engine": {1, 0, 0},
		"brake":  {0, 1, 0},
		"shaky":  {1, 1, 0},
	}}

	tests := []struct {
		name      string
		threshold float64
		want      string
	}{
		{"below floor rejects", 0.8, complaint.UnknownComponent},
		{"above floor accepts", 0.7, "engine"},
		{"inclusive floor accepts", 1 / math.Sqrt(2), "engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New(testCatalog(t), emb, Config{MinSimilarity: tt.threshold})
			res := r.Resolve(context.Background(), "shaky ride")
			if res.Component != tt.want {
				t.Errorf("Component = %q, want %q (sim %v)", res.Component, tt.want, res.Similarity)
			}
		})
	}
}

func TestNew_ZeroFloorSelectsDefault(t *testing.T) {
	t.Parallel()

	// cos([1,0,2],[1,0,0]) = 1/sqrt(5) ~ 0.447, under the default floor
	emb := &mockEmbedder{vectors: map[string][]float64{
		"engine": {1, 0, 0},
		"brake":  {0, 1, 0},
		"faint":  {1, 0, 2},
	}}

	r := New(testCatalog(t), emb, Config{})
	if r.cfg.MinSimilarity != DefaultMinSimilarity {
		t.Errorf("MinSimilarity = %v, want %v", r.cfg.MinSimilarity, DefaultMinSimilarity)
	}
	if res := r.Resolve(context.Background(), "faint smell"); res.Component != complaint.UnknownComponent {
		t.Errorf("Component = %q, want unknown (sim %v)", res.Component, res.Similarity)
	}
}

func TestResolve_EmbedderErrorDegrades(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := New(testCatalog(t), &mockEmbedder{err: boom}, Config{})
	res := r.Resolve(context.Background(), "motor runs hot")
	if res.Component != complaint.UnknownComponent {
		t.Errorf("Component = %q, want unknown", res.Component)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want wrapping boom", res.Err)
	}
}

func TestResolve_EmbedderTimeoutDegrades(t *testing.T) {
	t.Parallel()

	r := New(testCatalog(t), &mockEmbedder{delay: time.Second}, Config{Timeout: 10 * time.Millisecond})
	res := r.Resolve(context.Background(), "motor runs hot")
	if res.Component != complaint.UnknownComponent {
		t.Errorf("Component = %q, want unknown", res.Component)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", res.Err)
	}
}

func TestResolveBatch_OrderAndChunking(t *testing.T) {
	t.Parallel()

	emb := &mockEmbedder{vectors: map[string][]float64{
		"engine": {1, 0, 0},
		"brake":  {0, 1, 0},
		"motor":  {1, 0, 0},
		"stop":   {0, 1, 0},
	}}
	r := New(testCatalog(t), emb, Config{ChunkSize: 2, Parallelism: 2})

	obs := []string{
		"motor hot",
		"brake squeal",
		"cannot stop",
		"random noise",
		"motor again",
	}
	got := r.ResolveBatch(context.Background(), obs)
	want := []string{"engine", "brake", "brake", complaint.UnknownComponent, "engine"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Component != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Component, want[i])
		}
	}
	if got[1].Method != complaint.ResolvedByKeyword {
		t.Errorf("got[1].Method = %q, want keyword", got[1].Method)
	}

	// one catalog call plus ceil(4/2) chunk calls
	if n := emb.callCount(); n != 3 {
		t.Errorf("embed calls = %d, want 3", n)
	}

	// catalog vectors are cached across batches
	r.ResolveBatch(context.Background(), []string{"motor"})
	if n := emb.callCount(); n != 4 {
		t.Errorf("embed calls after second batch = %d, want 4", n)
	}
}

func TestResolveBatch_Deterministic(t *testing.T) {
	t.Parallel()

	emb := &mockEmbedder{vectors: map[string][]float64{"engine": {1, 0, 0}, "motor": {1, 0, 0}}}
	r := New(testCatalog(t), emb, Config{ChunkSize: 1, Parallelism: 8})
	obs := []string{"motor a", "motor b", "x", "motor c", "y"}

	first := r.ResolveBatch(context.Background(), obs)
	for run := 0; run < 5; run++ {
		again := r.ResolveBatch(context.Background(), obs)
		for i := range first {
			if first[i].Component != again[i].Component {
				t.Fatalf("run %d: [%d] %q != %q", run, i, again[i].Component, first[i].Component)
			}
		}
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 0}, 0},
		{"length mismatch", []float64{1}, []float64{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: Cosine = %v, want %v", tt.name, got, tt.want)
		}
	}
}
