// Package resolve maps complaint text to a catalog component.
//
// Resolution is first-match-wins: a whole-word keyword hit in catalog order,
// then, if an Embedder is configured, the most similar catalog key when its
// cosine similarity reaches the configured floor, else "unknown".
package resolve

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lg1805/icss-web-app/internal/catalog"
	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/textnorm"
)

// Defaults applied by New when Config fields are zero.
const (
	DefaultMinSimilarity = 0.5
	DefaultTimeout       = 10 * time.Second
	DefaultChunkSize     = 32
	DefaultParallelism   = 4
)

// Embedder turns texts into vectors in a shared space. Implementations must
// return exactly one vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Config tunes the similarity fallback.
type Config struct {
	// MinSimilarity is the inclusive cosine floor for accepting a match.
	// Zero selects DefaultMinSimilarity; a floor of zero cannot be set.
	MinSimilarity float64
	// Timeout bounds each Embed call.
	Timeout time.Duration
	// ChunkSize is the number of observations per Embed call in ResolveBatch.
	ChunkSize int
	// Parallelism caps concurrent Embed calls in ResolveBatch.
	Parallelism int
}

// Resolution is the outcome of resolving one observation.
type Resolution struct {
	Component  string
	Method     string
	Similarity float64
	// Err is set when the similarity step was attempted and failed. The
	// resolution itself still falls through to unknown.
	Err error
}

// Resolver resolves observations against one catalog snapshot. It is safe
// for concurrent use.
type Resolver struct {
	catalog  *catalog.Catalog
	embedder Embedder
	cfg      Config

	mu      sync.Mutex
	keys    []string
	keyVecs [][]float64
}

// New returns a Resolver. embedder may be nil, which disables the
// similarity step.
func New(c *catalog.Catalog, embedder Embedder, cfg Config) *Resolver {
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Resolver{catalog: c, embedder: embedder, cfg: cfg}
}

// Catalog returns the snapshot the resolver matches against.
func (r *Resolver) Catalog() *catalog.Catalog { return r.catalog }

// Resolve maps one observation to a component.
func (r *Resolver) Resolve(ctx context.Context, observation string) Resolution {
	return r.ResolveBatch(ctx, []string{observation})[0]
}

// ResolveBatch resolves observations in order. Observations without a
// keyword hit are embedded in chunks, concurrently.
func (r *Resolver) ResolveBatch(ctx context.Context, observations []string) []Resolution {
	out := make([]Resolution, len(observations))
	var pending []int

	for i, obs := range observations {
		if e, ok := r.catalog.Match(textnorm.Normalize(obs)); ok {
			out[i] = Resolution{Component: e.Name, Method: complaint.ResolvedByKeyword}
			continue
		}
		out[i] = unknown()
		pending = append(pending, i)
	}

	if r.embedder == nil || len(pending) == 0 || r.catalog.Len() == 0 {
		return out
	}

	keys, keyVecs, err := r.catalogVectors(ctx)
	if err != nil {
		for _, i := range pending {
			out[i].Err = err
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for start := 0; start < len(pending); start += r.cfg.ChunkSize {
		chunk := pending[start:min(start+r.cfg.ChunkSize, len(pending))]
		g.Go(func() error {
			texts := make([]string, len(chunk))
			for j, i := range chunk {
				texts[j] = textnorm.NormalizeWith(observations[i], textnorm.Options{DropStopWords: true})
			}
			vecs, err := r.embed(ctx, texts)
			for j, i := range chunk {
				if err != nil {
					out[i].Err = err
					continue
				}
				out[i] = r.nearest(vecs[j], keys, keyVecs)
			}
			// embedding failures degrade to unknown, never abort the batch
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (r *Resolver) nearest(v []float64, keys []string, keyVecs [][]float64) Resolution {
	best, bestSim := -1, math.Inf(-1)
	for k, kv := range keyVecs {
		sim := Cosine(v, kv)
		if sim > bestSim {
			best, bestSim = k, sim
		}
	}
	if best < 0 || bestSim < r.cfg.MinSimilarity {
		res := unknown()
		if best >= 0 {
			res.Similarity = bestSim
		}
		return res
	}
	return Resolution{Component: keys[best], Method: complaint.ResolvedBySimilarity, Similarity: bestSim}
}

// catalogVectors embeds the catalog names once and caches them. A failed
// attempt is not cached.
func (r *Resolver) catalogVectors(ctx context.Context) ([]string, [][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyVecs != nil {
		return r.keys, r.keyVecs, nil
	}

	entries := r.catalog.Entries()
	keys := make([]string, len(entries))
	texts := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Name
		texts[i] = textnorm.Normalize(e.Name)
	}
	vecs, err := r.embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed catalog keys: %w", err)
	}
	r.keys, r.keyVecs = keys, vecs
	return keys, vecs, nil
}

func (r *Resolver) embed(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths and
// zero vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func unknown() Resolution {
	return Resolution{Component: complaint.UnknownComponent, Method: complaint.ResolvedByNone}
}
