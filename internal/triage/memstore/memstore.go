// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lg1805/icss-web-app/internal/triage"
)

// Store holds batch results in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	results map[string]*triage.Result // batch ID -> result
	seen    map[string]string         // batch fingerprint -> batch ID (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		results: make(map[string]*triage.Result),
		seen:    make(map[string]string),
	}
}

// Get retrieves a batch result by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetByFingerprint retrieves the latest batch result for a fingerprint, for deduplication. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*triage.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	return s.results[id].Clone(), true, nil
}

// Put stores a copy of the batch result.
func (s *Store) Put(_ context.Context, r *triage.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ID] = r.Clone()
	s.seen[r.Fingerprint] = r.ID
	return nil
}

// ListSince returns copies of completed results created at or after since,
// newest first.
func (s *Store) ListSince(_ context.Context, since time.Time) ([]*triage.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.Result
	for _, r := range s.results {
		if r.Status != triage.StatusComplete || r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *triage.Result) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}
