package triage

import (
	"context"
	"time"
)

// Store is the persistence interface for batch results.
type Store interface {
	Get(ctx context.Context, id string) (*Result, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Result, bool, error)
	Put(ctx context.Context, result *Result) error
	// ListSince returns completed results created at or after since, newest first.
	ListSince(ctx context.Context, since time.Time) ([]*Result, error)
}

// ComponentCounter is implemented by stores that can aggregate component
// counts themselves. Service falls back to scanning reports otherwise.
type ComponentCounter interface {
	ComponentCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// Notifier delivers a finished batch result somewhere outside the service.
type Notifier interface {
	Send(ctx context.Context, result *Result) error
}
