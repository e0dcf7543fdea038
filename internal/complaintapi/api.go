// Package complaintapi exposes the triage service over HTTP.
package complaintapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/triage"
)

// maxBodyBytes caps an uploaded batch.
const maxBodyBytes = 32 << 20

// TriageService defines the business operations complaintapi needs.
type TriageService interface {
	Submit(ctx context.Context, b *complaint.Batch, source string) (*triage.SubmitResult, error)
	Triage(ctx context.Context, b *complaint.Batch) (*triage.Report, error)
	Get(ctx context.Context, id string) (*triage.Result, bool, error)
	TopComplaints(ctx context.Context, since time.Time, n int) (map[complaint.Tier][]triage.ComplaintCount, error)
	ComponentCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	now    func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", a.handleSubmitBatch)
		r.Get("/batches/{id}", a.handleGetBatch)
		r.Post("/triage", a.handleTriage)
		r.Get("/top", a.handleTop)
		r.Get("/components", a.handleComponents)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
