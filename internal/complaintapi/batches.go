package complaintapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

func (a *API) decodeBatch(w http.ResponseWriter, r *http.Request) (*complaint.Batch, bool) {
	var b complaint.Batch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&b); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return nil, false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("icss.batch.records", len(b.Rows)),
	)
	return &b, true
}

// schemaFailure writes 422 for a missing required column and reports
// whether err was one.
func schemaFailure(w http.ResponseWriter, err error) bool {
	var se *complaint.SchemaError
	if !errors.As(err, &se) {
		return false
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error": se.Error(),
		"field": se.Field,
	})
	return true
}

func (a *API) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := a.decodeBatch(w, r)
	if !ok {
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}

	res, err := a.svc.Submit(r.Context(), b, source)
	if err != nil {
		if schemaFailure(w, err) {
			return
		}
		a.logger.Error(r.Context(), err, "failed to submit batch", "records", len(b.Rows))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("icss.batch.id", res.ID),
		attribute.Bool("icss.batch.skipped", res.Skipped),
	)

	body := map[string]any{"id": res.ID}
	if res.Skipped {
		body["skipped"] = true
		body["reason"] = res.Reason
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("icss.batch.id", id))

	result, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get batch", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("icss.batch.status", string(result.Status)))
	writeJSON(w, http.StatusOK, result)
}

// handleTriage runs the pipeline inline and returns the report without
// storing it.
func (a *API) handleTriage(w http.ResponseWriter, r *http.Request) {
	b, ok := a.decodeBatch(w, r)
	if !ok {
		return
	}

	report, err := a.svc.Triage(r.Context(), b)
	if err != nil {
		if schemaFailure(w, err) {
			return
		}
		if r.Context().Err() != nil {
			return
		}
		a.logger.Error(r.Context(), err, "inline triage failed", "records", len(b.Rows))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
