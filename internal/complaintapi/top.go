package complaintapi

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultTopDays = 7
	defaultTopN    = 10
	maxTopDays     = 365
	maxTopN        = 100
)

// intParam reads a positive integer query parameter, falling back to def
// when absent. ok is false for a malformed or out-of-range value.
func intParam(r *http.Request, name string, def, upper int) (v int, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > upper {
		return 0, false
	}
	return v, true
}

func (a *API) handleTop(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(r, "days", defaultTopDays, maxTopDays)
	if !ok {
		writeError(w, http.StatusBadRequest, "days must be an integer between 1 and 365")
		return
	}
	n, ok := intParam(r, "n", defaultTopN, maxTopN)
	if !ok {
		writeError(w, http.StatusBadRequest, "n must be an integer between 1 and 100")
		return
	}

	now := a.now()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	top, err := a.svc.TopComplaints(r.Context(), since, n)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list top complaints", "days", days)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since": since,
		"until": now,
		"top":   top,
	})
}

func (a *API) handleComponents(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(r, "days", defaultTopDays, maxTopDays)
	if !ok {
		writeError(w, http.StatusBadRequest, "days must be an integer between 1 and 365")
		return
	}

	now := a.now()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	counts, err := a.svc.ComponentCounts(r.Context(), since)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to count components", "days", days)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":      since,
		"until":      now,
		"components": counts,
	})
}
