package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth reports database connectivity.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.client.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"database unreachable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecentRuns lists the most recent runs, newest first.
func (s *server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.repo.RecentRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Listing recent runs failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleSuiteSuccessRates aggregates per-suite pass rates.
func (s *server) handleSuiteSuccessRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.repo.SuiteSuccessRates(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Aggregating success rates failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, rates)
}

// handleFlakyTests lists tests with mixed outcomes in the recent run window.
func (s *server) handleFlakyTests(w http.ResponseWriter, r *http.Request) {
	window, _ := strconv.Atoi(r.URL.Query().Get("window"))

	flaky, err := s.repo.FlakyTests(r.Context(), window)
	if err != nil {
		s.log.WithError(err).Error("Finding flaky tests failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, flaky)
}

// handleRegressions lists tests that flipped from passing to failing.
func (s *server) handleRegressions(w http.ResponseWriter, r *http.Request) {
	regressions, err := s.repo.Regressions(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Finding regressions failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, regressions)
}

// handleDeletedTests lists identities currently marked deleted.
func (s *server) handleDeletedTests(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.repo.DeletedTests(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Listing deleted tests failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, deleted)
}

// handleTestTimeline returns a test's identity history, oldest first.
func (s *server) handleTestTimeline(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	entries, err := s.repo.TestTimeline(r.Context(), slug)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, entries)
}
