package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/governance"
)

var governanceExample = map[string]any{
	"version": "1.1.0",
	"values":  map[string]any{"safety": 0.7, "utility": 0.3},
	"drift":   map[string]any{"alpha": 0.1, "baseline": 0.5, "threshold": 0.2},
}

func (s *Server) handleGovernanceGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policy": s.gov.Get(),
		"drift":  s.gov.Drift(),
	})
}

// handleGovernancePut replaces the governance policy. Operator-only: the
// value weights steer every future score, so changes ride the same
// credential as human review.
func (s *Server) handleGovernancePut(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.requireOperator(w, r)
	if !ok {
		return
	}

	var doc governance.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		WriteValidation(w, "request body is not a valid governance policy", "send a policy document with values and drift", governanceExample, "")
		return
	}
	if err := governance.ValidatePolicy(doc); err != nil {
		WriteValidation(w, err.Error(), "weights must fall in [0,1] and drift.alpha in (0,1]", governanceExample, "")
		return
	}

	stored, err := s.gov.Put(doc)
	if err != nil {
		WriteUnavailable(w, s.logger, err)
		return
	}
	s.logger.Info("governance policy replaced",
		slog.String("version", stored.Version),
		slog.String("operator", operator))
	writeJSON(w, http.StatusOK, stored)
}
