package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

var reviewExample = map[string]any{
	"resolution": "approve",
	"note":       "double-checked against the runbook",
}

func (s *Server) handleReviewPending(w http.ResponseWriter, r *http.Request) {
	pending := s.reviews.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// handleReviewResolve records an operator verdict for a held decision.
// The ledger entry is the resolution; there is no mutable review state.
func (s *Server) handleReviewResolve(w http.ResponseWriter, r *http.Request) {
	operator, ok := s.requireOperator(w, r)
	if !ok {
		return
	}
	decisionID := r.PathValue("decision_id")

	var req struct {
		Resolution string `json:"resolution"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidation(w, "request body is not a valid review", "send a JSON object with a resolution field", reviewExample, "")
		return
	}
	if req.Resolution != trustlog.ResolutionApprove && req.Resolution != trustlog.ResolutionReject {
		WriteValidation(w, "resolution must be approve or reject", "", reviewExample, "")
		return
	}

	entry, err := s.reviews.Resolve(decisionID, req.Resolution, req.Note, operator)
	if err != nil {
		if errors.Is(err, trustlog.ErrNotPending) {
			WriteConflict(w, "decision is not pending review")
			return
		}
		WriteIntegrity(w, s.logger, err)
		return
	}

	s.logger.Info("hold resolved",
		slog.String("decision_id", decisionID),
		slog.String("resolution", req.Resolution),
		slog.String("operator", operator))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "resolved",
		"reviewed_decision_id": decisionID,
		"resolution":           req.Resolution,
		"trust_log_id":         entry.DecisionID,
	})
}
