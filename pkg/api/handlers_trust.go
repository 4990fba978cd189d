package api

import (
	"net/http"
	"strconv"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

const defaultPageLimit = 50

func (s *Server) handleTrustLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteValidation(w, "limit must be a positive integer", "use ?limit=50", nil, "")
			return
		}
		limit = n
	}

	items, next, err := s.log.Page(limit, r.URL.Query().Get("cursor"))
	if err != nil {
		WriteUnavailable(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": next,
		"count":       len(items),
	})
}

// handleTrustRequest returns the full audit trail for one request. The
// effective status reflects human review: an approved hold reads as
// allow, a rejected one as deny, while the ledger keeps the original.
func (s *Server) handleTrustRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	entries, err := s.log.EntriesForRequest(requestID)
	if err != nil {
		WriteUnavailable(w, s.logger, err)
		return
	}
	if len(entries) == 0 {
		WriteNotFound(w, "no trust log entries for this request")
		return
	}

	result, err := s.log.Verify()
	if err != nil {
		WriteIntegrity(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":       requestID,
		"entries":          entries,
		"chain_ok":         result.OK,
		"effective_status": s.effectiveStatus(entries),
	})
}

func (s *Server) effectiveStatus(entries []*trustlog.Entry) string {
	var status, decisionID string
	for _, e := range entries {
		if e.Kind() != trustlog.KindDecision {
			continue
		}
		if v, ok := e.Payload["decision_status"].(string); ok {
			status = v
			decisionID = e.DecisionID
		}
	}
	if status != "hold" || s.reviews == nil {
		return status
	}
	resolution, err := s.reviews.ResolutionFor(decisionID)
	if err != nil {
		return status
	}
	switch resolution {
	case trustlog.ResolutionApprove:
		return "allow"
	case trustlog.ResolutionReject:
		return "deny"
	}
	return status
}

func (s *Server) handleTrustVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.log.Verify()
	if err != nil {
		WriteIntegrity(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrustExport(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.log.Export()
	if err != nil {
		WriteIntegrity(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
