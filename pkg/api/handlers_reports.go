package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/reports"
)

func (s *Server) handleReportEUAIAct(w http.ResponseWriter, r *http.Request) {
	dossier, err := s.reports.EUAIAct(r.Context(), r.PathValue("decision_id"))
	if err != nil {
		if errors.Is(err, reports.ErrDecisionNotFound) {
			WriteNotFound(w, "no decision with this id")
			return
		}
		WriteUnavailable(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dossier)
}

func (s *Server) handleReportGovernance(w http.ResponseWriter, r *http.Request) {
	from, ok := s.parseReportTime(w, r.URL.Query().Get("from"), "from")
	if !ok {
		return
	}
	to, ok := s.parseReportTime(w, r.URL.Query().Get("to"), "to")
	if !ok {
		return
	}

	report, err := s.reports.Governance(r.Context(), from, to)
	if err != nil {
		WriteUnavailable(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseReportTime accepts RFC 3339 or a bare date. Zero means unbounded.
func (s *Server) parseReportTime(w http.ResponseWriter, raw, name string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	WriteValidation(w, name+" is not a valid timestamp", "use RFC 3339 (2026-08-25T00:00:00Z) or a date (2026-08-25)", nil, "")
	return time.Time{}, false
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	report, err := s.replayer.Replay(r.Context(), r.PathValue("decision_id"))
	if err != nil {
		if errors.Is(err, replay.ErrNotFound) {
			WriteNotFound(w, "no replay snapshot for this decision")
			return
		}
		WriteUnavailable(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
