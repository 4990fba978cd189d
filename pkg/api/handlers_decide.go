package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/pipeline"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// decisionExample is echoed on 422 responses so callers can self-correct.
var decisionExample = map[string]any{
	"query":   "昼食はどうする?",
	"context": map[string]any{"stakes": 0.4},
	"options": []any{
		map[string]any{"id": "opt-1", "title": "近くの定食屋に行く"},
	},
	"evidence":  []any{},
	"fast_mode": false,
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

// handleDecideBasic is the degraded fast-path surface: same envelope,
// forced fast mode.
func (s *Server) handleDecideBasic(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, forceFast bool) {
	req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	if forceFast {
		req.FastMode = true
	}

	resp, err := s.pipe.Decide(r.Context(), req)
	if err != nil {
		if errors.Is(err, trustlog.ErrIntegrity) {
			WriteIntegrity(w, s.logger, err)
			return
		}
		WriteUnavailable(w, s.logger, err)
		return
	}

	s.saveSnapshot(r.Context(), resp)
	writeJSON(w, http.StatusOK, resp)
}

// decodeDecision validates the request body, writing the 422 itself on
// failure. The raw body is echoed back only in debug mode.
func (s *Server) decodeDecision(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeDecisionInvalid(w, "unreadable request body", "send a JSON object", nil)
		return pipeline.Request{}, false
	}

	var req pipeline.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeDecisionInvalid(w, "request body is not a valid decision request", "send a JSON object with at least a query field", raw)
		return pipeline.Request{}, false
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeDecisionInvalid(w, "query is required", "query must be a non-empty string", raw)
		return pipeline.Request{}, false
	}
	return req, true
}

func (s *Server) writeDecisionInvalid(w http.ResponseWriter, detail, hint string, raw []byte) {
	rawBody := ""
	if s.cfg.DebugMode && len(raw) > 0 {
		rawBody = string(raw)
	}
	WriteValidation(w, detail, hint, decisionExample, rawBody)
}

// saveSnapshot persists the deterministic-replay block. Best effort: a
// failed save loses replayability for this decision, not the decision.
func (s *Server) saveSnapshot(ctx context.Context, resp *pipeline.Response) {
	if s.snapshots == nil || resp == nil || resp.Extras.Replay == nil {
		return
	}
	block := resp.Extras.Replay
	snap := &replay.Snapshot{
		DecisionID:  resp.DecisionID,
		RequestID:   resp.RequestID,
		Seed:        block.Seed,
		Temperature: block.Temperature,
		RequestBody: block.RequestBody,
		FinalOutput: block.FinalOutput,
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		s.logger.Warn("replay snapshot save failed",
			slog.String("decision_id", resp.DecisionID),
			slog.String("error", err.Error()))
	}
}

// validateRequest is the standalone policy-check body.
type validateRequest struct {
	Action  string         `json:"action"`
	Context map[string]any `json:"context,omitempty"`
}

var validateExample = map[string]any{
	"action":  "deploy the new pricing model",
	"context": map[string]any{"stakes": 0.7},
}

// handleFujiValidate runs the gate alone, outside the pipeline. No trust
// log decision entry is written; the gate still records its fuji_evaluate
// event.
func (s *Server) handleFujiValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidation(w, "request body is not a valid validation request", "send a JSON object with an action field", validateExample, "")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		WriteValidation(w, "action is required", "action must be a non-empty string", validateExample, "")
		return
	}

	in := fuji.Input{
		Query:     req.Action,
		Mode:      "validate_action",
		RequestID: r.Header.Get("X-Request-ID"),
	}
	if stakes, ok := floatFrom(req.Context, "stakes"); ok {
		in.Stakes = stakes
	}

	decision, err := s.gate.Evaluate(r.Context(), in)
	if err != nil {
		if errors.Is(err, trustlog.ErrIntegrity) {
			WriteIntegrity(w, s.logger, err)
			return
		}
		WriteUnavailable(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.GateResult{
		Status:     decision.DecisionStatus,
		Reasons:    decision.Reasons,
		Violations: decision.Violations,
		Risk:       decision.RiskScore,
	})
}

func floatFrom(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
