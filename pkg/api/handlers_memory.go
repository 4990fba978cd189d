package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/memory"
)

var memoryPutExample = map[string]any{
	"namespace": "episodic",
	"kind":      "note",
	"text":      "ユーザーは簡潔な回答を好む",
	"tags":      []any{"preference"},
}

func (s *Server) handleMemoryPut(w http.ResponseWriter, r *http.Request) {
	var rec memory.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		WriteValidation(w, "request body is not a valid memory record", "send a JSON object with a text field", memoryPutExample, "")
		return
	}
	if strings.TrimSpace(rec.Text) == "" {
		WriteValidation(w, "text is required", "text must be a non-empty string", memoryPutExample, "")
		return
	}

	stored, err := s.memory.Put(r.Context(), rec.Namespace, rec)
	if err != nil {
		WriteValidation(w, err.Error(), "namespace must be one of episodic, semantic, skills", memoryPutExample, "")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		WriteValidation(w, "id is required", "send a JSON object with an id field", map[string]any{"id": "mem-..."}, "")
		return
	}

	rec, ok := s.memory.Get(req.ID)
	if !ok {
		WriteNotFound(w, "no memory record with this id")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string `json:"query"`
		K         int    `json:"k"`
		Namespace string `json:"namespace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		WriteValidation(w, "query is required", "send a JSON object with a query field", map[string]any{"query": "好み", "k": 5}, "")
		return
	}
	if req.K <= 0 {
		req.K = 5
	}

	var (
		hits []memory.Hit
		err  error
	)
	if req.Namespace != "" {
		store, serr := s.memory.Store(req.Namespace)
		if serr != nil {
			WriteValidation(w, serr.Error(), "namespace must be one of episodic, semantic, skills", nil, "")
			return
		}
		hits, err = store.Search(r.Context(), req.Query, req.K)
	} else {
		hits, err = s.memory.Search(r.Context(), req.Query, req.K)
	}
	if err != nil {
		WriteUnavailable(w, s.logger, err)
		return
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":  hits,
		"count": len(hits),
	})
}
