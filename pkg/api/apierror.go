// Package api is the HTTP surface of the gateway: request admission,
// the decision endpoints, trust-log reads, governance, memory, reports,
// and replay. Handlers convert domain errors to the fixed error envelope;
// internal error strings never reach the wire.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error kinds carried in the envelope. Clients branch on these, so the set
// is fixed.
const (
	KindAdmission  = "admission_error"
	KindValidation = "validation_error"
	KindNotFound   = "not_found"
	KindMethod     = "method_not_allowed"
	KindRateLimit  = "rate_limited"
	KindConflict   = "conflict"
	KindPipeline   = "pipeline_failure"
	KindIntegrity  = "integrity_failure"
)

// ErrorBody is the error envelope for every non-2xx response. Detail is
// always generic; Hint, ExpectedExample, and RawBody appear only on 422
// validation responses (RawBody only in debug mode).
type ErrorBody struct {
	Error           string `json:"error"`
	Detail          string `json:"detail"`
	Hint            string `json:"hint,omitempty"`
	ExpectedExample any    `json:"expected_example,omitempty"`
	RawBody         string `json:"raw_body,omitempty"`
}

// WriteError writes the envelope with the given status and kind.
func WriteError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: kind, Detail: detail})
}

// WriteAdmission writes an admission failure. Details stay generic so the
// response never reveals which check failed beyond its class.
func WriteAdmission(w http.ResponseWriter, status int, detail string) {
	WriteError(w, status, KindAdmission, detail)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "resource not found"
	}
	WriteError(w, http.StatusNotFound, KindNotFound, detail)
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, KindMethod, "the HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, KindConflict, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, KindRateLimit, "rate limit exceeded, retry after the specified interval")
}

// WriteValidation writes a 422 with a hint and an example body. rawBody is
// echoed only when non-empty; callers gate it on debug mode.
func WriteValidation(w http.ResponseWriter, detail, hint string, example any, rawBody string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:           KindValidation,
		Detail:          detail,
		Hint:            hint,
		ExpectedExample: example,
		RawBody:         rawBody,
	})
}

// WriteUnavailable writes the generic 503 pipeline-failure envelope. The
// err parameter is logged but never exposed to the client.
func WriteUnavailable(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Error("pipeline failure", slog.String("error", err.Error()))
	}
	WriteError(w, http.StatusServiceUnavailable, KindPipeline, "the decision pipeline is temporarily unavailable")
}

// WriteIntegrity writes the 500 integrity-failure envelope. Integrity
// failures are never masked; the request that hit one did not complete.
func WriteIntegrity(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Error("trust log integrity failure", slog.String("error", err.Error()))
	}
	WriteError(w, http.StatusInternalServerError, KindIntegrity, "trust log integrity check failed")
}
