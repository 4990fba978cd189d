package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/governance"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/memory"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/pipeline"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/reports"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// Version is reported by /status and the CLI.
const Version = "2.1.0"

// Decider is the decision surface the HTTP layer drives.
type Decider interface {
	Decide(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Replayer re-executes one persisted decision.
type Replayer interface {
	Replay(ctx context.Context, decisionID string) (*replay.Report, error)
}

// Deps wires the server's collaborators. Config, Pipe, Gate, and Log are
// required; the rest disable their endpoints (404/503) when nil.
type Deps struct {
	Config    *config.Config
	Pipe      Decider
	Gate      pipeline.Gatekeeper
	Log       *trustlog.TrustLog
	Memory    *memory.Manager
	Gov       *governance.Store
	Reports   *reports.Builder
	Replayer  Replayer
	Snapshots *replay.Store
	Reviews   *trustlog.ReviewQueue
	Operators *OperatorAuth
	Admission *Admission
	Logger    *slog.Logger
}

// Server is the gateway's HTTP surface.
type Server struct {
	cfg       *config.Config
	pipe      Decider
	gate      pipeline.Gatekeeper
	log       *trustlog.TrustLog
	memory    *memory.Manager
	gov       *governance.Store
	reports   *reports.Builder
	replayer  Replayer
	snapshots *replay.Store
	reviews   *trustlog.ReviewQueue
	operators *OperatorAuth
	admission *Admission
	logger    *slog.Logger
	started   time.Time
}

// NewServer builds the server over its collaborators.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admission := d.Admission
	if admission == nil {
		admission = NewAdmission(d.Config, logger)
	}
	return &Server{
		cfg:       d.Config,
		pipe:      d.Pipe,
		gate:      d.Gate,
		log:       d.Log,
		memory:    d.Memory,
		gov:       d.Gov,
		reports:   d.Reports,
		replayer:  d.Replayer,
		snapshots: d.Snapshots,
		reviews:   d.Reviews,
		operators: d.Operators,
		admission: admission,
		logger:    logger,
		started:   time.Now(),
	}
}

// Handler assembles the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	return Chain(s.routes(),
		RequestID,
		SecurityHeaders,
		CORS(s.cfg.CORSAllowOrigins),
		Recover(s.logger),
		Timeout(s.cfg.RequestTimeout),
	)
}

// routes wires every endpoint. Health stays public; everything else sits
// behind admission.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	auth := func(h http.HandlerFunc) http.Handler { return s.admission.Wrap(h) }

	mux.Handle("GET /status", auth(s.handleStatus))

	mux.Handle("POST /v1/decide", auth(s.handleDecide))
	mux.Handle("POST /v1/decide/basic", auth(s.handleDecideBasic))
	mux.Handle("POST /v1/fuji/validate", auth(s.handleFujiValidate))

	mux.Handle("POST /v1/memory/put", auth(s.handleMemoryPut))
	mux.Handle("POST /v1/memory/get", auth(s.handleMemoryGet))
	mux.Handle("POST /v1/memory/search", auth(s.handleMemorySearch))

	mux.Handle("GET /v1/trust/logs", auth(s.handleTrustLogs))
	mux.Handle("GET /v1/trust/{request_id}", auth(s.handleTrustRequest))
	mux.Handle("GET /v1/trustlog/verify", auth(s.handleTrustVerify))
	mux.Handle("GET /v1/trustlog/export", auth(s.handleTrustExport))

	mux.Handle("GET /v1/governance/policy", auth(s.handleGovernanceGet))
	mux.Handle("PUT /v1/governance/policy", auth(s.handleGovernancePut))

	mux.Handle("GET /v1/review/pending", auth(s.handleReviewPending))
	mux.Handle("POST /v1/review/{decision_id}", auth(s.handleReviewResolve))

	mux.Handle("GET /v1/report/eu_ai_act/{decision_id}", auth(s.handleReportEUAIAct))
	mux.Handle("GET /v1/report/governance", auth(s.handleReportGovernance))
	mux.Handle("POST /v1/replay/{decision_id}", auth(s.handleReplay))

	return mux
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// The request timeout middleware bounds handler work; these cover
		// slow readers and writers at the socket.
		ReadTimeout:  s.cfg.RequestTimeout + 10*time.Second,
		WriteTimeout: s.cfg.RequestTimeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// handleStatus reports version and a configuration summary. Secrets are
// never echoed.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"service":               "veritas",
		"version":               Version,
		"uptime_s":              int64(time.Since(s.started).Seconds()),
		"listen":                s.cfg.ListenAddr,
		"log_root":              s.cfg.LogRoot,
		"debug":                 s.cfg.DebugMode,
		"safety_mode":           s.cfg.SafetyMode,
		"self_healing":          s.cfg.SelfHealingEnabled,
		"rate_limit_per_minute": s.cfg.RateLimitPerMinute,
		"archive_storage":       s.cfg.ArchiveStorage,
		"otel_enabled":          s.cfg.OTelEnabled,
	}
	if s.gate != nil {
		status["policy_version"] = s.gate.PolicyVersion()
	}
	if s.log != nil {
		status["trust_log"] = map[string]any{
			"entries":   s.log.Len(),
			"head_hash": s.log.HeadHash(),
		}
	}
	if s.gov != nil {
		drift := s.gov.Drift()
		status["governance"] = map[string]any{
			"value_ema": drift.ValueEMA,
			"alarm":     drift.Alarm,
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
