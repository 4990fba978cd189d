package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/archive"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/evidence"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/governance"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/memory"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/observability"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/pipeline"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/reports"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/websearch"
)

// Runtime is a fully assembled gateway: the HTTP server, the substrate
// handles the CLI subcommands drive directly, and the shutdown hook that
// releases everything behind them.
type Runtime struct {
	Server   *Server
	Log      *trustlog.TrustLog
	Replayer *replay.Engine
	Close    func(ctx context.Context) error
}

// archiveTimeout bounds one rotated-segment upload.
const archiveTimeout = 30 * time.Second

// Build assembles the gateway from configuration: signing keys, trust log,
// review queue, FUJI gate, evidence collector, memory, governance, the
// decision pipeline, replay, and compliance reporting. Everything lives
// under cfg.LogRoot so one directory is the whole gateway state.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	signer, err := signing.LoadOrCreate(filepath.Join(cfg.LogRoot, "keys"))
	if err != nil {
		return nil, err
	}

	arch, err := archive.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Rotated segments go to cold storage. Archival failure must not stall
	// or fail the chain; the segment file stays on disk either way.
	tlog, err := trustlog.Open(cfg.LogRoot, signer, trustlog.WithRotationHook(func(segment []byte) {
		hctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		ref, err := arch.Put(hctx, segment)
		if err != nil {
			logger.Warn("segment archival failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("segment archived", slog.String("ref", ref))
	}))
	if err != nil {
		return nil, err
	}

	reviews, err := trustlog.NewReviewQueue(tlog)
	if err != nil {
		return nil, err
	}
	audit := &observedLog{log: tlog, reviews: reviews}

	// An invalid registry document aborts assembly: every rejection code the
	// gate can emit must resolve.
	registry := fuji.NewRegistry()
	if cfg.FujiRegistryPath != "" {
		registry, err = fuji.LoadRegistry(cfg.FujiRegistryPath)
		if err != nil {
			return nil, err
		}
	}
	policy, err := fuji.NewPolicyStore(cfg.FujiPolicyPath, logger)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewFromConfig(cfg)
	if err != nil {
		if !errors.Is(err, llm.ErrUnconfigured) {
			policy.Close()
			return nil, err
		}
		logger.Info("llm client unconfigured, heuristic stages only")
		client = nil
	}

	guard, err := governance.NewCELGuard()
	if err != nil {
		policy.Close()
		return nil, err
	}

	var head *fuji.LLMHead
	if client != nil && cfg.SafetyMode != "heuristic" {
		head = fuji.NewLLMHead(client, cfg.LLMTimeout)
	}
	gate := fuji.NewGate(registry, policy, gateOptions(guard, head, &gateAudit{log: audit}, logger)...)

	mem, err := memory.Open(filepath.Join(cfg.LogRoot, "memory"), memory.NewHashEmbedder(0), logger)
	if err != nil {
		policy.Close()
		return nil, err
	}

	sources := []evidence.Source{evidence.NewLocalSource(), evidence.NewMemorySource(mem)}
	if web := websearch.NewFromConfig(cfg); web != nil {
		sources = append(sources, evidence.NewWebSource(web))
	}
	collector := evidence.NewCollector(logger, sources...)

	gov, err := governance.Open(cfg.LogRoot, logger)
	if err != nil {
		policy.Close()
		return nil, err
	}

	obs, err := observability.New(ctx, observability.FromConfig(cfg), logger)
	if err != nil {
		policy.Close()
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Collector: collector,
		LLM:       client,
		Gate:      gate,
		Policy:    policy,
		Log:       audit,
		Governor:  gov,
		Obs:       obs,
		Logger:    logger,
	})
	if err != nil {
		policy.Close()
		return nil, err
	}

	snapshots, err := replay.Open(filepath.Join(cfg.LogRoot, "replay", "snapshots.db"))
	if err != nil {
		policy.Close()
		return nil, err
	}

	// The replay pipeline runs the same stages against an in-memory sink:
	// re-executions must not extend the chain, move the value EMA, or emit
	// telemetry.
	sink := &replay.MemorySink{}
	replayGate := fuji.NewGate(registry, policy, gateOptions(guard, head, sink.GateSink(), logger)...)
	replayPipe, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Collector: collector,
		LLM:       client,
		Gate:      replayGate,
		Policy:    policy,
		Log:       sink,
		Logger:    logger,
	})
	if err != nil {
		policy.Close()
		_ = snapshots.Close()
		return nil, err
	}
	engine := replay.NewEngine(snapshots, tlog, replayPipe, cfg.ReplayReportDir, logger)

	builder := reports.NewBuilder(tlog, registry, filepath.Join(cfg.LogRoot, "compliance_reports"), logger,
		reports.WithArchive(arch),
		reports.WithReplayDir(cfg.ReplayReportDir))

	// Operator tokens ride the gateway's own signing key; no second
	// credential to provision or rotate.
	operators := NewOperatorAuth(signer.PublicKeyBytes(), ed25519.NewKeyFromSeed(signer.Seed()))

	srv := NewServer(Deps{
		Config:    cfg,
		Pipe:      pipe,
		Gate:      gate,
		Log:       tlog,
		Memory:    mem,
		Gov:       gov,
		Reports:   builder,
		Replayer:  engine,
		Snapshots: snapshots,
		Reviews:   reviews,
		Operators: operators,
		Logger:    logger,
	})

	closeFn := func(ctx context.Context) error {
		policy.Close()
		var errs []error
		if err := snapshots.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := obs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return &Runtime{Server: srv, Log: tlog, Replayer: engine, Close: closeFn}, nil
}

func gateOptions(guard fuji.Guard, head *fuji.LLMHead, sink fuji.AuditSink, logger *slog.Logger) []fuji.GateOption {
	opts := []fuji.GateOption{
		fuji.WithGuard(guard),
		fuji.WithAuditSink(sink),
		fuji.WithLogger(logger),
	}
	if head != nil {
		opts = append(opts, fuji.WithSafetyHead(head))
	}
	return opts
}

// observedLog tees every append into the review queue so fresh holds are
// visible without a ledger rescan.
type observedLog struct {
	log     *trustlog.TrustLog
	reviews *trustlog.ReviewQueue
}

func (o *observedLog) Append(kind string, payload map[string]any) (*trustlog.Entry, error) {
	entry, err := o.log.Append(kind, payload)
	if err != nil {
		return nil, err
	}
	o.reviews.Observe(entry)
	return entry, nil
}

// gateAudit narrows the audit log to the gate's sink surface.
type gateAudit struct {
	log pipeline.AuditLog
}

func (g *gateAudit) Append(kind string, payload map[string]any) (string, error) {
	entry, err := g.log.Append(kind, payload)
	if err != nil {
		return "", err
	}
	return entry.DecisionID, nil
}
