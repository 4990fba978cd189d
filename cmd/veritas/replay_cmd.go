package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/api"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
)

// runReplayCmd implements `veritas replay <decision_id>`.
//
// Re-executes one decision from its persisted snapshot through the full
// gateway stack (the replay pipeline must match production wiring, so this
// assembles the gateway without serving it) and prints the divergence
// report.
//
// Exit codes:
//
//	0 = outputs match
//	1 = outputs diverged
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	jsonOutput := cmd.Bool("json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: veritas replay [--json] <decision_id>")
		return 2
	}
	decisionID := cmd.Arg(0)

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	ctx := context.Background()

	rt, err := api.Build(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(context.Background()) }()

	report, err := rt.Replayer.Replay(ctx, decisionID)
	if err != nil {
		if errors.Is(err, replay.ErrNotFound) {
			_, _ = fmt.Fprintf(stderr, "Error: no replay snapshot for decision %s\n", decisionID)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 2
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Match {
		_, _ = fmt.Fprintf(stdout, "✅ replay matched (seed %d, %dms)\n", report.Seed, report.ReplayTimeMS)
		_, _ = fmt.Fprintf(stdout, "report: %s\n", report.ReportPath)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ replay DIVERGED (seed %d)\n", report.Seed)
		for _, key := range report.Diff.Keys {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", key)
		}
		_, _ = fmt.Fprintf(stdout, "report: %s\n", report.ReportPath)
	}

	if !report.Match {
		return 1
	}
	return 0
}
