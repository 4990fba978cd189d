package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/api"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			// Bare flags mean server mode.
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sVERITAS Gateway %s%s\n", ColorBold+ColorBlue, "v"+api.Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sEvery decision leaves a verifiable trail.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  veritas <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "GATEWAY")
	printCommand(w, "server", "Run the decision gateway (default)")
	printCommand(w, "doctor", "Check configuration and substrate health")
	printCommand(w, "health", "Check a running gateway over HTTP")

	printSection(w, "TRUST LOG")
	printCommand(w, "verify", "Verify the trust log chain offline (--log-root)")
	printCommand(w, "export", "Export the audit bundle (--out)")
	printCommand(w, "replay", "Re-execute a decision from its snapshot")

	printSection(w, "OPERATORS")
	printCommand(w, "keygen", "Create the Ed25519 signing keypair eagerly")
	printCommand(w, "token", "Mint an operator review token (--sub, --ttl)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-8s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runServer assembles the gateway from the environment and serves until
// SIGINT/SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = startup or serve failure
func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := api.Build(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "veritas: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	_, _ = fmt.Fprintf(stdout, "%sVERITAS gateway %s%s\n", ColorBold+ColorBlue, api.Version, ColorReset)
	_, _ = fmt.Fprintf(stdout, "trust root: %s%s%s\n", ColorBold+ColorGreen, rt.Log.PublicKey(), ColorReset)

	if err := rt.Server.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		_, _ = fmt.Fprintf(stderr, "veritas: %v\n", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

// runHealthCmd probes a running gateway's public health endpoint.
func runHealthCmd(stdout, stderr io.Writer) int {
	addr := config.Load().ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
