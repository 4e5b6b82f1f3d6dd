// Orchestrator is an MCP tool-orchestration service.
//
// It connects to a set of configured MCP tool servers, aggregates their
// tools into one collision-free catalog, and answers HTTP queries by
// looping an Anthropic reasoning model over that catalog. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	orchestrator serve       Start the API server
//	orchestrator version     Print version and build information
//	orchestrator -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mknsk/mcp-orchestrator/internal/agent"
	"github.com/mknsk/mcp-orchestrator/internal/api"
	"github.com/mknsk/mcp-orchestrator/internal/buildinfo"
	"github.com/mknsk/mcp-orchestrator/internal/config"
	"github.com/mknsk/mcp-orchestrator/internal/conn"
	"github.com/mknsk/mcp-orchestrator/internal/llm"
	"github.com/mknsk/mcp-orchestrator/internal/registry"
	"github.com/mknsk/mcp-orchestrator/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are injected so
// that tests can drive the full lifecycle. Arguments are parsed by hand:
// the flag package relies on package-level globals, which makes it
// impossible to call run() concurrently from tests, and our argument
// surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s (try -help)", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `orchestrator - MCP tool-orchestration service

Usage:
  orchestrator [flags] <command>

Commands:
  serve      Start the API server (default)
  version    Print version and build information

Flags:
  -config <path>   Config file (default: search %s)
  -o <format>      Output format for version: text or json
  -help            Show this help
`, strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		parsed, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		level = parsed
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"version", buildinfo.Version,
		"config", path,
		"servers", len(cfg.Servers),
	)

	if cfg.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is not configured")
	}

	// Wiring: config feeds the connection manager; the registry routes
	// over the configured server names; everything else is injected.
	conns := conn.NewManager(cfg.Servers, logger.With("component", "conn"))
	reg := registry.New(conns.ServerNames(), logger.With("component", "registry"))
	sessions := session.NewStore(cfg.Query.MaxMessages, logger.With("component", "session"))
	chat := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens,
		logger.With("component", "llm"))
	loop := agent.New(conns, reg, sessions, chat, cfg.Query, logger.With("component", "agent"))

	// Preflight discovery warms the connection cache and reports dead
	// servers at startup instead of on the first query.
	pctx, pcancel := context.WithTimeout(ctx, 60*time.Second)
	catalog, report := reg.Discover(pctx, conns, conns.ServerNames())
	pcancel()
	logger.Info("startup discovery",
		"tools", len(catalog),
		"successful", report.Successful,
		"failed", report.Failed,
	)
	for name, msg := range report.Errors {
		logger.Warn("server unavailable at startup", "server", name, "error", msg)
	}

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, loop, sessions, conns, cfg.Servers, logger.With("component", "api"))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		conns.CloseAll()
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown error: %s\n", err)
	}
	conns.CloseAll()

	return nil
}

// newLogger builds the process logger with TRACE-aware level names.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves the config path and loads it.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, path, nil
}
