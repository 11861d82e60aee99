package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/spectra/internal/config"
	"github.com/haasonsaas/spectra/internal/gateway"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, builds the service and serves HTTP until
// SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, debug)

	logger.Info("starting Spectra",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.DefaultProvider,
		"search_provider", cfg.Tools.WebSearch.Provider,
		"export_backend", cfg.Storage.Export.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	a.Start()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	server := gateway.NewServer(gateway.Config{
		Server:   cfg.Server,
		Analyzer: a.service,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
		Gatherer: a.registry,
		Logger:   logger,
	})
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("Spectra stopped")
	return nil
}

// =============================================================================
// Ask / Profile Handlers
// =============================================================================

type askOptions struct {
	configPath  string
	datasetPath string
	sessionID   string
	query       string
	debug       bool
}

func runAsk(ctx context.Context, out io.Writer, opts askOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, opts.debug)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer closeApp(a, logger)

	if err := uploadFile(ctx, a, opts.datasetPath); err != nil {
		return err
	}

	result, err := a.service.Analyze(ctx, opts.query, opts.sessionID)
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

func runProfile(ctx context.Context, out io.Writer, configPath, datasetPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, false)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer closeApp(a, logger)

	if err := uploadFile(ctx, a, datasetPath); err != nil {
		return err
	}
	return writeJSON(out, a.service.Profile(ctx))
}

func uploadFile(ctx context.Context, a *app, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	if _, err := a.service.Upload(ctx, f); err != nil {
		return fmt.Errorf("upload dataset: %w", err)
	}
	return nil
}

func closeApp(a *app, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "(defaults)"
	}
	_, err = fmt.Fprintf(out, "%s: ok (llm=%s, search=%s, export=%s)\n",
		source, cfg.LLM.DefaultProvider, cfg.Tools.WebSearch.Provider, cfg.Storage.Export.Backend)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
