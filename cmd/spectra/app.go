package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/agent/providers"
	"github.com/haasonsaas/spectra/internal/analysis"
	"github.com/haasonsaas/spectra/internal/artifacts"
	"github.com/haasonsaas/spectra/internal/config"
	"github.com/haasonsaas/spectra/internal/dataset"
	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/internal/sessions"
	"github.com/haasonsaas/spectra/internal/tools/sandbox"
	"github.com/haasonsaas/spectra/internal/tools/websearch"
)

// app holds every long-lived component built from a Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	sessions *sessions.MemoryStore
	sweeper  *sessions.Sweeper
	exports  artifacts.Store
	service  *analysis.Service

	shutdownTracer func(context.Context) error
}

// newLogger builds the process logger from config. debug forces the debug level.
func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	return newLoggerTo(os.Stderr, cfg, debug)
}

func newLoggerTo(w io.Writer, cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: w,
	}).WithFields("service", "spectra", "version", version).Slog()
	slog.SetDefault(logger)
	return logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer, a.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "spectra",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	provider, model, temperature, err := newProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	if err := checkProvider(provider, model, logger); err != nil {
		return nil, err
	}

	datasets, err := dataset.NewStore(cfg.Storage.UploadDir, cfg.Server.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("dataset store: %w", err)
	}
	a.exports, err = newExportStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	registry := agent.NewToolRegistry()
	runtime := sandbox.NewDockerRuntime(sandbox.DockerConfig{
		Binary:  cfg.Tools.Sandbox.DockerBinary,
		Image:   cfg.Tools.Sandbox.Image,
		Network: cfg.Tools.Sandbox.Network,
		CPUs:    cfg.Tools.Sandbox.Limits.MaxCPU,
		Memory:  cfg.Tools.Sandbox.Limits.MaxMemory,
	}, nil, logger)
	if _, err := sandbox.Register(registry, runtime,
		sandbox.WithDatasetPath(datasets.Path()),
		sandbox.WithExportStore(a.exports),
		sandbox.WithTimeout(cfg.Tools.Sandbox.Timeout),
		sandbox.WithLogger(logger),
	); err != nil {
		return nil, fmt.Errorf("register sandbox: %w", err)
	}

	search := cfg.Tools.WebSearch
	backend, err := websearch.NewBackend(search.Provider, search.APIKey, search.URL, search.Timeout)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	if err := registry.Register(websearch.NewWebSearchTool(backend, websearch.Config{
		MaxResults: search.MaxResults,
		CacheTTL:   search.CacheTTL,
		Logger:     logger,
	})); err != nil {
		return nil, fmt.Errorf("register web search: %w", err)
	}

	a.sessions = sessions.NewMemoryStoreWithConfig(sessions.MemoryConfig{MaxMessages: cfg.Session.MaxMessages})
	if cfg.Session.IdleTTL > 0 {
		a.sweeper, err = sessions.NewSweeper(a.sessions, sessions.SweeperConfig{
			IdleTTL:  cfg.Session.IdleTTL,
			Schedule: cfg.Session.SweepSchedule,
			Metrics:  a.metrics,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	loopConfig := agent.DefaultLoopConfig()
	loopConfig.MaxIterations = cfg.Agent.MaxIterations
	loopConfig.MaxWallTime = cfg.Agent.MaxWallTime
	loopConfig.Model = model
	loopConfig.Temperature = &temperature
	loopConfig.MaxTokens = cfg.LLM.Providers[cfg.LLM.DefaultProvider].MaxTokens
	if cfg.Agent.SystemPrompt != "" {
		loopConfig.SystemDirective = cfg.Agent.SystemPrompt
	}

	controller := agent.NewTurnController(provider, registry, a.sessions, loopConfig)
	controller.SetObservability(a.metrics, a.tracer, logger)
	controller.SetLocker(sessions.NewLocalLocker())

	a.service = analysis.NewService(analysis.Config{
		Controller:   controller,
		Datasets:     datasets,
		Exports:      a.exports,
		ProfileModel: model,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	return a, nil
}

// Start launches background work.
func (a *app) Start() {
	if a.sweeper != nil {
		a.sweeper.Start()
	}
}

// Close stops background work and releases stores.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sweeper != nil {
		errs = append(errs, a.sweeper.Stop(ctx))
	}
	if a.exports != nil {
		errs = append(errs, a.exports.Close())
	}
	if a.shutdownTracer != nil {
		errs = append(errs, a.shutdownTracer(ctx))
	}
	return errors.Join(errs...)
}

// newProvider selects the configured LLM provider and returns it with the
// model and temperature turns should use.
func newProvider(cfg config.LLMConfig) (agent.LLMProvider, string, float64, error) {
	pc := cfg.Providers[cfg.DefaultProvider]
	switch cfg.DefaultProvider {
	case config.ProviderOpenAI:
		model := pc.DefaultModel
		if model == "" {
			model = providers.DefaultOpenAIModel
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: model,
		}), model, pc.Temperature, nil
	case config.ProviderAnthropic:
		model := pc.DefaultModel
		if model == "" {
			model = providers.DefaultAnthropicModel
		}
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: model,
		})
		if err != nil {
			return nil, "", 0, err
		}
		return p, model, pc.Temperature, nil
	default:
		return nil, "", 0, fmt.Errorf("unsupported llm provider %q", cfg.DefaultProvider)
	}
}

// checkProvider rejects providers without tool use and warns about models
// the provider does not list.
func checkProvider(provider agent.LLMProvider, model string, logger *slog.Logger) error {
	if !provider.SupportsTools() {
		return fmt.Errorf("llm provider %q does not support tool use", provider.Name())
	}
	catalog := provider.Models()
	if len(catalog) == 0 {
		return nil
	}
	for _, m := range catalog {
		if m.ID == model {
			return nil
		}
	}
	logger.Warn("model not in provider catalog", "provider", provider.Name(), "model", model)
	return nil
}

func newExportStore(ctx context.Context, cfg config.StorageConfig) (artifacts.Store, error) {
	switch cfg.Export.Backend {
	case config.ExportBackendS3:
		s3cfg := cfg.Export.S3
		store, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			Prefix:          s3cfg.Prefix,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 export store: %w", err)
		}
		return store, nil
	default:
		store, err := artifacts.NewLocalStore(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("local export store: %w", err)
		}
		return store, nil
	}
}
