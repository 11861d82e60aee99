// Package gateway exposes the analysis service over HTTP.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/spectra/internal/config"
	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/internal/ratelimit"
	"github.com/haasonsaas/spectra/pkg/models"
)

// DefaultMaxUploadBytes bounds multipart uploads when the config leaves it unset.
const DefaultMaxUploadBytes int64 = 50 << 20

const maxAnalyzeBodyBytes = 1 << 20

// Analyzer is the surface the gateway serves. *analysis.Service implements it.
type Analyzer interface {
	Upload(ctx context.Context, r io.Reader) (string, error)
	Analyze(ctx context.Context, query, sessionID string) (*models.AnalysisResult, error)
	Profile(ctx context.Context) *models.Profile
	Download(ctx context.Context) (io.ReadCloser, error)
}

// Config wires a Server.
type Config struct {
	Server   config.ServerConfig
	Analyzer Analyzer

	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the Spectra HTTP gateway.
type Server struct {
	config    config.ServerConfig
	analyzer  Analyzer
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	limiter   *ratelimit.Limiter
	startTime time.Time

	httpServer *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		config:    cfg.Server,
		analyzer:  cfg.Analyzer,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		gatherer:  gatherer,
		logger:    logger.With("component", "gateway"),
		limiter:   ratelimit.NewLimiter(cfg.Server.RateLimit),
		startTime: time.Now(),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limit := RateLimitMiddleware(s.limiter, s.metrics)
	mux.Handle("POST /upload", limit(http.HandlerFunc(s.handleUpload)))
	mux.Handle("POST /analyze", limit(http.HandlerFunc(s.handleAnalyze)))
	mux.HandleFunc("GET /profile", s.handleProfile)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = InstrumentMiddleware(s.metrics, s.tracer, s.logger)(h)
	h = CORSMiddleware(s.config.CORSOrigins)(h)
	h = RequestIDMiddleware(h)
	h = RecoverMiddleware(s.logger)(h)
	return h
}
