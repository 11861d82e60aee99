// Package analysis is the boundary surface of Spectra: dataset upload,
// conversational analysis turns, dataset profiling and export download.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/artifacts"
	"github.com/haasonsaas/spectra/internal/dataset"
	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/pkg/models"
)

// DefaultSessionID is used when a caller does not name a session.
const DefaultSessionID = "default"

// ErrNoExport is returned by Download when nothing has been exported.
var ErrNoExport = errors.New("no exported file available")

// Config wires a Service.
type Config struct {
	Controller *agent.TurnController
	Datasets   *dataset.Store
	Exports    artifacts.Store

	// ProfileModel overrides the provider default for profile requests.
	ProfileModel string

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Service implements the analysis operations on top of the turn controller.
type Service struct {
	controller   *agent.TurnController
	datasets     *dataset.Store
	exports      artifacts.Store
	profileModel string
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewService creates a service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		controller:   cfg.Controller,
		datasets:     cfg.Datasets,
		exports:      cfg.Exports,
		profileModel: cfg.ProfileModel,
		metrics:      cfg.Metrics,
		logger:       logger.With("component", "analysis"),
	}
}

// Upload replaces the dataset with r and returns its path.
func (s *Service) Upload(ctx context.Context, r io.Reader) (string, error) {
	if s.datasets == nil {
		return "", errors.New("dataset storage not configured")
	}
	path, err := s.datasets.Save(ctx, r)
	if err != nil {
		s.logger.Error("upload failed", "error", err)
		return "", err
	}
	s.logger.Info("dataset uploaded", "path", path)
	return path, nil
}

// Analyze runs one turn for sessionID and assembles the structured answer.
// When the dispatch limit is hit the partial turn is still returned, with a
// response explaining that the analysis was cut short.
func (s *Service) Analyze(ctx context.Context, query, sessionID string) (*models.AnalysisResult, error) {
	if s.controller == nil {
		return nil, agent.ErrNoProvider
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = DefaultSessionID
	}

	outcome, err := s.controller.RunTurn(ctx, sessionID, query)
	if err != nil {
		if errors.Is(err, agent.ErrMaxIterations) && outcome != nil {
			result := artifacts.BuildResult(nil, outcome.TurnMessages)
			result.Response = fmt.Sprintf("I stopped after %d tool rounds without reaching a final answer. Try narrowing the question.", outcome.Iterations)
			s.recordCharts(result)
			return result, nil
		}
		return nil, err
	}

	result := artifacts.BuildResult(outcome.Final, outcome.TurnMessages)
	s.recordCharts(result)
	s.logger.Debug("analysis complete",
		"session_key", sessionID,
		"iterations", outcome.Iterations,
		"chart_type", string(result.ChartType),
		"charts", len(result.ChartData),
		"file_ready", result.FileReady,
	)
	return result, nil
}

// Download opens the exported file.
func (s *Service) Download(ctx context.Context) (io.ReadCloser, error) {
	if s.exports == nil {
		return nil, ErrNoExport
	}
	rc, err := s.exports.Get(ctx, artifacts.ExportFileName)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, ErrNoExport
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *Service) recordCharts(result *models.AnalysisResult) {
	if result.ChartType != models.ChartNone {
		s.metrics.RecordCharts(string(result.ChartType), len(result.ChartData))
	}
}
