// Package sandbox implements the execute_code tool: model-written Python runs
// in a fresh, network-less container next to a copy of the uploaded dataset.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/artifacts"
	"github.com/haasonsaas/spectra/internal/tools/toolschema"
	"github.com/haasonsaas/spectra/pkg/models"
)

// DatasetFileName is the name the uploaded dataset has inside the sandbox.
const DatasetFileName = "dataset.csv"

// ExecuteParams defines the input parameters for execute_code.
type ExecuteParams struct {
	Code string `json:"code" jsonschema:"minLength=1" jsonschema_description:"Python source to run. Load data with pd.read_csv('dataset.csv')."`
}

var (
	executeSchema    = toolschema.Reflect(&ExecuteParams{})
	executeValidator = toolschema.MustValidator("execute_code", executeSchema)
)

// Executor implements agent.Tool for sandboxed Python execution.
type Executor struct {
	runtime     Runtime
	datasetPath string
	exports     artifacts.Store
	timeout     time.Duration
	logger      *slog.Logger
}

// Config holds executor configuration.
type Config struct {
	DatasetPath string
	Exports     artifacts.Store
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Option is a functional option for configuring the executor at creation time.
type Option func(*Config)

// WithDatasetPath sets the host path of the dataset copied into each sandbox.
func WithDatasetPath(path string) Option {
	return func(c *Config) {
		c.DatasetPath = path
	}
}

// WithExportStore sets where exported files are persisted.
func WithExportStore(store artifacts.Store) Option {
	return func(c *Config) {
		c.Exports = store
	}
}

// WithTimeout bounds one execution including provisioning and cleanup.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// NewExecutor creates the execute_code tool on top of runtime.
func NewExecutor(runtime Runtime, opts ...Option) *Executor {
	config := &Config{Timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Executor{
		runtime:     runtime,
		datasetPath: config.DatasetPath,
		exports:     config.Exports,
		timeout:     config.Timeout,
		logger:      config.Logger.With("tool", string(models.ToolExecuteCode)),
	}
}

// Name returns the tool name.
func (e *Executor) Name() models.ToolName {
	return models.ToolExecuteCode
}

// Description returns the tool description.
func (e *Executor) Description() string {
	return "Execute Python code against the uploaded dataset (available as dataset.csv). " +
		"Use it for data loading, statistics and charts. Print Plotly figures as " +
		"PLOTLY_JSON_START<fig.to_json()>PLOTLY_JSON_END. Code runs isolated with no network access."
}

// Schema returns the JSON schema for the tool parameters.
func (e *Executor) Schema() json.RawMessage {
	return executeSchema
}

// Execute runs the code in a fresh environment. Runtime and system failures
// are reported as result text so the model can react to them.
func (e *Executor) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p ExecuteParams
	if err := executeValidator.Decode(params, &p); err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Invalid parameters: %v", err),
			IsError: true,
		}, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	text, isErr, err := e.run(ctx, p.Code)
	if err != nil {
		e.logger.Warn("sandbox execution failed", "error", err)
		return &agent.ToolResult{Content: "System Error: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: text, IsError: isErr}, nil
}

func (e *Executor) run(ctx context.Context, code string) (string, bool, error) {
	if e.runtime == nil {
		return "", false, errors.New("no sandbox runtime configured")
	}
	env, err := e.runtime.Provision(ctx)
	if err != nil {
		return "", false, fmt.Errorf("provision sandbox: %w", err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			e.logger.Warn("sandbox cleanup failed", "error", cerr)
		}
	}()

	if err := e.copyDataset(ctx, env); err != nil {
		return "", false, err
	}

	start := time.Now()
	outcome, err := env.RunCode(ctx, code)
	if err != nil {
		return "", false, err
	}
	e.logger.Debug("code executed",
		"duration", time.Since(start),
		"stdout_lines", len(outcome.Stdout),
		"results", len(outcome.Results),
		"runtime_error", outcome.Error != nil,
	)

	text, charts := formatOutcome(outcome)
	if outcome.Error != nil {
		return text, true, nil
	}

	if strings.Contains(text, artifacts.DownloadMarker) {
		if err := e.export(ctx, env); err != nil {
			// A failed export must not leave the marker behind.
			text = strings.ReplaceAll(text, artifacts.DownloadMarker, "export failed")
			text += "\nExport Error: " + err.Error()
		} else {
			text += "\n" + exportedText
		}
	}
	if charts {
		text += "\n" + chartNote
	}
	return text, false, nil
}

func (e *Executor) copyDataset(ctx context.Context, env Environment) error {
	if e.datasetPath == "" {
		return nil
	}
	data, err := os.ReadFile(e.datasetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	if err := env.WriteFile(ctx, DatasetFileName, data); err != nil {
		return fmt.Errorf("copy dataset: %w", err)
	}
	return nil
}

func (e *Executor) export(ctx context.Context, env Environment) error {
	if e.exports == nil {
		return errors.New("no export store configured")
	}
	data, err := env.ReadFile(ctx, artifacts.ExportFileName)
	if err != nil {
		return err
	}
	ref, err := e.exports.Put(ctx, artifacts.ExportFileName, bytes.NewReader(data), artifacts.PutOptions{MimeType: "text/csv"})
	if err != nil {
		return err
	}
	e.logger.Info("export saved", "ref", ref, "bytes", len(data))
	return nil
}
