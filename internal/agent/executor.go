package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/pkg/models"
)

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	// DefaultTimeout bounds a single tool call.
	// Default: 3m
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultTimeout: 3 * time.Minute,
	}
}

// ToolConfig holds per-tool overrides.
type ToolConfig struct {
	// Timeout overrides the default timeout for this tool
	Timeout time.Duration
}

// Executor runs the tool calls of one dispatch cycle strictly in arrival
// order. Failures, timeouts and panics are converted into error results so
// the turn can continue.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[models.ToolName]*ToolConfig
	mu         sync.RWMutex

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewExecutor creates a tool executor for the given registry.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[models.ToolName]*ToolConfig),
		logger:     slog.Default(),
	}
}

// ConfigureTool sets per-tool configuration overrides for the named tool.
func (e *Executor) ConfigureTool(name models.ToolName, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

// SetObservability attaches metrics, tracing and logging. Nil values leave
// the current setting unchanged.
func (e *Executor) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if metrics != nil {
		e.metrics = metrics
	}
	if tracer != nil {
		e.tracer = tracer
	}
	if logger != nil {
		e.logger = logger
	}
}

func (e *Executor) timeoutFor(name models.ToolName) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tc, ok := e.toolConfig[name]; ok && tc != nil && tc.Timeout > 0 {
		return tc.Timeout
	}
	return e.config.DefaultTimeout
}

// ExecutionResult holds the result of a single tool execution.
type ExecutionResult struct {
	ToolCallID string
	ToolName   models.ToolName
	Result     *ToolResult
	Error      error
	Duration   time.Duration
}

// ExecuteSequential runs calls one after another and returns their results
// in the same order.
func (e *Executor) ExecuteSequential(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	results := make([]*ExecutionResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.Execute(ctx, call))
	}
	return results
}

// Execute runs a single tool call with a timeout and panic recovery.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	ctx, span := e.tracer.TraceToolExecution(ctx, string(call.Name), call.ID)
	defer span.End()

	if err := ctx.Err(); err != nil {
		result.Error = NewToolError(string(call.Name), err).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
	} else {
		result.Result, result.Error = e.executeWithTimeout(ctx, call, e.timeoutFor(call.Name))
	}
	result.Duration = time.Since(start)

	status := "success"
	if result.Error != nil || (result.Result != nil && result.Result.IsError) {
		status = "error"
	}
	if result.Error != nil {
		e.tracer.RecordError(span, result.Error)
		errType := string(ToolErrorUnknown)
		if toolErr, ok := GetToolError(result.Error); ok {
			errType = string(toolErr.Type)
		}
		e.metrics.RecordError("tool", errType)
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", result.Error,
		)
	}
	e.metrics.RecordToolExecution(string(call.Name), status, result.Duration.Seconds())

	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(string(call.Name), fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			resultCh <- execResult{err: NewToolError(string(call.Name), err).WithToolCallID(call.ID)}
			return
		}
		if result == nil {
			result = &ToolResult{}
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(string(call.Name), ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(string(call.Name), ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// ResultsToMessages converts execution results to transcript tool results.
// Errors become "Tool Error: ..." text with IsError set.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	toolResults := make([]models.ToolResult, len(results))
	for i, r := range results {
		tr := models.ToolResult{
			ToolCallID: r.ToolCallID,
			ToolName:   r.ToolName,
		}
		switch {
		case r.Error != nil:
			tr.Content = "Tool Error: " + toolErrorText(r.Error)
			tr.IsError = true
		case r.Result != nil:
			tr.Content = r.Result.Content
			tr.IsError = r.Result.IsError
		}
		toolResults[i] = tr
	}
	return toolResults
}

func toolErrorText(err error) string {
	if errors.Is(err, ErrUnknownTool) {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return fmt.Sprintf("%s: %s", ErrUnknownTool, toolErr.ToolName)
		}
	}
	if toolErr, ok := GetToolError(err); ok && toolErr.Message != "" {
		return toolErr.Message
	}
	return err.Error()
}
