package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/spectra/internal/observability"
	"github.com/haasonsaas/spectra/internal/sessions"
	"github.com/haasonsaas/spectra/pkg/models"
)

const (
	// MaxResponseTextSize bounds the text collected from one model response (1MB).
	MaxResponseTextSize = 1 << 20

	// MaxToolCallsPerIteration bounds the tool calls accepted from one model response.
	MaxToolCallsPerIteration = 16

	// skippedToolResultText is recorded for calls left unexecuted when the
	// dispatch limit is reached.
	skippedToolResultText = "Tool Error: tool call skipped: dispatch limit reached for this turn"
)

// LoopConfig configures the turn loop.
type LoopConfig struct {
	// MaxIterations limits the dispatch cycles in one turn
	// Default: 8
	MaxIterations int

	// MaxWallTime limits total turn duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// MaxTokens is the max tokens for each model response (0 = provider default)
	MaxTokens int

	// Model overrides the provider's default model
	Model string

	// Temperature is passed to the provider when set
	Temperature *float64

	// SystemDirective replaces the built-in directive when set
	SystemDirective string

	// ExecutorConfig configures the tool executor
	ExecutorConfig *ExecutorConfig
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:   8,
		SystemDirective: SystemDirective,
		ExecutorConfig:  DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	if cfg.MaxTokens < 0 {
		cfg.MaxTokens = 0
	}
	if strings.TrimSpace(cfg.SystemDirective) == "" {
		cfg.SystemDirective = defaults.SystemDirective
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// TurnController drives one analysis turn: it alternates between the model
// and the tool executor until the model answers without requesting tools.
//
//	┌──────┐     ┌───────┐  tool calls  ┌───────────────┐
//	│ Init │────▶│ Model │─────────────▶│ Execute Tools │
//	└──────┘     └───────┘◀─────────────└───────────────┘
//	                 │        results
//	                 ▼ no tool calls
//	            ┌──────────┐
//	            │ Complete │
//	            └──────────┘
//
// Every message produced by the turn is appended to the session store as
// soon as it exists, so a failed turn leaves a valid transcript behind.
type TurnController struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	sessions sessions.Store
	locker   sessions.Locker
	config   *LoopConfig

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewTurnController creates a controller. A nil config uses DefaultLoopConfig.
func NewTurnController(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *TurnController {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &TurnController{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, config.ExecutorConfig),
		sessions: store,
		locker:   sessions.NewLocalLocker(),
		config:   config,
		logger:   slog.Default(),
	}
}

// SetObservability attaches metrics, tracing and logging to the controller
// and its executor.
func (c *TurnController) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) {
	if metrics != nil {
		c.metrics = metrics
	}
	if tracer != nil {
		c.tracer = tracer
	}
	if logger != nil {
		c.logger = logger.With("component", "turn-controller")
	}
	c.executor.SetObservability(metrics, tracer, logger)
}

// SetLocker replaces the per-session locker.
func (c *TurnController) SetLocker(locker sessions.Locker) {
	c.locker = locker
}

// ConfigureTool sets per-tool execution overrides.
func (c *TurnController) ConfigureTool(name models.ToolName, config *ToolConfig) {
	c.executor.ConfigureTool(name, config)
}

// Provider returns the model provider.
func (c *TurnController) Provider() LLMProvider {
	return c.provider
}

// TurnOutcome is what a completed turn produced.
type TurnOutcome struct {
	Session *models.Session

	// Final is the assistant message that ended the turn.
	Final *models.Message

	// TurnMessages holds the messages appended during this turn, starting
	// with the user message.
	TurnMessages []*models.Message

	// Iterations is the number of dispatch cycles executed.
	Iterations int
}

// ToolResults returns the tool results of this turn in transcript order.
func (o *TurnOutcome) ToolResults() []models.ToolResult {
	if o == nil {
		return nil
	}
	var out []models.ToolResult
	for _, msg := range o.TurnMessages {
		if msg.Role == models.RoleTool {
			out = append(out, msg.ToolResults...)
		}
	}
	return out
}

// RunTurn appends query to the session identified by sessionKey and loops
// until the model produces a final answer.
//
// On ErrMaxIterations the returned outcome is non-nil and carries the
// messages persisted before the limit was hit.
func (c *TurnController) RunTurn(ctx context.Context, sessionKey, query string) (*TurnOutcome, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if c.provider == nil {
		return nil, ErrNoProvider
	}
	if c.sessions == nil {
		return nil, &LoopError{Phase: PhaseInit, Message: "no session store configured"}
	}

	if c.config.MaxWallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.MaxWallTime)
		defer cancel()
	}

	ctx, span := c.tracer.TraceTurn(ctx, sessionKey)
	defer span.End()

	if c.locker != nil {
		if err := c.locker.Lock(ctx, sessionKey); err != nil {
			return nil, &LoopError{Phase: PhaseInit, Message: "acquire session lock", Cause: err}
		}
		defer c.locker.Unlock(sessionKey)
	}

	outcome, err := c.runTurn(ctx, sessionKey, query)
	iterations := 0
	if outcome != nil {
		iterations = outcome.Iterations
	}
	c.metrics.RecordTurn(turnOutcomeLabel(err), iterations)
	if err != nil {
		c.tracer.RecordError(span, err)
		c.logger.Warn("turn failed", "session_key", sessionKey, "iterations", iterations, "error", err)
	}
	return outcome, err
}

func (c *TurnController) runTurn(ctx context.Context, sessionKey, query string) (*TurnOutcome, error) {
	session, err := c.sessions.GetOrCreate(ctx, sessionKey)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Message: "load session", Cause: err}
	}
	ctx = observability.AddSessionID(ctx, session.ID)

	transcript, err := c.sessions.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Message: "load history", Cause: err}
	}

	if len(transcript) == 0 || transcript[0].Role != models.RoleSystem {
		directive := &models.Message{Role: models.RoleSystem, Content: c.config.SystemDirective}
		if len(transcript) == 0 {
			if err := c.sessions.AppendMessage(ctx, session.ID, directive); err != nil {
				return nil, &LoopError{Phase: PhaseInit, Message: "persist directive", Cause: err}
			}
		}
		transcript = append([]*models.Message{directive}, transcript...)
	}

	outcome := &TurnOutcome{Session: session}
	persist := func(phase LoopPhase, msg *models.Message) error {
		if err := c.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
			return &LoopError{Phase: phase, Iteration: outcome.Iterations, Message: "persist message", Cause: err}
		}
		transcript = append(transcript, msg)
		outcome.TurnMessages = append(outcome.TurnMessages, msg)
		return nil
	}

	if err := persist(PhaseInit, &models.Message{Role: models.RoleUser, Content: query}); err != nil {
		return nil, err
	}

	for {
		assistant, err := c.invokeModel(ctx, transcript)
		if err != nil {
			return outcome, &LoopError{Phase: PhaseModel, Iteration: outcome.Iterations, Cause: err}
		}
		if err := persist(PhaseModel, assistant); err != nil {
			return outcome, err
		}

		if len(assistant.ToolCalls) == 0 {
			outcome.Final = assistant
			c.logger.Debug("turn complete",
				"phase", PhaseComplete,
				"session_id", session.ID,
				"iterations", outcome.Iterations,
				"messages", len(outcome.TurnMessages),
			)
			return outcome, nil
		}

		if outcome.Iterations >= c.config.MaxIterations {
			if err := persist(PhaseExecuteTools, skippedResults(assistant.ToolCalls)); err != nil {
				return outcome, err
			}
			return outcome, &LoopError{
				Phase:     PhaseExecuteTools,
				Iteration: outcome.Iterations,
				Message:   fmt.Sprintf("model still requesting tools after %d dispatch cycles", outcome.Iterations),
				Cause:     ErrMaxIterations,
			}
		}

		outcome.Iterations++
		results := c.executor.ExecuteSequential(ctx, assistant.ToolCalls)
		toolMsg := &models.Message{
			Role:        models.RoleTool,
			ToolResults: ResultsToMessages(results),
		}
		if err := persist(PhaseExecuteTools, toolMsg); err != nil {
			return outcome, err
		}
	}
}

// invokeModel sends the transcript to the provider and collects the
// streamed response into one assistant message.
func (c *TurnController) invokeModel(ctx context.Context, transcript []*models.Message) (*models.Message, error) {
	req := c.buildRequest(transcript)
	model := req.Model
	providerName := c.provider.Name()

	ctx, span := c.tracer.TraceLLMRequest(ctx, providerName, model)
	defer span.End()

	start := time.Now()
	msg, inTokens, outTokens, err := c.collect(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
		c.tracer.RecordError(span, err)
		c.metrics.RecordError("model", providerName)
		err = &ModelError{Provider: providerName, Model: model, Cause: err}
	}
	c.metrics.RecordLLMRequest(providerName, model, status, time.Since(start).Seconds(), inTokens, outTokens)
	return msg, err
}

func (c *TurnController) collect(ctx context.Context, req *CompletionRequest) (*models.Message, int, int, error) {
	stream, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, 0, 0, err
	}

	var (
		text      strings.Builder
		toolCalls []models.ToolCall
		inTokens  int
		outTokens int
	)
	for chunk := range stream {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			go DrainStream(stream)
			return nil, inTokens, outTokens, chunk.Error
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				go DrainStream(stream)
				return nil, inTokens, outTokens, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				go DrainStream(stream)
				return nil, inTokens, outTokens, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			toolCalls = append(toolCalls, call)
		}
		if chunk.InputTokens > 0 {
			inTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			outTokens = chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, inTokens, outTokens, err
	}

	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
	}, inTokens, outTokens, nil
}

// buildRequest converts the transcript into a provider request. Leading
// system messages become the system prompt.
func (c *TurnController) buildRequest(transcript []*models.Message) *CompletionRequest {
	var system []string
	i := 0
	for ; i < len(transcript) && transcript[i].Role == models.RoleSystem; i++ {
		system = append(system, transcript[i].Content)
	}
	messages := make([]CompletionMessage, 0, len(transcript)-i)
	for _, msg := range transcript[i:] {
		if msg.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return &CompletionRequest{
		Model:       c.config.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Tools:       c.registry.Definitions(),
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}
}

func skippedResults(calls []models.ToolCall) *models.Message {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    skippedToolResultText,
			IsError:    true,
		}
	}
	return &models.Message{Role: models.RoleTool, ToolResults: results}
}

func turnOutcomeLabel(err error) string {
	if err == nil {
		return "complete"
	}
	switch {
	case errors.Is(err, ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		return "model_error"
	}
	return "error"
}
