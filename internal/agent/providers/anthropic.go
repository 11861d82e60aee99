// Package providers implements agent.LLMProvider for the OpenAI and
// Anthropic APIs.
//
// Both providers stream: text deltas are forwarded as they arrive and tool
// calls are emitted once their arguments are complete. Failures are
// returned as *ProviderError so callers can tell rate limits and outages
// apart from bad requests.
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	chunks, err := provider.Complete(ctx, req)
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/pkg/models"
)

// DefaultAnthropicModel is used when neither the request nor the config names one.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive events that carry nothing useful.
const maxEmptyStreamEvents = 100

// AnthropicProvider implements agent.LLMProvider for Claude models.
//
// The system directive goes in the dedicated system field. Tool results are
// sent as tool_result blocks inside user messages, and consecutive messages
// with the same role are merged because the API requires alternation.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries bounds attempts to open the stream. Default: 3
	MaxRetries int

	// RetryDelay is the base for exponential backoff. Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
}

// NewAnthropicProvider creates a provider. It fails when APIKey is empty.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultAnthropicModel
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Claude models this provider is expected to serve.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools returns true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams a Messages API response. Request conversion errors are
// returned directly; everything after that, including exhausted retries,
// arrives as a chunk with Error set.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var first bool
		err := retryWithBackoff(ctx, p.maxRetries+1,
			func(retry int) time.Duration {
				return p.retryDelay * time.Duration(math.Pow(2, float64(retry-1)))
			},
			func() error {
				stream = p.client.Messages.NewStreaming(ctx, params)
				// HTTP failures surface on the first read.
				first = stream.Next()
				if !first {
					if streamErr := stream.Err(); streamErr != nil {
						_ = stream.Close()
						return p.wrapError(streamErr, model)
					}
				}
				return nil
			})
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			sendChunk(ctx, chunks, &agent.CompletionChunk{Error: err, Done: true})
			return
		}
		defer stream.Close()
		if !first {
			sendChunk(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(errors.New("stream ended before message_stop"), model), Done: true})
			return
		}

		p.processStream(ctx, stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream consumes events starting with the one already read by
// Complete.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEventCount := 0

	for {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: models.ToolName(toolUse.Name),
				}
				currentToolInput.Reset()
			}
			eventProcessed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !sendChunk(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				if !sendChunk(ctx, chunks, &agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}
			eventProcessed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			sendChunk(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			sendChunk(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("anthropic stream error: %s", event.RawJSON()), model),
				Done:  true,
			})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				sendChunk(ctx, chunks, &agent.CompletionChunk{
					Error: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model),
					Done:  true,
				})
				return
			}
		}

		if !stream.Next() {
			break
		}
	}

	err := stream.Err()
	if err == nil {
		err = errors.New("stream ended before message_stop")
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	sendChunk(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model), Done: true})
}

// convertMessages maps the transcript onto alternating user/assistant
// messages. Tool messages become user messages of tool_result blocks and
// adjacent same-role messages are merged.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingRole string
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if pendingRole == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(pending...))
		} else {
			result = append(result, anthropic.NewUserMessage(pending...))
		}
		pending = nil
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			input := map[string]any{}
			if len(toolCall.Input) > 0 {
				if err := json.Unmarshal(toolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, string(toolCall.Name)))
		}
		if len(content) == 0 {
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		if role != pendingRole {
			flush()
			pendingRole = role
		}
		pending = append(pending, content...)
	}
	flush()

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, string(tool.Name()))
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr = providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr = providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			requestID = payload.RequestID
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}

func sendChunk(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
