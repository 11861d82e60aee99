package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/pkg/models"
)

// DefaultOpenAIModel is used when neither the request nor the config names one.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider implements agent.LLMProvider against the OpenAI chat
// completions API.
//
// Tool calls stream incrementally and are accumulated by index; they are
// emitted in index order once the model reports finish_reason "tool_calls"
// or the stream ends. Retries use linear backoff (RetryDelay * attempt) and
// only cover establishing the stream.
//
// OpenAIProvider is safe for concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates a provider. An empty API key yields a provider
// whose Complete always fails, which lets config load before keys exist.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOpenAIModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	p := &OpenAIProvider{
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
	if cfg.APIKey == "" {
		return p
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the chat models this provider is expected to serve.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
	}
}

// SupportsTools returns true.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete opens a streaming chat completion. Errors establishing the
// stream are returned directly as *ProviderError; errors while streaming
// arrive as a final chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("OpenAI API key not configured")
	}

	model := p.getModel(req)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      p.convertToOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = openAITemperature(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := retryWithBackoff(ctx, p.maxRetries,
		func(retry int) time.Duration { return p.retryDelay * time.Duration(retry) },
		func() error {
			var createErr error
			stream, createErr = p.client.CreateChatCompletionStream(ctx, chatReq)
			if createErr != nil {
				return p.wrapError(createErr, model)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, model, chunks)
	return chunks, nil
}

// openAITemperature maps a requested temperature onto the SDK field. The
// field is omitempty, so an explicit zero is sent as the smallest float32.
func openAITemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk *agent.CompletionChunk) bool {
		return sendChunk(ctx, chunks, chunk)
	}

	toolCalls := make(map[int]*models.ToolCall)
	flushToolCalls := func() bool {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := toolCalls[idx]
			if tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage(`{}`)
			}
			if !send(&agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		return true
	}

	var inputTokens, outputTokens int
	for {
		if ctx.Err() != nil {
			send(&agent.CompletionChunk{Error: ctx.Err(), Done: true})
			return
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushToolCalls() {
					return
				}
				send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			send(&agent.CompletionChunk{Error: p.wrapError(err, model), Done: true})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &models.ToolCall{}
				toolCalls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = models.ToolName(tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushToolCalls() {
				return
			}
		}
	}
}

// convertToOpenAIMessages puts the system directive first and expands each
// tool message into one "tool" message per result.
func (p *OpenAIProvider) convertToOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      string(tc.Name),
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertToOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(tool.Name()),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) getModel(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("openai", model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr
}
