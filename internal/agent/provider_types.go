package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/spectra/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API (OpenAI,
// Anthropic) while presenting a unified streaming interface to the
// TurnController.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple sessions may
// call Complete() simultaneously.
//
// See Also:
//   - providers.OpenAIProvider for the default GPT-4o backend
//   - providers.AnthropicProvider for Claude
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:    "gpt-4o",
//	    System:   SystemDirective,
//	    Messages: []CompletionMessage{{Role: "user", Content: "Summarize sales by month"}},
//	    Tools:    registry.Definitions(),
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use (e.g., "gpt-4o").
	// If empty, the provider's default model is used.
	Model string `json:"model"`

	// System is the behavioral directive, sent separately from messages.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines available tools the LLM can request to execute.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the length of the generated response.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling. Nil leaves the provider default.
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	// Role indicates who sent the message: "user", "assistant", or "tool"
	Role string `json:"role"`

	// Content is the text content of the message (may be empty for tool-only messages)
	Content string `json:"content,omitempty"`

	// ToolCalls contains any tool execution requests from the assistant
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk may contain partial text, a complete tool call, a done signal,
// or an error that terminates the stream.
type CompletionChunk struct {
	// Text contains partial response text
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred (streaming is terminated)
	Error error `json:"-"`

	// InputTokens is populated on the final chunk when the provider reports usage.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is populated on the final chunk when the provider reports usage.
	OutputTokens int `json:"output_tokens,omitempty"`
}

// DrainStream discards the remaining chunks of a completion stream so the
// provider goroutine feeding it can exit.
func DrainStream(stream <-chan *CompletionChunk) {
	for range stream {
	}
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool defines the interface for executable agent tools.
//
// The analysis agent has exactly two: execute_code and web_search. Tools
// own argument validation; the TurnController passes raw JSON through.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() models.ToolName

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	// Domain failures are reported as text in the result, not as errors.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
//
// Errors are also communicated via ToolResult with IsError=true, allowing
// the model to react to failures on the next iteration.
type ToolResult struct {
	// Content is the tool's output text
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`
}
