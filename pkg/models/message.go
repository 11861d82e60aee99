package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolName identifies one of the tools the analysis agent can dispatch to.
// The set is closed: anything else is rejected by the tool registry.
type ToolName string

const (
	ToolExecuteCode ToolName = "execute_code"
	ToolWebSearch   ToolName = "web_search"
)

// KnownToolNames lists every valid ToolName in registration order.
var KnownToolNames = []ToolName{ToolExecuteCode, ToolWebSearch}

// Valid reports whether n is one of the known tool names.
func (n ToolName) Valid() bool {
	for _, known := range KnownToolNames {
		if n == known {
			return true
		}
	}
	return false
}

// ParseToolName converts a model-emitted name into a ToolName.
func ParseToolName(s string) (ToolName, error) {
	n := ToolName(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown tool name %q", s)
	}
	return n, nil
}

// Message is one turn of a session transcript.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`   // assistant only
	ToolResults []ToolResult   `json:"tool_results,omitempty"` // tool only
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  ToolName        `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string   `json:"tool_call_id"`
	ToolName   ToolName `json:"tool_name,omitempty"`
	Content    string   `json:"content"`
	IsError    bool     `json:"is_error,omitempty"`
}

// Session represents a conversation thread.
type Session struct {
	ID           string         `json:"id"`
	Key          string         `json:"key"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// CloneMessage returns a deep copy of msg.
func CloneMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Input != nil {
				clone.ToolCalls[i].Input = append(json.RawMessage(nil), tc.Input...)
			}
		}
	}
	if msg.ToolResults != nil {
		clone.ToolResults = append([]ToolResult(nil), msg.ToolResults...)
	}
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
