// Package aiclient defines the injectable AI-client binding the generative
// and agentic tier executors depend on (spec §4.6). A function never talks
// to a concrete provider SDK directly — it is handed a Client resolved from
// its declared model name, so the generative/agentic executors exercise
// exactly one seam regardless of which backend answers it.
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
)

// Role mirrors the provider-agnostic chat roles both backends accept.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation, provider-agnostic.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	// ToolCallID is set on a RoleTool message: the id of the ToolCall this
	// message answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolDefinition describes one callable tool to the model, independent of
// the function-kind Tool that defines how it's actually implemented —
// aiclient never knows about builtin/api/function/inline dispatch, only the
// name/description/schema a provider needs to decide to call it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCall is one invocation the model requested during a Chat turn.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// GenerateRequest is a single-shot, tool-free completion request (the
// generative tier, spec §4.6: "Send one request").
type GenerateRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// GenerateResponse is the generative tier's raw model output before
// output-schema parsing.
type GenerateResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// ChatRequest is one turn of the agentic tier's iteration loop — it may
// include prior tool results as Messages with RoleTool.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ChatResponse is one turn's outcome: either a final text answer, or one or
// more tool calls the agentic executor must dispatch and feed back.
type ChatResponse struct {
	Text         string
	ToolCalls    []ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Client is the capability surface spec §4.6 requires: "an AI-client
// binding with a messages.create capability" (Generate, generative tier) or
// "a chat capability" (Chat, agentic tier). A single concrete client
// commonly implements both.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ErrBindingMissing is classified by the executors into the 503 spec §4.6
// requires ("Binding missing ⇒ 503 naming the binding").
var ErrBindingMissing = errors.New("aiclient: no client bound for model")

// DefaultGenerativeModel is used when a generative function's metadata
// omits Model, per spec §4.6 ("Default model when missing").
const DefaultGenerativeModel = "claude-sonnet-4-5"

// DefaultAgenticModel is the equivalent default for the agentic tier.
const DefaultAgenticModel = "claude-sonnet-4-5"
