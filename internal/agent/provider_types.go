package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// LLMProvider is the contract for streaming model backends.
//
// Thread Safety:
// Implementations must be safe for concurrent use; the loop may run turns
// for many sessions at once.
type LLMProvider interface {
	// Complete opens one streaming exchange and returns a channel of
	// chunks. The channel is closed when the exchange completes or fails;
	// a failure is delivered as a chunk with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest carries everything for one streaming exchange: the
// trimmed conversation history, available tool descriptors, and generation
// parameters.
type CompletionRequest struct {
	// Model specifies which model to use. Empty selects the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the descriptors of tools the model may request.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one message of a completion request.
// Role values: "user", "assistant", "system", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one event of a streaming provider response.
//
// Exactly one of Text/Thinking/ToolCall/Done/Error is meaningful per chunk.
// A ToolCall is only emitted once its argument payload is fully assembled
// and parses as JSON; a malformed payload terminates the stream with a
// decode error instead.
type CompletionChunk struct {
	// Text is an incremental fragment of the response text.
	Text string `json:"text,omitempty"`

	// Thinking is an incremental fragment of model reasoning.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a fully assembled tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion. Token counts are only
	// populated on the Done chunk.
	Done         bool `json:"done,omitempty"`
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// Tool is an executable capability offered to the model.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments. Arguments
	// are validated against it when a call is invoked, not when decoded.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see are returned
	// as a ToolResult with IsError set; a non-nil error means the
	// invocation itself broke (and is still converted to an error result
	// by the executor).
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of one tool execution. Errors travel as results
// with IsError=true so the model can react to them.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ResponseChunk is what the turn loop streams to its caller while a turn
// resolves: live text and thinking deltas, tool results as they land, and
// finally either a Done chunk or an Error chunk.
type ResponseChunk struct {
	Text       string             `json:"text,omitempty"`
	Thinking   string             `json:"thinking,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	Done       bool               `json:"done,omitempty"`
	Message    *models.Message    `json:"message,omitempty"` // final assistant message, set with Done
	Error      error              `json:"-"`
}
