// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (OpenAI, or anything reachable
// through any-llm) and exposes a uniform interface for the conversational
// engine to perform streaming completions with tool calling, and out-of-band
// completions for variable extraction, without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned identifier for this tool call.
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier (slug form for transition functions).
	Name string

	// Description explains when the model should call the tool. For workflow
	// transition functions this is the edge condition text.
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// Usage holds token accounting returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation history. Providers
	// without a dedicated system field prepend it as a "system" message.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of function definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// ResponseJSON asks the provider for a JSON-object response when supported.
	// Used by variable extraction.
	ResponseJSON bool
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error". Empty for non-final chunks.
	FinishReason string

	// ToolCalls contains completed tool invocations the model is requesting.
	// Implementations accumulate streamed argument fragments and emit whole
	// calls only.
	ToolCalls []ToolCall

	// Usage is populated on the final chunk when the backend reports it.
	Usage *Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled. Callers must drain the channel.
	//
	// Errors after the stream starts surface as a Chunk with FinishReason
	// "error"; the error return is non-nil only when the stream cannot start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Used for
	// out-of-band calls such as variable extraction.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
