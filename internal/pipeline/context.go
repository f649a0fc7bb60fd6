package pipeline

import (
	"sync"

	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// Context is the shared conversation state for one call. The engine replaces
// the system prompt and tool set on node transitions; the aggregators append
// user and assistant turns; the LLM service snapshots it per inference.
type Context struct {
	mu           sync.Mutex
	systemPrompt string
	tools        []llm.ToolDefinition
	messages     []llm.Message
	temperature  float64
	maxTokens    int
}

// NewContext returns an empty conversation context.
func NewContext() *Context {
	return &Context{}
}

// SetSystem replaces the system prompt and the offered tool set. The history
// is preserved, so the next inference sees the new node's instructions over
// the whole conversation.
func (c *Context) SetSystem(prompt string, tools []llm.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
	c.tools = append([]llm.ToolDefinition(nil), tools...)
}

// SetSampling configures temperature and max tokens for subsequent requests.
func (c *Context) SetSampling(temperature float64, maxTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = temperature
	c.maxTokens = maxTokens
}

// Append adds messages to the history.
func (c *Context) Append(msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// AppendUser adds one user turn.
func (c *Context) AppendUser(text string) {
	c.Append(llm.Message{Role: "user", Content: text})
}

// AppendAssistant adds one assistant turn.
func (c *Context) AppendAssistant(text string) {
	c.Append(llm.Message{Role: "assistant", Content: text})
}

// AppendToolCalls records the assistant's tool invocations.
func (c *Context) AppendToolCalls(calls []llm.ToolCall) {
	c.Append(llm.Message{Role: "assistant", ToolCalls: calls})
}

// AppendToolResult records a tool's JSON result against its call id.
func (c *Context) AppendToolResult(callID, content string) {
	c.Append(llm.Message{Role: "tool", ToolCallID: callID, Content: content})
}

// Request snapshots the context into a completion request.
func (c *Context) Request() llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return llm.CompletionRequest{
		SystemPrompt: c.systemPrompt,
		Messages:     append([]llm.Message(nil), c.messages...),
		Tools:        append([]llm.ToolDefinition(nil), c.tools...),
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
}

// Messages returns a copy of the history. Extraction reads it out-of-band.
func (c *Context) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.messages...)
}
