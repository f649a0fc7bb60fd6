package pipeline

import (
	"context"
	"encoding/json"
	"strings"
)

// UserAggregator commits finished user turns to the conversation context and
// triggers inference. It also applies LLMMessagesAppendFrame, which idle
// handling and transfer messaging use to steer the model.
type UserAggregator struct {
	ctx *Context
}

// NewUserAggregator builds the user-side aggregator over the shared context.
func NewUserAggregator(c *Context) *UserAggregator {
	return &UserAggregator{ctx: c}
}

func (a *UserAggregator) Name() string { return "user_aggregator" }

func (a *UserAggregator) Process(_ context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case UserStoppedSpeakingFrame:
		out(f)
		if strings.TrimSpace(f.Text) != "" {
			a.ctx.AppendUser(f.Text)
			out(LLMContextFrame{})
		}
	case LLMMessagesAppendFrame:
		a.ctx.Append(f.Messages...)
		if f.RunLLM {
			out(LLMContextFrame{})
		}
	default:
		out(f)
	}
	return nil
}

// AssistantAggregator sits after the output transport. It accumulates the
// bot's spoken fragments and commits them as one assistant turn when the bot
// stops speaking, and it commits tool results, invoking their continuations
// once the result is in context.
type AssistantAggregator struct {
	ctx  *Context
	task *Task

	fragments []string
}

// NewAssistantAggregator builds the assistant-side aggregator.
func NewAssistantAggregator(c *Context) *AssistantAggregator {
	return &AssistantAggregator{ctx: c}
}

func (a *AssistantAggregator) Name() string { return "assistant_aggregator" }

func (a *AssistantAggregator) attach(t *Task) { a.task = t }

func (a *AssistantAggregator) Process(_ context.Context, f Frame, out Push) error {
	switch f := f.(type) {
	case TTSTextFrame:
		a.fragments = append(a.fragments, f.Text)
		out(f)

	case BotStoppedSpeakingFrame:
		if text := a.spokenText(); text != "" {
			a.ctx.AppendAssistant(text)
		}
		a.fragments = nil
		out(f)

	case InterruptionFrame:
		// Commit whatever was actually spoken before the barge-in.
		if text := a.spokenText(); text != "" {
			a.ctx.AppendAssistant(text)
		}
		a.fragments = nil
		out(f)

	case FunctionCallResultFrame:
		result, err := json.Marshal(f.Result)
		if err != nil {
			result = []byte(`{"status":"error","error":"unserializable result"}`)
		}
		a.ctx.AppendToolResult(f.ID, string(result))
		if f.OnContextUpdated != nil {
			f.OnContextUpdated()
		}
		if f.RunLLM && a.task != nil {
			a.task.Push(LLMContextFrame{})
		}
		out(f)

	default:
		out(f)
	}
	return nil
}

func (a *AssistantAggregator) spokenText() string {
	joined := strings.TrimSpace(strings.Join(a.fragments, " "))
	return joined
}
