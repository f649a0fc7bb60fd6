package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// FunctionResult is what a registered function handler returns. RunLLM asks
// for a follow-up inference after the result lands in context;
// OnContextUpdated runs at that commit point.
type FunctionResult struct {
	Result           map[string]any
	RunLLM           bool
	OnContextUpdated func()
}

// FunctionHandler executes LLM-requested tool calls. The conversational
// engine implements it with its registry of transition functions, built-ins,
// and custom tools.
type FunctionHandler interface {
	HandleFunctionCall(ctx context.Context, call llm.ToolCall) FunctionResult
}

// ttsFlushFrame closes the current speech burst: the TTS service flushes its
// synthesis stream when it arrives.
type ttsFlushFrame struct{}

func (ttsFlushFrame) frame() {}

// LLMService runs streaming inference over the shared context, splits the
// reply into sentence fragments for synthesis, and dispatches tool calls to
// the engine.
type LLMService struct {
	provider llm.Provider
	convo    *Context
	handler  FunctionHandler
	logger   *slog.Logger

	pts int64
}

// NewLLMService builds the inference stage.
func NewLLMService(p llm.Provider, convo *Context, handler FunctionHandler, logger *slog.Logger) *LLMService {
	return &LLMService{
		provider: p,
		convo:    convo,
		handler:  handler,
		logger:   logger.With("component", "llm_service"),
	}
}

func (s *LLMService) Name() string { return "llm_service" }

func (s *LLMService) Process(ctx context.Context, f Frame, out Push) error {
	if _, ok := f.(LLMContextFrame); !ok {
		out(f)
		return nil
	}
	return s.infer(ctx, out)
}

func (s *LLMService) infer(ctx context.Context, out Push) error {
	req := s.convo.Request()
	start := time.Now()

	chunks, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("pipeline: start completion: %w", err)
	}

	var (
		pending   strings.Builder
		toolCalls []llm.ToolCall
		usage     *llm.Usage
		first     = true
		spoke     = false
	)
	for chunk := range chunks {
		if first && (chunk.Text != "" || len(chunk.ToolCalls) > 0) {
			out(MetricsFrame{Processor: s.Name(), TTFB: time.Since(start)})
			first = false
		}
		if chunk.FinishReason == "error" {
			s.logger.Warn("completion stream ended with error")
		}
		if chunk.Text != "" {
			pending.WriteString(chunk.Text)
			rest := pending.String()
			for {
				sentence, tail, ok := cutSentence(rest)
				if !ok {
					break
				}
				s.emitFragment(out, sentence)
				spoke = true
				rest = tail
			}
			pending.Reset()
			pending.WriteString(rest)
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if tail := strings.TrimSpace(pending.String()); tail != "" {
		s.emitFragment(out, tail)
		spoke = true
	}
	if spoke {
		out(ttsFlushFrame{})
	}
	if usage != nil {
		out(MetricsFrame{Processor: s.Name(), Usage: usage})
	}

	if len(toolCalls) > 0 {
		s.convo.AppendToolCalls(toolCalls)
		for _, call := range toolCalls {
			out(FunctionCallInProgressFrame{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
			res := s.handler.HandleFunctionCall(ctx, call)
			out(FunctionCallResultFrame{
				ID:               call.ID,
				Name:             call.Name,
				Result:           res.Result,
				RunLLM:           res.RunLLM,
				OnContextUpdated: res.OnContextUpdated,
			})
		}
	}
	return nil
}

func (s *LLMService) emitFragment(out Push, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	out(TTSTextFrame{Text: text, PTS: s.pts})
	s.pts++
}

// cutSentence splits the first complete sentence off a streaming buffer. A
// sentence is complete when a terminator is followed by whitespace; trailing
// terminators without whitespace stay buffered because more of the sentence
// may still arrive.
func cutSentence(s string) (sentence, rest string, ok bool) {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				return strings.TrimSpace(s[:i+1]), strings.TrimLeft(s[i+1:], " \n\t"), true
			}
		}
	}
	return "", s, false
}
