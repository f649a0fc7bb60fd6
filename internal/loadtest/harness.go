package loadtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicelane/voicelane/internal/engine"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
	llmmock "github.com/voicelane/voicelane/pkg/provider/llm/mock"
	"github.com/voicelane/voicelane/pkg/provider/stt"
	sttmock "github.com/voicelane/voicelane/pkg/provider/stt/mock"
	ttsmock "github.com/voicelane/voicelane/pkg/provider/tts/mock"
)

// Turn is one scripted conversation exchange.
type Turn struct {
	Caller string
	Bot    string
}

// Scenario is a scripted call: the bot's greeting followed by alternating
// exchanges.
type Scenario struct {
	Greeting string
	Turns    []Turn
}

// DefaultScenario is a short qualification conversation.
func DefaultScenario() Scenario {
	return Scenario{
		Greeting: "Hi, this is Dana calling about your recent inquiry.",
		Turns: []Turn{
			{Caller: "Oh hi, yes I remember signing up.", Bot: "Great. Are you still interested in a demo this week?"},
			{Caller: "Sure, Thursday works.", Bot: "Perfect, I will send a confirmation. Have a great day."},
		},
	}
}

// Config tunes a harness run.
type Config struct {
	// Calls is the total number of simulated calls.
	Calls int

	// Concurrency is how many calls run at once.
	Concurrency int

	Scenario Scenario
	Logger   *slog.Logger
}

// Report aggregates the outcome of a harness run.
type Report struct {
	Calls     int
	Succeeded int
	Failed    int

	// Latency percentiles over all turn response times: from a delivered
	// caller utterance to the bot's first audio frame in response.
	P50 time.Duration
	P95 time.Duration
	Max time.Duration

	// BotAudioBytes is the total PCM volume the actors produced.
	BotAudioBytes int64

	Errors []error
}

// Harness runs scripted self-play calls against the real engine and pipeline.
type Harness struct {
	cfg Config
}

// New builds a harness, applying defaults for unset fields.
func New(cfg Config) *Harness {
	if cfg.Calls <= 0 {
		cfg.Calls = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Scenario.Greeting == "" {
		cfg.Scenario = DefaultScenario()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Harness{cfg: cfg}
}

// Run executes all calls and aggregates the report.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	var (
		mu        sync.Mutex
		latencies []time.Duration
		report    = &Report{Calls: h.cfg.Calls}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Concurrency)
	for i := range h.cfg.Calls {
		g.Go(func() error {
			lat, bytes, err := h.runCall(ctx, i)
			mu.Lock()
			defer mu.Unlock()
			report.BotAudioBytes += bytes
			latencies = append(latencies, lat...)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("call %d: %w", i, err))
				return nil // one bad call must not cancel the run
			}
			report.Succeeded++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.P50 = percentile(latencies, 0.50)
	report.P95 = percentile(latencies, 0.95)
	if n := len(latencies); n > 0 {
		report.Max = latencies[n-1]
	}
	return report, nil
}

// runCall plays one scripted call and returns its turn latencies and the
// bot's audio volume.
func (h *Harness) runCall(ctx context.Context, n int) ([]time.Duration, int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	sttSession := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	link := NewEndpoint()

	graph, err := scenarioGraph()
	if err != nil {
		return nil, 0, err
	}
	actor := engine.NewSession(engine.SessionConfig{
		LLM:    scriptedLLM(h.cfg.Scenario),
		STT:    &sttmock.Provider{Session: sttSession},
		TTS:    scriptedTTS(),
		Output: link,
		Graph:  graph,
		Org:    &store.Organization{ID: "loadtest", ConcurrentCallLimit: 1},
		CallID: fmt.Sprintf("loadtest-%d", n),
		Logger: h.cfg.Logger,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- actor.Run(callCtx) }()

	caller := &Caller{
		Lines:     scenarioLines(h.cfg.Scenario),
		PushAudio: actor.PushAudio,
		Finals:    sttSession.FinalsCh,
		BotAudio:  link,
	}
	latencies, callErr := caller.Run(callCtx)

	actor.Hangup(callCtx)
	select {
	case err := <-runErr:
		if callErr == nil {
			callErr = err
		}
	case <-time.After(10 * time.Second):
		if callErr == nil {
			callErr = fmt.Errorf("loadtest: session did not stop after hangup")
		}
	}

	// The harness owns the mock transcript channels; closing them releases
	// the session's reader goroutines.
	close(sttSession.FinalsCh)
	close(sttSession.PartialsCh)
	return latencies, link.Bytes(), callErr
}

func scenarioLines(s Scenario) []string {
	lines := make([]string, 0, len(s.Turns))
	for _, t := range s.Turns {
		lines = append(lines, t.Caller)
	}
	return lines
}

// scriptedLLM replies with the scenario's bot lines: the greeting on the
// first inference, then one reply per caller turn.
func scriptedLLM(s Scenario) *llmmock.Provider {
	script := make([][]llm.Chunk, 0, len(s.Turns)+1)
	script = append(script, replyChunks(s.Greeting))
	for _, t := range s.Turns {
		script = append(script, replyChunks(t.Bot))
	}
	return &llmmock.Provider{StreamScript: script}
}

func replyChunks(text string) []llm.Chunk {
	return []llm.Chunk{
		{Text: text},
		{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52}},
	}
}

// scriptedTTS emits half a second of 16 kHz audio per synthesized reply.
func scriptedTTS() *ttsmock.Provider {
	chunk := make([]byte, 640)
	chunks := make([][]byte, 25)
	for i := range chunks {
		chunks[i] = chunk
	}
	return &ttsmock.Provider{AudioChunks: chunks}
}

// scenarioGraph is the minimal single-node workflow the actors traverse.
func scenarioGraph() (*workflow.Graph, error) {
	g := &workflow.Graph{
		Nodes: []workflow.Node{{
			ID:      "conversation",
			Name:    "Conversation",
			Prompt:  "You are a friendly outbound sales agent.",
			IsStart: true,
		}},
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// percentile returns the p-quantile of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
