package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
	llmmock "github.com/voicelane/voicelane/pkg/provider/llm/mock"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeToolStore struct {
	tools  map[string]*store.CustomTool
	chunks []store.ScoredChunk
}

func (f *fakeToolStore) GetCustomTool(_ context.Context, _, id string) (*store.CustomTool, error) {
	t, ok := f.tools[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeToolStore) SearchKnowledge(_ context.Context, _ string, _ []string, _ []float32, _ int) ([]store.ScoredChunk, error) {
	return f.chunks, nil
}

func testGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "greet", Name: "Greeting", Prompt: "Greet {{first_name}} warmly.", IsStart: true},
			{ID: "qualify", Name: "Qualify", Prompt: "Ask about their needs."},
			{ID: "done", Name: "Done", Prompt: "Wrap up.",
				ExtractionEnabled: true,
				ExtractionVars: []workflow.ExtractionVar{
					{Name: "call_disposition", Description: "outcome", Type: "string"},
				}},
			{ID: "rules", Name: "Rules", Prompt: "Always be polite to {{first_name}}.", IsGlobal: true},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "greet", Target: "qualify", Label: "User Is Interested", Condition: "the user wants to hear more"},
			{ID: "e2", Source: "qualify", Target: "done", Label: "Wrap Up", Condition: "the conversation is complete"},
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("test graph invalid: %v", err)
	}
	return g
}

func newTestEngine(t *testing.T, graph *workflow.Graph, prov llm.Provider) (*Engine, *pipeline.Context) {
	t.Helper()
	if prov == nil {
		prov = &llmmock.Provider{}
	}
	convo := pipeline.NewContext()
	e := New(Config{
		LLM:   prov,
		Convo: convo,
		Graph: graph,
		Org: &store.Organization{
			ID:                 "org-1",
			DispositionMapping: map[string]string{"interested": "QUALIFIED", "COMPLETED": "DONE"},
		},
		CallContext: map[string]string{"first_name": "Ada"},
		Logger:      discard,
	})
	return e, convo
}

func TestStartEntersStartNode(t *testing.T) {
	e, convo := newTestEngine(t, testGraph(t), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	if e.CurrentNode() != "Greeting" {
		t.Errorf("current node = %q", e.CurrentNode())
	}
	req := convo.Request()
	if !strings.Contains(req.SystemPrompt, "Greet Ada warmly.") {
		t.Errorf("prompt missing rendered node text: %q", req.SystemPrompt)
	}
	if !strings.HasPrefix(req.SystemPrompt, "Always be polite to Ada.") {
		t.Errorf("global prompt must come first: %q", req.SystemPrompt)
	}
	names := toolNames(req.Tools)
	if !names["user_is_interested"] {
		t.Errorf("transition function not registered: %v", names)
	}
	for _, builtin := range []string{"calculator", "current_time", "convert_time"} {
		if !names[builtin] {
			t.Errorf("builtin %s not registered", builtin)
		}
	}
	if _, ok := e.GatheredContext()["time"]; !ok {
		t.Error("gathered context missing injected time")
	}
}

func TestTransitionMovesNode(t *testing.T) {
	var transitions [][2]string
	graph := testGraph(t)
	prov := &llmmock.Provider{}
	convo := pipeline.NewContext()
	e := New(Config{
		LLM:          prov,
		Convo:        convo,
		Graph:        graph,
		Org:          &store.Organization{ID: "org-1"},
		OnTransition: func(next, prev string) { transitions = append(transitions, [2]string{next, prev}) },
		Logger:       discard,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res := e.HandleFunctionCall(context.Background(), llm.ToolCall{ID: "c1", Name: "user_is_interested", Arguments: "{}"})
	if res.Result["status"] != "done" {
		t.Fatalf("result = %v", res.Result)
	}
	if !res.RunLLM {
		t.Error("non-terminal transition should trigger a follow-up inference")
	}
	if e.CurrentNode() != "Qualify" {
		t.Errorf("current node = %q", e.CurrentNode())
	}
	if len(transitions) != 2 || transitions[1] != [2]string{"Qualify", "Greeting"} {
		t.Errorf("transitions = %v", transitions)
	}
	names := toolNames(convo.Request().Tools)
	if !names["wrap_up"] || names["user_is_interested"] {
		t.Errorf("function set not rebuilt for new node: %v", names)
	}
}

func TestTerminalTransitionEndsCall(t *testing.T) {
	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"call_disposition":"interested"}`},
	}
	e, _ := newTestEngine(t, testGraph(t), prov)
	task := pipeline.NewTask(discard)
	e.SetTask(task)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.HandleFunctionCall(context.Background(), llm.ToolCall{Name: "user_is_interested", Arguments: "{}"})
	res := e.HandleFunctionCall(context.Background(), llm.ToolCall{Name: "wrap_up", Arguments: "{}"})
	if res.RunLLM {
		t.Error("terminal transition must not trigger another inference")
	}
	if res.OnContextUpdated == nil {
		t.Fatal("terminal transition needs a commit callback")
	}
	res.OnContextUpdated()

	if e.EndReason() != EndReasonCompleted {
		t.Errorf("end reason = %q", e.EndReason())
	}
	// Synchronous end-call extraction ran on the terminal node and the result
	// mapped through the organization table.
	if e.Disposition() != "QUALIFIED" {
		t.Errorf("disposition = %q, want QUALIFIED", e.Disposition())
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.EndCall(context.Background(), EndReasonUserHangup, true)
	e.EndCall(context.Background(), EndReasonDurationExceeded, false)
	if e.EndReason() != EndReasonUserHangup {
		t.Errorf("second EndCall overwrote reason: %q", e.EndReason())
	}
}

func TestShouldMute(t *testing.T) {
	interruptOff := false
	graph := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "n1", Name: "NoBargeIn", Prompt: "p", IsStart: true, AllowInterrupt: &interruptOff},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, graph, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	if e.ShouldMute(pipeline.TranscriptionFrame{Text: "x"}) {
		t.Error("quiet bot should not mute")
	}
	e.ShouldMute(pipeline.BotStartedSpeakingFrame{})
	if !e.ShouldMute(pipeline.TranscriptionFrame{Text: "x"}) {
		t.Error("speaking bot in a no-barge-in node must mute")
	}
	e.ShouldMute(pipeline.BotStoppedSpeakingFrame{})
	if e.ShouldMute(pipeline.TranscriptionFrame{Text: "x"}) {
		t.Error("mute must lift when the bot stops")
	}
}

func TestHTTPToolBodyAndQuery(t *testing.T) {
	var gotPost, gotGet *http.Request
	var postBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			gotPost = r.Clone(context.Background())
			postBody, _ = io.ReadAll(r.Body)
		case http.MethodGet:
			gotGet = r.Clone(context.Background())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, testGraph(t), nil)

	postSpec, _ := json.Marshal(map[string]any{
		"url": srv.URL, "method": "POST",
		"auth_header": "X-Api-Key", "credential": "secret",
	})
	def, h, err := e.buildHTTPTool(&store.CustomTool{ID: "t1", Name: "Book Meeting", Description: "books", Kind: store.ToolHTTP, Spec: postSpec})
	if err != nil {
		t.Fatalf("buildHTTPTool: %v", err)
	}
	if def.Name != "book_meeting" {
		t.Errorf("tool name = %q", def.Name)
	}
	res := h(context.Background(), map[string]any{"date": "2026-09-01"})
	if res.Result["status"] != "done" || res.Result["status_code"] != 200 {
		t.Fatalf("post result = %v", res.Result)
	}
	if !strings.Contains(string(postBody), `"date":"2026-09-01"`) {
		t.Errorf("post body = %s", postBody)
	}
	if gotPost.Header.Get("X-Api-Key") != "secret" {
		t.Error("credential header not applied")
	}

	getSpec, _ := json.Marshal(map[string]any{"url": srv.URL, "method": "GET"})
	_, h, err = e.buildHTTPTool(&store.CustomTool{ID: "t2", Name: "Lookup", Kind: store.ToolHTTP, Spec: getSpec})
	if err != nil {
		t.Fatalf("buildHTTPTool: %v", err)
	}
	h(context.Background(), map[string]any{"zip": "60601"})
	if gotGet.URL.Query().Get("zip") != "60601" {
		t.Errorf("get query = %s", gotGet.URL.RawQuery)
	}
}

func TestHTTPToolTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, testGraph(t), nil)
	spec, _ := json.Marshal(map[string]any{"url": srv.URL, "method": "POST", "timeout_ms": 50})
	_, h, err := e.buildHTTPTool(&store.CustomTool{ID: "t1", Name: "Slow", Kind: store.ToolHTTP, Spec: spec})
	if err != nil {
		t.Fatal(err)
	}
	res := h(context.Background(), nil)
	if res.Result["status"] != "error" {
		t.Fatalf("timed-out tool should error, got %v", res.Result)
	}
}

// capture records every frame traversing the task.
type capture struct {
	frames chan pipeline.Frame
}

func (c *capture) Name() string { return "capture" }

func (c *capture) Process(_ context.Context, f pipeline.Frame, out pipeline.Push) error {
	select {
	case c.frames <- f:
	default:
	}
	out(f)
	return nil
}

func TestEndCallToolSpeaksGoodbye(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	rec := &capture{frames: make(chan pipeline.Frame, 64)}
	task := pipeline.NewTask(discard, rec)
	e.SetTask(task)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- task.Run(ctx) }()

	spec, _ := json.Marshal(map[string]string{"goodbye_message": "Thanks for your time, goodbye."})
	_, h, err := e.buildEndCallTool(&store.CustomTool{ID: "t1", Name: "Hang Up", Kind: store.ToolEndCall, Spec: spec})
	if err != nil {
		t.Fatal(err)
	}
	h(context.Background(), nil)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("task.Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not end")
	}

	sawSpeak := false
	for drained := false; !drained; {
		select {
		case f := <-rec.frames:
			if sf, ok := f.(pipeline.SpeakFrame); ok && sf.Text == "Thanks for your time, goodbye." {
				sawSpeak = true
			}
		default:
			drained = true
		}
	}
	if !sawSpeak {
		t.Error("goodbye message never reached the pipeline")
	}
	if e.EndReason() != EndReasonCompleted {
		t.Errorf("end reason = %q", e.EndReason())
	}
}

func TestKnowledgeBaseRegisteredOnlyWithDocuments(t *testing.T) {
	graph := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "kb", Name: "KB", Prompt: "p", IsStart: true, DocumentUUIDs: []string{"doc-1"}},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatal(err)
	}

	convo := pipeline.NewContext()
	e := New(Config{
		LLM:      &llmmock.Provider{},
		Convo:    convo,
		Graph:    graph,
		Org:      &store.Organization{ID: "org-1"},
		Tools:    &fakeToolStore{chunks: []store.ScoredChunk{{KnowledgeChunk: store.KnowledgeChunk{Content: "Opening hours are 9-5."}}}},
		Embedder: embedderFunc(func(context.Context, string) ([]float32, error) { return []float32{0.1}, nil }),
		Logger:   discard,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	if !toolNames(convo.Request().Tools)["knowledge_base"] {
		t.Fatal("knowledge_base not registered for a document-bearing node")
	}
	res := e.HandleFunctionCall(context.Background(), llm.ToolCall{Name: "knowledge_base", Arguments: `{"query":"opening hours"}`})
	passages, _ := res.Result["passages"].([]string)
	if len(passages) != 1 || passages[0] != "Opening hours are 9-5." {
		t.Errorf("passages = %v", res.Result)
	}
}

func TestUnknownFunctionCall(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	res := e.HandleFunctionCall(context.Background(), llm.ToolCall{Name: "no_such_tool"})
	if res.Result["status"] != "error" {
		t.Errorf("result = %v", res.Result)
	}
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

func toolNames(defs []llm.ToolDefinition) map[string]bool {
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	return names
}
