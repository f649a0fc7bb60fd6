package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
)

func drainFrames(rec *capture) []pipeline.Frame {
	var out []pipeline.Frame
	for {
		select {
		case f := <-rec.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

func runCaptureTask(t *testing.T, e *Engine) (*capture, func()) {
	t.Helper()
	rec := &capture{frames: make(chan pipeline.Frame, 64)}
	task := pipeline.NewTask(discard, rec)
	e.SetTask(task)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); task.Run(ctx) }()
	return rec, func() { cancel(); <-done }
}

func appendFrames(frames []pipeline.Frame) []pipeline.LLMMessagesAppendFrame {
	var out []pipeline.LLMMessagesAppendFrame
	for _, f := range frames {
		if af, ok := f.(pipeline.LLMMessagesAppendFrame); ok {
			out = append(out, af)
		}
	}
	return out
}

func TestIdleEscalation(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	rec, stop := runCaptureTask(t, e)
	defer stop()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.onIdle(1)
	time.Sleep(50 * time.Millisecond)
	appends := appendFrames(drainFrames(rec))
	if len(appends) != 1 || !appends[0].RunLLM {
		t.Fatalf("first strike should append one inference-triggering message, got %v", appends)
	}
	if appends[0].Messages[0].Role != "system" {
		t.Errorf("idle prompt role = %q", appends[0].Messages[0].Role)
	}
	if e.EndReason() != "" {
		t.Error("first strike must not end the call")
	}

	e.onIdle(2)
	time.Sleep(50 * time.Millisecond)
	if e.EndReason() != EndReasonIdleExceeded {
		t.Errorf("end reason = %q, want %q", e.EndReason(), EndReasonIdleExceeded)
	}
}

func TestIdleResetsOnUserActivity(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	e.idleTimeout = 40 * time.Millisecond
	rec, stop := runCaptureTask(t, e)
	defer stop()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	// Bot finishes speaking, countdown starts; the user answers in time.
	e.ShouldMute(pipeline.BotStartedSpeakingFrame{})
	e.ShouldMute(pipeline.BotStoppedSpeakingFrame{})
	time.Sleep(15 * time.Millisecond)
	e.ShouldMute(pipeline.VADUserStartedFrame{})
	time.Sleep(60 * time.Millisecond)

	if len(appendFrames(drainFrames(rec))) != 0 {
		t.Error("user activity should have cancelled the idle strike")
	}

	// Silence after the next bot turn does fire.
	e.ShouldMute(pipeline.BotStartedSpeakingFrame{})
	e.ShouldMute(pipeline.BotStoppedSpeakingFrame{})
	time.Sleep(80 * time.Millisecond)
	if len(appendFrames(drainFrames(rec))) != 1 {
		t.Error("sustained silence should have fired exactly one strike")
	}
}

type fakeTransferer struct {
	outcome TransferOutcome
	err     error
	got     TransferRequest
}

func (f *fakeTransferer) Transfer(_ context.Context, req TransferRequest) (TransferOutcome, error) {
	f.got = req
	return f.outcome, f.err
}

func transferTool(t *testing.T, dest string) *store.CustomTool {
	t.Helper()
	spec, err := json.Marshal(map[string]any{"destination": dest, "timeout_seconds": 30})
	if err != nil {
		t.Fatal(err)
	}
	return &store.CustomTool{ID: "tr-1", Name: "Transfer To Sales", Kind: store.ToolTransferCall, Spec: spec}
}

func TestTransferToolSuccess(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	tr := &fakeTransferer{outcome: TransferOutcome{Completed: true}}
	e.transfer = tr
	e.callID = "CA123"
	_, stop := runCaptureTask(t, e)
	defer stop()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	def, h, err := e.buildTransferTool(transferTool(t, "+15551234567"))
	if err != nil {
		t.Fatalf("buildTransferTool: %v", err)
	}
	if def.Name != "transfer_to_sales" {
		t.Errorf("tool name = %q", def.Name)
	}

	res := h(context.Background(), nil)
	if res.Result["status"] != "done" {
		t.Fatalf("result = %v", res.Result)
	}
	if tr.got.ConferenceName != "transfer-CA123" {
		t.Errorf("conference = %q", tr.got.ConferenceName)
	}
	if tr.got.Destination != "+15551234567" || tr.got.Timeout != 30*time.Second {
		t.Errorf("request = %+v", tr.got)
	}
	if tr.got.TransferID == "" {
		t.Error("transfer id missing")
	}
	if e.EndReason() != EndReasonTransfer {
		t.Errorf("end reason = %q", e.EndReason())
	}
}

func TestTransferToolFailureApologizes(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	e.transfer = &fakeTransferer{outcome: TransferOutcome{Reason: "busy"}}
	rec, stop := runCaptureTask(t, e)
	defer stop()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.EndCall(context.Background(), EndReasonCompleted, false)

	_, h, err := e.buildTransferTool(transferTool(t, "+15551234567"))
	if err != nil {
		t.Fatal(err)
	}
	res := h(context.Background(), nil)
	if res.Result["status"] != "error" {
		t.Fatalf("result = %v", res.Result)
	}

	time.Sleep(50 * time.Millisecond)
	appends := appendFrames(drainFrames(rec))
	if len(appends) != 1 || !appends[0].RunLLM {
		t.Fatalf("failure should append one apology message, got %v", appends)
	}
	// The call keeps running for the apology; the delayed end has not fired.
	if e.EndReason() != "" {
		t.Errorf("call ended too early: %q", e.EndReason())
	}
	e.mu.Lock()
	muted := e.muted
	e.mu.Unlock()
	if muted {
		t.Error("pipeline must unmute for the apology")
	}
}

func TestTransferToolRejectsBadDestination(t *testing.T) {
	e, _ := newTestEngine(t, testGraph(t), nil)
	e.transfer = &fakeTransferer{}
	for _, bad := range []string{"5551234567", "+0123", "not-a-number", "+1 555 123"} {
		if _, _, err := e.buildTransferTool(transferTool(t, bad)); err == nil {
			t.Errorf("destination %q should be rejected", bad)
		}
	}
}
