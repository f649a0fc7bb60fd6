package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// destinationPattern is strict E.164.
var destinationPattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// TransferRequest asks the transfer coordinator to dial a destination and
// join it to the call's conference.
type TransferRequest struct {
	TransferID     string
	ConferenceName string
	Destination    string
	ToolID         string
	CallID         string
	Timeout        time.Duration
}

// TransferOutcome is the terminal result of a transfer attempt.
type TransferOutcome struct {
	// Completed means the destination answered and was joined.
	Completed bool

	// Reason describes a failed attempt: busy, no-answer, cancelled, timeout,
	// failed.
	Reason string
}

// Transferer performs the cross-worker transfer coordination. The transfer
// package implements it; it blocks until the attempt resolves, running hold
// music in the background.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferOutcome, error)
}

type transferToolSpec struct {
	Destination        string `json:"destination"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	PreTransferMessage string `json:"pre_transfer_message"`
}

// buildTransferTool wraps a transfer tool spec. The handler mutes the
// pipeline for the duration of the attempt; on success the call ends with
// TRANSFER_CALL, on failure the LLM delivers an apology and the call ends
// shortly after.
func (e *Engine) buildTransferTool(tool *store.CustomTool) (llm.ToolDefinition, toolHandler, error) {
	var spec transferToolSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: decode transfer tool spec: %w", err)
	}
	if !destinationPattern.MatchString(spec.Destination) {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: transfer tool %s destination %q is not E.164", tool.ID, spec.Destination)
	}
	if e.transfer == nil {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: transfer tool %s configured but no coordinator available", tool.ID)
	}

	def := llm.ToolDefinition{
		Name:        workflow.Slugify(tool.Name),
		Description: tool.Description,
		Parameters:  emptyObjectSchema(),
	}
	toolID := tool.ID
	h := func(ctx context.Context, _ map[string]any) pipeline.FunctionResult {
		return e.runTransfer(ctx, toolID, &spec)
	}
	return def, h, nil
}

func (e *Engine) runTransfer(ctx context.Context, toolID string, spec *transferToolSpec) pipeline.FunctionResult {
	timeout := e.transferTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}

	if spec.PreTransferMessage != "" && e.task != nil {
		e.task.Push(pipeline.SpeakFrame{Text: spec.PreTransferMessage})
	}
	e.setMuted(true)

	req := TransferRequest{
		TransferID:     uuid.NewString(),
		ConferenceName: "transfer-" + e.callID,
		Destination:    spec.Destination,
		ToolID:         toolID,
		CallID:         e.callID,
		Timeout:        timeout,
	}
	e.logger.Info("starting transfer", "transfer_id", req.TransferID, "destination", spec.Destination)

	outcome, err := e.transfer.Transfer(ctx, req)
	if err != nil {
		e.logger.Error("transfer coordination failed", "transfer_id", req.TransferID, "error", err)
		outcome = TransferOutcome{Reason: "failed"}
	}

	if outcome.Completed {
		e.EndCall(ctx, EndReasonTransfer, false)
		return doneResult(map[string]any{"transferred": true})
	}

	// Unmute and let the model deliver the failure before ending.
	e.setMuted(false)
	if e.task != nil {
		e.task.Push(pipeline.LLMMessagesAppendFrame{
			Messages: []llm.Message{{
				Role: "system",
				Content: fmt.Sprintf(
					"The transfer could not be completed (%s). Apologize briefly and offer to help further.",
					outcome.Reason),
			}},
			RunLLM: true,
		})
	}
	time.AfterFunc(5*time.Second, func() {
		e.EndCall(context.Background(), EndReasonTransferFailed, false)
	})
	return errorResult("transfer failed: " + outcome.Reason)
}
