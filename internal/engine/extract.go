package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// extract runs an out-of-band completion over the conversation history asking
// for the node's declared variables as JSON, and merges the answer into
// gathered context. Transitions call it fire-and-forget; end_call runs it
// synchronously.
func (e *Engine) extract(ctx context.Context, node *workflow.Node) error {
	if len(node.ExtractionVars) == 0 {
		return nil
	}

	var spec strings.Builder
	props := make(map[string]any, len(node.ExtractionVars))
	for _, v := range node.ExtractionVars {
		typ := v.Type
		if typ == "" {
			typ = "string"
		}
		fmt.Fprintf(&spec, "- %s (%s): %s\n", v.Name, typ, v.Description)
		props[v.Name] = map[string]any{"type": typ, "description": v.Description}
	}

	system := "You extract structured data from a phone conversation transcript.\n" +
		"Return a single JSON object with exactly these fields; use null for anything not mentioned:\n" +
		spec.String()

	history := e.convo.Messages()
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role == "user" || m.Role == "assistant" {
			if m.Content != "" {
				msgs = append(msgs, m)
			}
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: "Extract the variables from the conversation above."})

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		ResponseJSON: true,
	})
	if err != nil {
		return fmt.Errorf("engine: extraction completion: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return fmt.Errorf("engine: extraction returned no content")
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &values); err != nil {
		return fmt.Errorf("engine: decode extraction result: %w", err)
	}

	e.mu.Lock()
	for k, v := range values {
		if v == nil {
			continue
		}
		if _, declared := props[k]; declared {
			e.gathered[k] = v
		}
	}
	e.mu.Unlock()

	e.logger.Info("extraction merged", "node", node.Name, "variables", len(values))
	return nil
}
