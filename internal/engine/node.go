package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// setNode makes the given node current: it notifies the transition callback,
// rebuilds the LLM-facing function set from the node's edges and tools, and
// replaces the system prompt. Calls arrive one at a time from the pipeline's
// single LLM stage; the mutex only guards the current-node fields that other
// goroutines read.
func (e *Engine) setNode(ctx context.Context, id string) error {
	node := e.graph.Node(id)
	if node == nil {
		return fmt.Errorf("engine: set node: unknown node %q", id)
	}

	e.mu.Lock()
	prev := ""
	if e.current != nil {
		prev = e.current.Name
	}
	e.current = node
	firstEntry := !e.entered
	e.entered = true
	e.mu.Unlock()

	if e.onTransition != nil {
		e.onTransition(node.Name, prev)
	}
	e.logger.Info("entering node", "node", node.Name, "previous", prev)

	if firstEntry && node.IsStart && e.wf.DelayedStart {
		delay := DefaultDelayedStart
		if e.wf.DelayedStartSeconds > 0 {
			delay = time.Duration(e.wf.DelayedStartSeconds) * time.Second
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	handlers := map[string]toolHandler{}
	var defs []llm.ToolDefinition

	for _, edge := range e.graph.Outgoing(node.ID) {
		name := workflow.Slugify(edge.Label)
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: edge.Condition,
			Parameters:  emptyObjectSchema(),
		})
		handlers[name] = e.transitionHandler(node, edge)
	}

	for _, toolID := range node.ToolUUIDs {
		def, h, err := e.buildCustomTool(ctx, toolID)
		if err != nil {
			e.logger.Error("register custom tool", "tool_id", toolID, "error", err)
			continue
		}
		defs = append(defs, def)
		handlers[def.Name] = h
	}

	builtinDefs, builtinHandlers := e.builtins(node)
	defs = append(defs, builtinDefs...)
	for name, h := range builtinHandlers {
		handlers[name] = h
	}

	prompt := e.composePrompt(node)

	e.mu.Lock()
	e.handlers = handlers
	e.mu.Unlock()
	e.convo.SetSystem(prompt, defs)
	return nil
}

// transitionHandler builds the LLM function body for one outgoing edge:
// fire-and-forget extraction on the source node, move to the target, then a
// result whose commit callback ends the call if the target is terminal.
func (e *Engine) transitionHandler(source *workflow.Node, edge workflow.Edge) toolHandler {
	return func(ctx context.Context, _ map[string]any) pipeline.FunctionResult {
		if source.ExtractionEnabled {
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := e.extract(bg, source); err != nil {
					e.logger.Warn("background extraction failed", "node", source.Name, "error", err)
				}
			}()
		}

		if err := e.setNode(ctx, edge.Target); err != nil {
			e.logger.Error("transition failed", "edge", edge.Label, "error", err)
			return errorResult("transition failed")
		}

		terminal := e.graph.IsTerminal(edge.Target)
		return pipeline.FunctionResult{
			Result: map[string]any{"status": "done"},
			RunLLM: !terminal,
			OnContextUpdated: func() {
				if terminal {
					e.EndCall(context.Background(), EndReasonCompleted, false)
				}
			},
		}
	}
}

// composePrompt renders global-node plus current-node prompts through the
// call-context template.
func (e *Engine) composePrompt(node *workflow.Node) string {
	e.mu.Lock()
	vars := e.callContext
	e.mu.Unlock()

	prompt := ""
	if e.wf.GlobalPrompt != "" {
		prompt = RenderTemplate(e.wf.GlobalPrompt, vars) + "\n\n"
	}
	if g := e.graph.Global(); g != nil && g.ID != node.ID {
		prompt += RenderTemplate(g.Prompt, vars) + "\n\n"
	}
	return prompt + RenderTemplate(node.Prompt, vars)
}

func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
