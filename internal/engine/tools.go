package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// builtins returns the always-available tools, plus knowledge-base retrieval
// when the node declares documents.
func (e *Engine) builtins(node *workflow.Node) ([]llm.ToolDefinition, map[string]toolHandler) {
	defs := []llm.ToolDefinition{
		{
			Name:        "calculator",
			Description: "Evaluate an arithmetic expression and return the numeric result.",
			Parameters: objectSchema(map[string]any{
				"expression": map[string]any{"type": "string", "description": "arithmetic expression, e.g. (3 + 4) * 2"},
			}, "expression"),
		},
		{
			Name:        "current_time",
			Description: "Get the current date and time in a timezone.",
			Parameters: objectSchema(map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA timezone, e.g. America/Chicago"},
			}),
		},
		{
			Name:        "convert_time",
			Description: "Convert a time between two timezones.",
			Parameters: objectSchema(map[string]any{
				"time":          map[string]any{"type": "string", "description": "time in HH:MM 24-hour format"},
				"from_timezone": map[string]any{"type": "string"},
				"to_timezone":   map[string]any{"type": "string"},
			}, "time", "from_timezone", "to_timezone"),
		},
	}
	handlers := map[string]toolHandler{
		"calculator":   e.handleCalculator,
		"current_time": e.handleCurrentTime,
		"convert_time": e.handleConvertTime,
	}

	if len(node.DocumentUUIDs) > 0 && e.tools != nil && e.embedder != nil {
		docs := node.DocumentUUIDs
		defs = append(defs, llm.ToolDefinition{
			Name:        "knowledge_base",
			Description: "Look up relevant information from the attached knowledge base.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "what to look up"},
			}, "query"),
		})
		handlers["knowledge_base"] = func(ctx context.Context, args map[string]any) pipeline.FunctionResult {
			return e.handleKnowledgeBase(ctx, docs, args)
		}
	}
	return defs, handlers
}

func (e *Engine) handleCalculator(_ context.Context, args map[string]any) pipeline.FunctionResult {
	expr, _ := args["expression"].(string)
	result, err := evalExpression(expr)
	if err != nil {
		return errorResult(err.Error())
	}
	return doneResult(map[string]any{"result": result})
}

func (e *Engine) handleCurrentTime(_ context.Context, args map[string]any) pipeline.FunctionResult {
	tz, _ := args["timezone"].(string)
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return errorResult("unknown timezone " + tz)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return doneResult(map[string]any{
		"time":     now.Format("15:04"),
		"date":     now.Format("2006-01-02"),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
}

func (e *Engine) handleConvertTime(_ context.Context, args map[string]any) pipeline.FunctionResult {
	raw, _ := args["time"].(string)
	fromTZ, _ := args["from_timezone"].(string)
	toTZ, _ := args["to_timezone"].(string)

	from, err := time.LoadLocation(fromTZ)
	if err != nil {
		return errorResult("unknown timezone " + fromTZ)
	}
	to, err := time.LoadLocation(toTZ)
	if err != nil {
		return errorResult("unknown timezone " + toTZ)
	}
	parsed, err := time.ParseInLocation("15:04", strings.TrimSpace(raw), from)
	if err != nil {
		return errorResult("time must be HH:MM 24-hour format")
	}
	// Pin to today so DST offsets apply.
	now := time.Now().In(from)
	parsed = time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, from)
	return doneResult(map[string]any{
		"time":     parsed.In(to).Format("15:04"),
		"timezone": to.String(),
	})
}

func (e *Engine) handleKnowledgeBase(ctx context.Context, docs []string, args map[string]any) pipeline.FunctionResult {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return errorResult("query is required")
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("embed retrieval query", "error", err)
		return errorResult("knowledge base unavailable")
	}
	chunks, err := e.tools.SearchKnowledge(ctx, e.org.ID, docs, vec, 5)
	if err != nil {
		e.logger.Warn("knowledge search", "error", err)
		return errorResult("knowledge base unavailable")
	}
	passages := make([]string, 0, len(chunks))
	for _, c := range chunks {
		passages = append(passages, c.Content)
	}
	return doneResult(map[string]any{"passages": passages})
}

// buildCustomTool resolves an organization tool and wraps it in a handler for
// its kind.
func (e *Engine) buildCustomTool(ctx context.Context, toolID string) (llm.ToolDefinition, toolHandler, error) {
	if e.tools == nil {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: no tool store configured")
	}
	tool, err := e.tools.GetCustomTool(ctx, e.org.ID, toolID)
	if err != nil {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: fetch tool %s: %w", toolID, err)
	}

	switch tool.Kind {
	case store.ToolHTTP:
		return e.buildHTTPTool(tool)
	case store.ToolEndCall:
		return e.buildEndCallTool(tool)
	case store.ToolTransferCall:
		return e.buildTransferTool(tool)
	default:
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: unsupported tool kind %q", tool.Kind)
	}
}

type endCallSpec struct {
	GoodbyeMessage string `json:"goodbye_message"`
}

func (e *Engine) buildEndCallTool(tool *store.CustomTool) (llm.ToolDefinition, toolHandler, error) {
	var spec endCallSpec
	if len(tool.Spec) > 0 {
		if err := json.Unmarshal(tool.Spec, &spec); err != nil {
			return llm.ToolDefinition{}, nil, fmt.Errorf("engine: decode end-call spec: %w", err)
		}
	}
	def := llm.ToolDefinition{
		Name:        workflow.Slugify(tool.Name),
		Description: tool.Description,
		Parameters:  emptyObjectSchema(),
	}
	h := func(ctx context.Context, _ map[string]any) pipeline.FunctionResult {
		if spec.GoodbyeMessage != "" && e.task != nil {
			e.task.Push(pipeline.SpeakFrame{Text: spec.GoodbyeMessage})
		}
		e.EndCall(ctx, EndReasonCompleted, false)
		return doneResult(nil)
	}
	return def, h, nil
}

func doneResult(extra map[string]any) pipeline.FunctionResult {
	result := map[string]any{"status": "done"}
	for k, v := range extra {
		result[k] = v
	}
	return pipeline.FunctionResult{Result: result}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
