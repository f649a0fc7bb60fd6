package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/workflow"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// DefaultHTTPToolTimeout applies when a tool spec has no timeout_ms.
const DefaultHTTPToolTimeout = 5 * time.Second

type httpToolSpec struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	AuthHeader string            `json:"auth_header"`
	Credential string            `json:"credential"`
	TimeoutMS  int               `json:"timeout_ms"`
	Parameters map[string]any    `json:"parameters"`
}

func (s *httpToolSpec) timeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return DefaultHTTPToolTimeout
}

// buildHTTPTool wraps an HTTP tool spec in a handler: body methods send the
// LLM's arguments as JSON, query methods as URL parameters.
func (e *Engine) buildHTTPTool(tool *store.CustomTool) (llm.ToolDefinition, toolHandler, error) {
	var spec httpToolSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: decode http tool spec: %w", err)
	}
	if spec.URL == "" {
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: http tool %s has no url", tool.ID)
	}
	method := strings.ToUpper(spec.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	case "":
		method = http.MethodPost
	default:
		return llm.ToolDefinition{}, nil, fmt.Errorf("engine: http tool %s has unsupported method %q", tool.ID, spec.Method)
	}

	params := spec.Parameters
	if params == nil {
		params = emptyObjectSchema()
	}
	def := llm.ToolDefinition{
		Name:        workflow.Slugify(tool.Name),
		Description: tool.Description,
		Parameters:  params,
	}
	h := func(ctx context.Context, args map[string]any) pipeline.FunctionResult {
		return e.invokeHTTPTool(ctx, method, &spec, args)
	}
	return def, h, nil
}

func (e *Engine) invokeHTTPTool(ctx context.Context, method string, spec *httpToolSpec, args map[string]any) pipeline.FunctionResult {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	var req *http.Request
	var err error
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body, merr := json.Marshal(args)
		if merr != nil {
			return errorResult("unserializable arguments")
		}
		req, err = http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default: // GET, DELETE
		u, perr := url.Parse(spec.URL)
		if perr != nil {
			return errorResult("invalid tool url")
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return errorResult("invalid tool request")
	}

	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if spec.Credential != "" {
		header := spec.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, spec.Credential)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("http tool request failed", "url", spec.URL, "error", err)
		return errorResult("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errorResult("reading response failed")
	}

	var data any
	if len(raw) > 0 {
		if json.Unmarshal(raw, &data) != nil {
			data = string(raw)
		}
	}
	return pipeline.FunctionResult{Result: map[string]any{
		"status":      "done",
		"status_code": resp.StatusCode,
		"data":        data,
	}}
}
