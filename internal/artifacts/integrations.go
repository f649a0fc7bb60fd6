package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// CompletionPayload is what integrations receive about a finished call.
// Artifact links are signed download URLs, which is why integrations run
// only after the uploads.
type CompletionPayload struct {
	WorkflowRunID   string         `json:"workflow_run_id"`
	WorkflowID      string         `json:"workflow_id"`
	CampaignID      string         `json:"campaign_id,omitempty"`
	EndReason       string         `json:"end_reason"`
	Disposition     string         `json:"disposition"`
	DurationSeconds int            `json:"duration_seconds"`
	GatheredContext map[string]any `json:"gathered_context,omitempty"`
	Usage           llm.Usage      `json:"usage"`
	RecordingURL    string         `json:"recording_url,omitempty"`
	TranscriptURL   string         `json:"transcript_url,omitempty"`
}

// Integration delivers a call result to an external system.
type Integration interface {
	Name() string
	Deliver(ctx context.Context, payload CompletionPayload) error
}

// WebhookIntegration POSTs the completion payload as JSON.
type WebhookIntegration struct {
	// URL is the delivery endpoint.
	URL string

	// Secret, when set, is sent as a bearer token.
	Secret string

	// Client defaults to a client with a 10 s timeout.
	Client *http.Client
}

func (w *WebhookIntegration) Name() string { return "webhook:" + w.URL }

func (w *WebhookIntegration) Deliver(ctx context.Context, payload CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("artifacts: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("artifacts: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.Secret)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("artifacts: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("artifacts: webhook %s returned %d", w.URL, resp.StatusCode)
	}
	return nil
}

// IntegrationSource resolves the integrations configured for a workflow.
type IntegrationSource func(ctx context.Context, workflowID string) ([]Integration, error)

// workflowGetter is the store surface WorkflowIntegrations needs.
type workflowGetter interface {
	GetWorkflow(ctx context.Context, orgID, id string) (*store.Workflow, error)
}

// WorkflowIntegrations resolves integrations from the workflow's completion
// webhook list.
func WorkflowIntegrations(st workflowGetter) IntegrationSource {
	return func(ctx context.Context, workflowID string) ([]Integration, error) {
		wf, err := st.GetWorkflow(ctx, "", workflowID)
		if err != nil {
			return nil, fmt.Errorf("artifacts: resolve integrations: %w", err)
		}
		out := make([]Integration, 0, len(wf.Config.CompletionWebhooks))
		for _, hook := range wf.Config.CompletionWebhooks {
			out = append(out, &WebhookIntegration{URL: hook.URL, Secret: hook.Secret})
		}
		return out, nil
	}
}
