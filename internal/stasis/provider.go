package stasis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/voicelane/voicelane/internal/telephony"
)

// ErrBrokered marks provider operations that do not apply to the broker
// family: media and events flow through the manager and workers, not through
// per-call webhooks.
var ErrBrokered = errors.New("stasis: operation handled by the broker")

// Provider adapts one organization's broker account to the telephony
// strategy interface. Campaign dialing goes through it; media delivery and
// teardown are the manager's and workers' business.
type Provider struct {
	client *Client
}

// NewProvider builds the adapter over a call-control client.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

var _ telephony.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) InitiateCall(ctx context.Context, req telephony.InitiateRequest) (*telephony.InitiateResult, error) {
	if !telephony.ValidNumber(req.To) {
		return nil, fmt.Errorf("stasis: destination %q is not E.164", req.To)
	}
	endpoint := "PJSIP/" + strings.TrimPrefix(req.To, "+")
	channelID, err := p.client.Originate(ctx, endpoint, req.From, map[string]string{
		"workflow_run_id": req.WorkflowRunID,
	})
	if err != nil {
		return nil, fmt.Errorf("stasis: originate: %w", err)
	}
	return &telephony.InitiateResult{
		CallID: channelID,
		Status: "initiated",
		ProviderMetadata: map[string]string{
			"endpoint":        endpoint,
			"workflow_run_id": req.WorkflowRunID,
		},
	}, nil
}

func (p *Provider) GetCallStatus(ctx context.Context, callID string) (string, error) {
	state, err := p.client.ChannelState(ctx, callID)
	if err != nil {
		return "", err
	}
	return normalizeChannelState(state), nil
}

// GetCallCost reports duration-free zero cost: the broker family has no
// per-call pricing API.
func (p *Provider) GetCallCost(ctx context.Context, callID string) (*telephony.CallCost, error) {
	status, err := p.GetCallStatus(ctx, callID)
	if err != nil {
		return nil, err
	}
	return &telephony.CallCost{Status: status}, nil
}

// The broker authenticates its control connection with basic auth; there are
// no signed per-call webhooks.
func (p *Provider) VerifyWebhookSignature(string, map[string]string, string) bool { return true }

func (p *Provider) WebhookResponse(string, string, string) (string, string, error) {
	return "", "", ErrBrokered
}

func (p *Provider) ParseStatusCallback(map[string]string) (*telephony.StatusCallback, error) {
	return nil, ErrBrokered
}

func (p *Provider) HandleWebSocket(context.Context, http.ResponseWriter, *http.Request, telephony.SessionFactory) error {
	return ErrBrokered
}

func (p *Provider) CanHandleInbound(map[string]string) bool { return false }

func (p *Provider) ParseInbound(map[string]string) (*telephony.NormalizedInboundData, error) {
	return nil, ErrBrokered
}

func (p *Provider) ValidateAccountID(string) bool { return false }

func (p *Provider) SupportsTransfers() bool { return false }

func (p *Provider) TransferCall(context.Context, telephony.TransferRequest) (string, error) {
	return "", errors.New("stasis: transfers are not supported")
}

// normalizeChannelState maps provider channel states onto the common call
// status vocabulary.
func normalizeChannelState(state string) string {
	switch state {
	case "Down":
		return "completed"
	case "Ring", "Ringing":
		return "ringing"
	case "Up":
		return "answered"
	case "Busy":
		return "busy"
	default:
		return "initiated"
	}
}
