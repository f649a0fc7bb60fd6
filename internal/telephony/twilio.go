package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// ProviderTwilio is the provider name stored on telephony configs.
const ProviderTwilio = "twilio"

// Twilio is the Twilio call-control adapter: REST origination, TwiML answer
// documents, signature validation, media streams, and conference transfers.
type Twilio struct {
	client     *twilio.RestClient
	validator  twclient.RequestValidator
	accountSID string
	logger     *slog.Logger

	// mediaWSBase is the public wss:// base the answer TwiML points the
	// media stream at.
	mediaWSBase string
}

// TwilioConfig carries the adapter's credentials and endpoints.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	MediaWSBase string // e.g. wss://voice.example.com/media
	Logger      *slog.Logger
}

// NewTwilio builds the Twilio adapter.
func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Twilio{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		validator:   twclient.NewRequestValidator(cfg.AuthToken),
		accountSID:  cfg.AccountSID,
		mediaWSBase: cfg.MediaWSBase,
		logger:      cfg.Logger.With("component", "twilio"),
	}
}

func (t *Twilio) Name() string { return ProviderTwilio }

func (t *Twilio) InitiateCall(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !ValidNumber(req.To) {
		return nil, fmt.Errorf("telephony: destination %q is not E.164", req.To)
	}
	if req.From == "" {
		return nil, ErrNoFromNumber
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.WebhookURL)
	params.SetMethod("POST")
	if req.StatusURL != "" {
		params.SetStatusCallback(req.StatusURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
		params.SetStatusCallbackMethod("POST")
	}

	call, err := t.client.Api.CreateCall(params)
	if err != nil {
		return nil, fmt.Errorf("telephony: create call: %w", err)
	}

	res := &InitiateResult{ProviderMetadata: map[string]string{"workflow_run_id": req.WorkflowRunID}}
	if call.Sid != nil {
		res.CallID = *call.Sid
	}
	if call.Status != nil {
		res.Status = normalizeTwilioStatus(*call.Status)
	}
	t.logger.Info("call initiated", "call_sid", res.CallID, "to", req.To)
	return res, nil
}

func (t *Twilio) GetCallStatus(ctx context.Context, callID string) (string, error) {
	call, err := t.client.Api.FetchCall(callID, &openapi.FetchCallParams{})
	if err != nil {
		return "", fmt.Errorf("telephony: fetch call %s: %w", callID, err)
	}
	if call.Status == nil {
		return "", nil
	}
	return normalizeTwilioStatus(*call.Status), nil
}

func (t *Twilio) GetCallCost(ctx context.Context, callID string) (*CallCost, error) {
	call, err := t.client.Api.FetchCall(callID, &openapi.FetchCallParams{})
	if err != nil {
		return nil, fmt.Errorf("telephony: fetch call %s: %w", callID, err)
	}
	cost := &CallCost{}
	if call.Status != nil {
		cost.Status = normalizeTwilioStatus(*call.Status)
	}
	if call.Duration != nil {
		if secs, err := strconv.Atoi(*call.Duration); err == nil {
			cost.Duration = time.Duration(secs) * time.Second
		}
	}
	if call.Price != nil {
		// Twilio reports prices as negative charges.
		if p, err := strconv.ParseFloat(*call.Price, 64); err == nil {
			cost.CostUSD = math.Abs(p)
		}
	}
	return cost, nil
}

func (t *Twilio) VerifyWebhookSignature(url string, params map[string]string, signature string) bool {
	return t.validator.Validate(url, params, signature)
}

// WebhookResponse renders the answer TwiML: connect the call to the media
// stream socket, carrying routing parameters the handshake echoes back.
func (t *Twilio) WebhookResponse(workflowID, userID, workflowRunID string) (string, string, error) {
	stream := &twiml.VoiceStream{
		Url: t.mediaWSBase,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "workflow_id", Value: workflowID},
			&twiml.VoiceParameter{Name: "user_id", Value: userID},
			&twiml.VoiceParameter{Name: "workflow_run_id", Value: workflowRunID},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", "", fmt.Errorf("telephony: render answer twiml: %w", err)
	}
	return "text/xml", doc, nil
}

func (t *Twilio) ParseStatusCallback(params map[string]string) (*StatusCallback, error) {
	callSID := params["CallSid"]
	if callSID == "" {
		return nil, fmt.Errorf("telephony: status callback without CallSid")
	}
	cb := &StatusCallback{
		CallID:     callSID,
		Status:     normalizeTwilioStatus(params["CallStatus"]),
		FromNumber: params["From"],
		ToNumber:   params["To"],
		Direction:  params["Direction"],
		Extra:      map[string]string{},
	}
	if d := params["CallDuration"]; d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			cb.Duration = time.Duration(secs) * time.Second
		}
	}
	for k, v := range params {
		switch k {
		case "CallSid", "CallStatus", "From", "To", "Direction", "CallDuration":
		default:
			cb.Extra[k] = v
		}
	}
	return cb, nil
}

func (t *Twilio) CanHandleInbound(params map[string]string) bool {
	return params["AccountSid"] != "" && params["CallSid"] != ""
}

func (t *Twilio) ParseInbound(params map[string]string) (*NormalizedInboundData, error) {
	if !t.CanHandleInbound(params) {
		return nil, fmt.Errorf("telephony: not a twilio inbound webhook")
	}
	return &NormalizedInboundData{
		CallID:     params["CallSid"],
		FromNumber: params["From"],
		ToNumber:   params["To"],
		AccountID:  params["AccountSid"],
		Raw:        params,
	}, nil
}

func (t *Twilio) ValidateAccountID(accountID string) bool {
	return accountID == t.accountSID
}

func (t *Twilio) SupportsTransfers() bool { return true }

// TransferCall dials the destination with TwiML that drops the answered leg
// into the transfer conference and reports leg status to the transfer result
// endpoint.
func (t *Twilio) TransferCall(ctx context.Context, req TransferRequest) (string, error) {
	if !ValidNumber(req.Destination) {
		return "", fmt.Errorf("telephony: transfer destination %q is not E.164", req.Destination)
	}
	if req.From == "" {
		return "", ErrNoFromNumber
	}

	conference := &twiml.VoiceConference{
		Name:                   req.ConferenceName,
		StartConferenceOnEnter: "true",
		EndConferenceOnExit:    "true",
	}
	dial := &twiml.VoiceDial{InnerElements: []twiml.Element{conference}}
	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return "", fmt.Errorf("telephony: render transfer twiml: %w", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.Destination)
	params.SetFrom(req.From)
	params.SetTwiml(doc)
	if req.StatusURL != "" {
		params.SetStatusCallback(req.StatusURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout / time.Second))
	}

	call, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: dial transfer leg: %w", err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("telephony: transfer leg created without sid")
	}
	return *call.Sid, nil
}

// normalizeTwilioStatus maps Twilio call states onto the common vocabulary.
func normalizeTwilioStatus(s string) string {
	switch s {
	case "queued", "initiated":
		return "initiated"
	case "ringing":
		return "ringing"
	case "in-progress", "answered":
		return "answered"
	case "completed", "busy", "failed", "no-answer":
		return s
	case "canceled":
		return "failed"
	default:
		return s
	}
}
