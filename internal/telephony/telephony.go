// Package telephony abstracts call-control vendors behind one strategy
// interface: call origination, webhook verification, status callbacks, media
// WebSocket handshake, and warm transfers.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"time"
)

var (
	// ErrNoFromNumber means the organization has no usable outbound number.
	ErrNoFromNumber = errors.New("telephony: no from number configured")

	// ErrUnknownProvider means no adapter is registered for a config's
	// provider name.
	ErrUnknownProvider = errors.New("telephony: unknown provider")
)

// e164 validates outbound phone numbers.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidNumber reports whether n is strict E.164.
func ValidNumber(n string) bool { return e164.MatchString(n) }

// InitiateRequest originates one outbound call.
type InitiateRequest struct {
	To            string
	From          string // optional; chosen from the org pool when empty
	WebhookURL    string // answer webhook establishing the media stream
	StatusURL     string // status callback target
	WorkflowRunID string
}

// InitiateResult is the provider's acknowledgment of an originated call.
type InitiateResult struct {
	CallID           string
	Status           string
	ProviderMetadata map[string]string
}

// CallCost is the post-call accounting snapshot.
type CallCost struct {
	CostUSD  float64
	Duration time.Duration
	Status   string
}

// StatusCallback is the provider-neutral shape of a call status event.
type StatusCallback struct {
	CallID     string
	Status     string // initiated, ringing, answered, completed, failed, busy, no-answer
	FromNumber string
	ToNumber   string
	Direction  string
	Duration   time.Duration
	Extra      map[string]string
}

// NormalizedInboundData is a provider-neutral inbound call notification.
type NormalizedInboundData struct {
	CallID     string
	FromNumber string
	ToNumber   string
	AccountID  string
	Raw        map[string]string
}

// TransferRequest dials a transfer destination with call control that joins
// the answered leg to the named conference.
type TransferRequest struct {
	Destination    string
	From           string // caller ID presented to the transfer target
	TransferID     string
	ConferenceName string
	StatusURL      string // receives transfer leg status events
	Timeout        time.Duration
}

// Provider is the per-vendor call-control strategy.
type Provider interface {
	// Name is the provider discriminator stored on telephony configs.
	Name() string

	InitiateCall(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	GetCallStatus(ctx context.Context, callID string) (string, error)
	GetCallCost(ctx context.Context, callID string) (*CallCost, error)

	// VerifyWebhookSignature authenticates a provider webhook request.
	VerifyWebhookSignature(url string, params map[string]string, signature string) bool

	// WebhookResponse renders the provider-specific answer document that
	// establishes the media stream for a run.
	WebhookResponse(workflowID, userID, workflowRunID string) (contentType string, body string, err error)

	// ParseStatusCallback normalizes a status webhook's form values.
	ParseStatusCallback(params map[string]string) (*StatusCallback, error)

	// HandleWebSocket performs the provider media handshake, builds the call
	// session through the factory (the session's audio output writes back to
	// this socket), and pumps media until either side hangs up.
	HandleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, factory SessionFactory) error

	// Inbound surface.
	CanHandleInbound(params map[string]string) bool
	ParseInbound(params map[string]string) (*NormalizedInboundData, error)
	ValidateAccountID(accountID string) bool

	// Transfers.
	SupportsTransfers() bool
	TransferCall(ctx context.Context, req TransferRequest) (string, error)
}

// CallSession is what a provider media handler drives: the per-call pipeline,
// fed with canonical PCM and ended on disconnect. The engine session
// implements it.
type CallSession interface {
	// Run blocks until the call ends.
	Run(ctx context.Context) error

	// PushAudio injects caller PCM at the given rate.
	PushAudio(pcm []byte, sampleRate int)

	// Hangup handles the remote side disconnecting.
	Hangup(ctx context.Context)
}

// StartInfo carries the routing parameters a provider handshake delivers.
type StartInfo struct {
	CallID        string
	StreamID      string
	WorkflowRunID string
	WorkflowID    string
	UserID        string
	Custom        map[string]string
}

// OutputWriter receives synthesized bot audio; the media handler adapts it to
// the provider wire format. It matches the pipeline's output transport.
type OutputWriter interface {
	WriteAudioFrame(ctx context.Context, pcm []byte, sampleRate int) bool
}

// SessionFactory builds the call session once the handshake has identified
// the run and the socket is ready to carry bot audio.
type SessionFactory func(ctx context.Context, out OutputWriter, info StartInfo) (CallSession, error)

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// All returns every registered adapter. Inbound webhooks sniff the sender by
// asking each adapter whether it recognizes the parameters.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// PickFromNumber selects an outbound number: the explicit one when given,
// otherwise a random member of the organization pool.
func PickFromNumber(explicit string, pool []string) (string, error) {
	if explicit != "" {
		if !ValidNumber(explicit) {
			return "", fmt.Errorf("telephony: from number %q is not E.164", explicit)
		}
		return explicit, nil
	}
	var valid []string
	for _, n := range pool {
		if ValidNumber(n) {
			valid = append(valid, n)
		}
	}
	if len(valid) == 0 {
		return "", ErrNoFromNumber
	}
	return valid[rand.Intn(len(valid))], nil
}
