// Package stasis implements the distributed broker for telephony providers
// that deliver call events over a single persistent WebSocket per
// organization. A singleton manager owns the provider connections and fans
// call events out to worker processes; each worker owns the media pipelines
// of the calls assigned to it.
package stasis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event type discriminators on the worker fan-out channel.
const (
	EventStart = "stasis_start"
	EventEnd   = "stasis_end"
)

// Channel is the provider's view of one call leg.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state,omitempty"`
	Caller string `json:"caller,omitempty"`
}

// StartEvent tells a worker to run the pipeline for a newly bridged call.
type StartEvent struct {
	ChannelID      string            `json:"channel_id"`
	MediaChannelID string            `json:"media_channel_id"`
	BridgeID       string            `json:"bridge_id"`
	OrganizationID string            `json:"organization_id"`
	WorkflowRunID  string            `json:"workflow_run_id"`
	WorkflowID     string            `json:"workflow_id"`
	UserID         string            `json:"user_id"`
	MediaAddress   string            `json:"media_address,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
}

// EndEvent tells a worker the provider hung up a call it owns.
type EndEvent struct {
	ChannelID string `json:"channel_id"`
}

// Envelope is the tagged wire form of a worker event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent wraps a worker event in its tagged envelope.
func EncodeEvent(ev any) ([]byte, error) {
	var typ string
	switch ev.(type) {
	case StartEvent, *StartEvent:
		typ = EventStart
	case EndEvent, *EndEvent:
		typ = EventEnd
	default:
		return nil, fmt.Errorf("stasis: unknown event type %T", ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("stasis: encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// DecodeEvent parses a tagged worker event. The result is *StartEvent or
// *EndEvent.
func DecodeEvent(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("stasis: decode envelope: %w", err)
	}
	switch env.Type {
	case EventStart:
		var ev StartEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("stasis: decode %s: %w", env.Type, err)
		}
		return &ev, nil
	case EventEnd:
		var ev EndEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("stasis: decode %s: %w", env.Type, err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("stasis: unknown event type %q", env.Type)
	}
}

// providerEvent is the raw shape of one message from the provider's event
// socket. Only the fields the broker routes on are decoded.
type providerEvent struct {
	Type    string   `json:"type"`
	Channel *Channel `json:"channel,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// parseArgs turns the provider's positional "key=value" app arguments into a
// map. Malformed entries are skipped.
func parseArgs(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
