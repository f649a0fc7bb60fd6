package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/coder/websocket"
)

// ICECandidate is one trickled candidate from the browser.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// PeerConnection is the signaling surface of one browser call leg. The
// WebRTC stack behind it also owns the call session for that leg.
type PeerConnection interface {
	// Answer consumes the remote offer and returns the local answer SDP.
	Answer(ctx context.Context, offerSDP string) (string, error)

	AddICECandidate(candidate ICECandidate) error
	Close() error
}

// RTCConnector builds a peer connection for a new signaling offer.
type RTCConnector func(ctx context.Context, pcID string, contextVars map[string]string) (PeerConnection, error)

// signalMessage is the envelope both directions share on the signaling
// socket.
type signalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type offerPayload struct {
	PCID            string            `json:"pc_id"`
	SDP             string            `json:"sdp"`
	Type            string            `json:"type"`
	CallContextVars map[string]string `json:"call_context_vars,omitempty"`
}

type icePayload struct {
	PCID      string       `json:"pc_id"`
	Candidate ICECandidate `json:"candidate"`
}

type answerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

type errorPayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// handleSignaling runs one WebRTC signaling socket. A socket may carry
// several peer connections, keyed by pc_id; all of them close with the
// socket.
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	if s.rtc == nil {
		http.Error(w, "webrtc is not enabled", http.StatusNotImplemented)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	peers := make(map[string]PeerConnection)
	defer func() {
		for _, pc := range peers {
			_ = pc.Close()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.signalError(ctx, conn, "validation_error", "malformed message")
			continue
		}

		switch msg.Type {
		case "offer":
			s.handleOffer(ctx, conn, peers, msg.Payload)
		case "ice-candidate":
			s.handleICE(ctx, conn, peers, msg.Payload)
		case "renegotiate":
			// The browser re-offers after renegotiate; nothing to do here.
		default:
			s.signalError(ctx, conn, "validation_error", fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (s *Server) handleOffer(ctx context.Context, conn *websocket.Conn, peers map[string]PeerConnection, raw json.RawMessage) {
	var offer offerPayload
	if err := json.Unmarshal(raw, &offer); err != nil || offer.PCID == "" || offer.SDP == "" {
		s.signalError(ctx, conn, "validation_error", "offer needs pc_id and sdp")
		return
	}

	pc, ok := peers[offer.PCID]
	if !ok {
		var err error
		pc, err = s.rtc(ctx, offer.PCID, offer.CallContextVars)
		if err != nil {
			s.logger.Error("create peer connection", "pc_id", offer.PCID, "error", err)
			s.signalError(ctx, conn, "internal_error", "failed to create peer connection")
			return
		}
		peers[offer.PCID] = pc
	}

	answer, err := pc.Answer(ctx, offer.SDP)
	if err != nil {
		s.logger.Error("answer offer", "pc_id", offer.PCID, "error", err)
		s.signalError(ctx, conn, "internal_error", "failed to answer offer")
		return
	}
	s.signalSend(ctx, conn, "answer", answerPayload{SDP: answer, Type: "answer", PCID: offer.PCID})
}

func (s *Server) handleICE(ctx context.Context, conn *websocket.Conn, peers map[string]PeerConnection, raw json.RawMessage) {
	var ice icePayload
	if err := json.Unmarshal(raw, &ice); err != nil || ice.PCID == "" {
		s.signalError(ctx, conn, "validation_error", "ice-candidate needs pc_id")
		return
	}
	pc, ok := peers[ice.PCID]
	if !ok {
		s.signalError(ctx, conn, "validation_error", "unknown pc_id")
		return
	}
	if !s.localEnv && privateCandidate(ice.Candidate.Candidate) {
		// Private and CGNAT addresses are unreachable from outside and only
		// slow down connectivity checks.
		return
	}
	if err := pc.AddICECandidate(ice.Candidate); err != nil {
		s.logger.Warn("add ice candidate", "pc_id", ice.PCID, "error", err)
	}
}

func (s *Server) signalSend(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(signalMessage{Type: typ, Payload: raw})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("signaling write failed", "error", err)
	}
}

func (s *Server) signalError(ctx context.Context, conn *websocket.Conn, errorType, message string) {
	s.signalSend(ctx, conn, "error", errorPayload{ErrorType: errorType, Message: message})
}

// cgnat is the carrier-grade NAT block 100.64.0.0/10.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// privateCandidate reports whether an ICE candidate line advertises an
// RFC1918 or CGNAT address. The address is the fifth field of the candidate
// line. Unparseable candidates are kept; the WebRTC stack rejects them with
// a better error.
func privateCandidate(candidate string) bool {
	fields := strings.Fields(candidate)
	if len(fields) < 5 {
		return false
	}
	addr, err := netip.ParseAddr(fields[4])
	if err != nil {
		return false
	}
	return addr.IsPrivate() || cgnat.Contains(addr)
}
