package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePeer struct {
	mu         sync.Mutex
	candidates []ICECandidate
	closed     bool
}

func (p *fakePeer) Answer(_ context.Context, offerSDP string) (string, error) {
	return "answer-for:" + offerSDP, nil
}

func (p *fakePeer) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newSignalingServer(t *testing.T, peer *fakePeer) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	s := &Server{
		rtc: func(context.Context, string, map[string]string) (PeerConnection, error) {
			return peer, nil
		},
		logger: discard,
	}
	srv := httptest.NewServer(http.HandlerFunc(s.handleSignaling))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial signaling socket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return srv, conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(signalMessage{Type: typ, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) signalMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestSignaling_OfferAnswer(t *testing.T) {
	peer := &fakePeer{}
	_, conn := newSignalingServer(t, peer)

	send(t, conn, "offer", offerPayload{PCID: "pc-1", SDP: "v=0 offer", Type: "offer"})
	msg := recv(t, conn)
	if msg.Type != "answer" {
		t.Fatalf("reply type = %q, want answer", msg.Type)
	}
	var answer answerPayload
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		t.Fatal(err)
	}
	if answer.PCID != "pc-1" || answer.SDP != "answer-for:v=0 offer" {
		t.Errorf("answer = %+v", answer)
	}
}

func TestSignaling_FiltersPrivateCandidates(t *testing.T) {
	peer := &fakePeer{}
	_, conn := newSignalingServer(t, peer)

	send(t, conn, "offer", offerPayload{PCID: "pc-1", SDP: "v=0", Type: "offer"})
	recv(t, conn)

	send(t, conn, "ice-candidate", icePayload{PCID: "pc-1", Candidate: ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host",
	}})
	send(t, conn, "ice-candidate", icePayload{PCID: "pc-1", Candidate: ICECandidate{
		Candidate: "candidate:2 1 udp 2130706431 203.0.113.7 54321 typ srflx",
	}})

	// Messages are handled in order, so a second answered offer proves both
	// candidates were processed.
	send(t, conn, "offer", offerPayload{PCID: "pc-1", SDP: "v=0 again", Type: "offer"})
	recv(t, conn)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.candidates) != 1 {
		t.Fatalf("candidates = %d, want 1 (private one dropped)", len(peer.candidates))
	}
	if peer.candidates[0].Candidate != "candidate:2 1 udp 2130706431 203.0.113.7 54321 typ srflx" {
		t.Errorf("kept candidate = %q", peer.candidates[0].Candidate)
	}
}

func TestSignaling_UnknownTypeGetsError(t *testing.T) {
	peer := &fakePeer{}
	_, conn := newSignalingServer(t, peer)

	send(t, conn, "mystery", map[string]string{})
	msg := recv(t, conn)
	if msg.Type != "error" {
		t.Fatalf("reply type = %q, want error", msg.Type)
	}
	var ep errorPayload
	if err := json.Unmarshal(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.ErrorType != "validation_error" {
		t.Errorf("error_type = %q", ep.ErrorType)
	}
}
