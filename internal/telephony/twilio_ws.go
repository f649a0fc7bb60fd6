package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voicelane/voicelane/pkg/audio"
)

// twilioEvent is one message of the Twilio media stream protocol. Fields are
// populated per event type.
type twilioEvent struct {
	Event string `json:"event"`

	StreamSID string `json:"streamSid,omitempty"`

	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`

	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// twilioMediaOut is an outbound media or clear message.
type twilioMediaOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// twilioStream adapts a media-stream socket into the pipeline's audio output.
type twilioStream struct {
	conn      *websocket.Conn
	streamSID string
	ser       ULawSerializer

	mu sync.Mutex
}

func (s *twilioStream) WriteAudioFrame(ctx context.Context, pcm []byte, sampleRate int) bool {
	payload := base64.StdEncoding.EncodeToString(s.ser.Encode(pcm, sampleRate))
	msg := twilioMediaOut{Event: "media", StreamSID: s.streamSID}
	msg.Media = &struct {
		Payload string `json:"payload"`
	}{Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data) == nil
}

// ClearAudio tells Twilio to drop any buffered bot audio. Sent on barge-in.
func (s *twilioStream) ClearAudio(ctx context.Context) {
	data, err := json.Marshal(twilioMediaOut{Event: "clear", StreamSID: s.streamSID})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Write(ctx, websocket.MessageText, data)
}

// HandleWebSocket accepts a Twilio media stream connection, waits for the
// start event carrying the routing parameters, builds the call session, and
// pumps caller audio into it until the stream stops.
func (t *Twilio) HandleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, factory SessionFactory) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return fmt.Errorf("telephony: accept media stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "call ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		ser     ULawSerializer
		stream  *twilioStream
		session CallSession
		runErr  = make(chan error, 1)
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if session != nil {
				session.Hangup(context.Background())
				return <-runErr
			}
			return fmt.Errorf("telephony: media stream read: %w", err)
		}

		var ev twilioEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("unparseable media stream message", "error", err)
			continue
		}

		switch ev.Event {
		case "connected":
			// Protocol preamble, nothing to do yet.

		case "start":
			if ev.Start == nil {
				return fmt.Errorf("telephony: start event without body")
			}
			custom := ev.Start.CustomParameters
			info := StartInfo{
				CallID:        ev.Start.CallSID,
				StreamID:      ev.Start.StreamSID,
				WorkflowRunID: custom["workflow_run_id"],
				WorkflowID:    custom["workflow_id"],
				UserID:        custom["user_id"],
				Custom:        custom,
			}
			stream = &twilioStream{conn: conn, streamSID: ev.Start.StreamSID}
			session, err = factory(ctx, stream, info)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "session setup failed")
				return fmt.Errorf("telephony: build call session: %w", err)
			}
			t.logger.Info("media stream started",
				"call_sid", info.CallID, "run_id", info.WorkflowRunID)
			go func() { runErr <- session.Run(ctx) }()

		case "media":
			if session == nil || ev.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				continue
			}
			pcm := ser.Decode(payload)
			session.PushAudio(audio.ResampleMono16(pcm, ser.WireRate(), 16000), 16000)

		case "stop":
			if session != nil {
				session.Hangup(context.Background())
				err := <-runErr
				t.logger.Info("media stream stopped", "stream_sid", ev.StreamSID)
				return err
			}
			return nil
		}
	}
}
