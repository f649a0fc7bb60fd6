package stasis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/telephony"
)

const (
	// heartbeatInterval is how often a worker refreshes its registration.
	heartbeatInterval = 10 * time.Second

	// drainTimeout is how long a shutting-down worker waits for its calls.
	drainTimeout = 5 * time.Minute

	// hangupRegisterWait bounds how long an end event waits for the media
	// socket to have registered its call session.
	hangupRegisterWait = 10 * time.Second
)

// Worker owns the media pipelines of the calls the manager assigns to it. It
// serves the external-media WebSocket endpoint and reacts to fan-out events.
type Worker struct {
	id      string
	bus     *bus.Bus
	factory telephony.SessionFactory
	logger  *slog.Logger

	mu       sync.Mutex
	status   string
	sessions map[string]telephony.CallSession // by provider channel id
	waiters  map[string][]chan telephony.CallSession
}

// NewWorker wires a broker worker.
func NewWorker(id string, b *bus.Bus, factory telephony.SessionFactory, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		bus:      b,
		factory:  factory,
		logger:   logger.With("component", "stasis_worker", "worker_id", id),
		status:   "ready",
		sessions: map[string]telephony.CallSession{},
		waiters:  map[string][]chan telephony.CallSession{},
	}
}

// Run registers the worker, consumes fan-out events, and on cancellation
// drains: no new calls are accepted and in-flight ones get up to five
// minutes to finish.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, WorkerEventsChannel(w.id))
	if err != nil {
		return fmt.Errorf("stasis: subscribe worker events: %w", err)
	}
	defer sub.Close()

	w.beat(ctx)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-ticker.C:
			w.beat(ctx)
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			w.handleEvent(ctx, msg.Payload)
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, payload []byte) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		w.logger.Error("malformed worker event", "error", err)
		return
	}
	switch ev := ev.(type) {
	case *StartEvent:
		// The media socket carries everything the session needs; the start
		// event is the assignment record.
		w.logger.Info("call assigned",
			"channel_id", ev.ChannelID, "run_id", ev.WorkflowRunID)
	case *EndEvent:
		go w.hangup(ev.ChannelID)
	}
}

// hangup ends the session for a channel, waiting briefly for the media
// socket to have registered it. The provider can deliver the end event
// before the media leg has connected.
func (w *Worker) hangup(channelID string) {
	w.mu.Lock()
	session := w.sessions[channelID]
	if session == nil {
		ch := make(chan telephony.CallSession, 1)
		w.waiters[channelID] = append(w.waiters[channelID], ch)
		w.mu.Unlock()
		select {
		case session = <-ch:
		case <-time.After(hangupRegisterWait):
			w.logger.Warn("hangup for unregistered call", "channel_id", channelID)
			return
		}
	} else {
		w.mu.Unlock()
	}
	session.Hangup(context.Background())
}

func (w *Worker) register(channelID string, s telephony.CallSession) {
	w.mu.Lock()
	w.sessions[channelID] = s
	for _, ch := range w.waiters[channelID] {
		ch <- s
	}
	delete(w.waiters, channelID)
	w.mu.Unlock()
}

func (w *Worker) unregister(channelID string) {
	w.mu.Lock()
	delete(w.sessions, channelID)
	w.mu.Unlock()
}

// beat refreshes the worker's heartbeat key and its member in the workers
// set.
func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	hb := heartbeat{Status: w.status, ActiveCalls: len(w.sessions)}
	w.mu.Unlock()

	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := w.bus.Set(ctx, WorkerKey(w.id), payload, workerTTL); err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
		return
	}
	err = w.bus.ZAdd(ctx, workersKey, bus.ZMember{
		Score:  float64(time.Now().UnixMilli()),
		Member: w.id,
	})
	if err != nil {
		w.logger.Warn("heartbeat registration failed", "error", err)
	}
}

// drain marks the worker draining and waits for in-flight calls to finish.
func (w *Worker) drain() error {
	w.mu.Lock()
	w.status = "draining"
	remaining := len(w.sessions)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	w.beat(ctx)

	if remaining == 0 {
		return nil
	}
	w.logger.Info("draining", "active_calls", remaining)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			left := len(w.sessions)
			w.mu.Unlock()
			if left > 0 {
				w.logger.Warn("drain timeout with calls in flight", "active_calls", left)
			}
			return nil
		case <-ticker.C:
			w.mu.Lock()
			left := len(w.sessions)
			w.mu.Unlock()
			if left == 0 {
				return nil
			}
		}
	}
}

// mediaStream adapts the external-media socket to the pipeline's audio
// output. The wire carries raw 16 kHz linear PCM binary frames.
type mediaStream struct {
	conn *websocket.Conn
	ser  L16Stream

	mu sync.Mutex
}

// L16Stream is the broker's wire codec.
type L16Stream = telephony.L16Serializer

func (s *mediaStream) WriteAudioFrame(ctx context.Context, pcm []byte, sampleRate int) bool {
	data := s.ser.Encode(pcm, sampleRate)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageBinary, data) == nil
}

// HandleMedia serves one external-media WebSocket connection: it identifies
// the call from the query parameters the manager put on the media URL, builds
// the session, and pumps caller audio until the socket drops.
func (w *Worker) HandleMedia(ctx context.Context, rw http.ResponseWriter, r *http.Request) error {
	w.mu.Lock()
	draining := w.status != "ready"
	w.mu.Unlock()
	if draining {
		http.Error(rw, "draining", http.StatusServiceUnavailable)
		return nil
	}

	q := r.URL.Query()
	info := telephony.StartInfo{
		CallID:        q.Get("channel_id"),
		WorkflowRunID: q.Get("workflow_run_id"),
		WorkflowID:    q.Get("workflow_id"),
		UserID:        q.Get("user_id"),
	}
	if info.WorkflowRunID == "" {
		http.Error(rw, "missing workflow_run_id", http.StatusBadRequest)
		return fmt.Errorf("stasis: media socket without workflow_run_id")
	}

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return fmt.Errorf("stasis: accept media socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "call ended")
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := &mediaStream{conn: conn}
	session, err := w.factory(ctx, stream, info)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return fmt.Errorf("stasis: build call session: %w", err)
	}
	w.register(info.CallID, session)
	defer w.unregister(info.CallID)

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	rate := stream.ser.WireRate()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			session.Hangup(context.Background())
			return <-runErr
		}
		if typ != websocket.MessageBinary {
			continue
		}
		session.PushAudio(stream.ser.Decode(data), rate)
	}
}
