package stasis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/store"
)

const (
	// ProviderName is the provider discriminator for the broker family.
	ProviderName = "stasis"

	// reloadInterval is how often telephony configs are rescanned for new or
	// changed organizations.
	reloadInterval = time.Minute

	// workerTTL is how long a heartbeat keeps a worker eligible.
	workerTTL = 30 * time.Second

	// channelMappingTTL bounds the channel-to-run and teardown records.
	channelMappingTTL = time.Hour
)

// workersKey is the sorted set of worker heartbeats (score = unix millis).
const workersKey = "workers"

// WorkerKey holds a worker's heartbeat payload.
func WorkerKey(id string) string { return "worker:" + id }

// WorkerEventsChannel is the per-worker fan-out channel.
func WorkerEventsChannel(id string) string { return "worker:" + id + ":events" }

// ChannelRunKey maps a provider channel to its workflow run.
func ChannelRunKey(channelID string) string { return "ari:channel:" + channelID }

// callStateKey holds what the manager needs to tear a call down.
func callStateKey(channelID string) string { return "stasis:call:" + channelID }

// heartbeat is the worker's advertised state.
type heartbeat struct {
	Status      string `json:"status"` // ready or draining
	ActiveCalls int    `json:"active_calls"`
}

// callState is the manager's teardown record for one bridged call.
type callState struct {
	WorkerID       string `json:"worker_id"`
	BridgeID       string `json:"bridge_id"`
	MediaChannelID string `json:"media_channel_id"`
	OrganizationID string `json:"organization_id"`
}

// Manager is the singleton broker process: it owns the per-organization
// provider event sockets and assigns calls to workers.
type Manager struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	// mediaWSBase is the ws:// base workers serve external media on.
	mediaWSBase string

	// newClient builds the provider client for an organization's credentials.
	// Swapped in tests.
	newClient func(cfg *store.TelephonyConfig) *Client

	mu    sync.Mutex
	conns map[string]*orgConn
}

type orgConn struct {
	cancel    context.CancelFunc
	updatedAt time.Time
}

// NewManager wires the broker manager.
func NewManager(st *store.Store, b *bus.Bus, mediaWSBase string, logger *slog.Logger) *Manager {
	return &Manager{
		store:       st,
		bus:         b,
		logger:      logger.With("component", "stasis_manager"),
		mediaWSBase: mediaWSBase,
		newClient: func(cfg *store.TelephonyConfig) *Client {
			return NewClient(ClientConfig{
				BaseURL:  cfg.Credentials["base_url"],
				App:      cfg.Credentials["app"],
				Username: cfg.Credentials["username"],
				Password: cfg.Credentials["password"],
			})
		},
		conns: map[string]*orgConn{},
	}
}

// Run reloads configs and supervises per-organization event loops until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.reload(ctx)
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, c := range m.conns {
				c.cancel()
			}
			m.mu.Unlock()
			return nil
		case <-ticker.C:
			m.reload(ctx)
		}
	}
}

// reload synchronizes the connection set with the stored configs: new or
// changed organizations get a fresh event loop, removed ones are dropped.
func (m *Manager) reload(ctx context.Context) {
	configs, err := m.store.ListTelephonyConfigsByProvider(ctx, ProviderName)
	if err != nil {
		m.logger.Error("reload telephony configs", "error", err)
		return
	}

	seen := map[string]bool{}
	for _, cfg := range configs {
		seen[cfg.OrganizationID] = true
		m.mu.Lock()
		existing := m.conns[cfg.OrganizationID]
		m.mu.Unlock()
		if existing != nil {
			if !cfg.UpdatedAt.After(existing.updatedAt) {
				continue
			}
			existing.cancel() // credentials changed, reconnect
		}

		orgCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.conns[cfg.OrganizationID] = &orgConn{cancel: cancel, updatedAt: cfg.UpdatedAt}
		m.mu.Unlock()
		go m.orgLoop(orgCtx, cfg)
	}

	m.mu.Lock()
	for orgID, c := range m.conns {
		if !seen[orgID] {
			c.cancel()
			delete(m.conns, orgID)
		}
	}
	m.mu.Unlock()
}

// orgLoop keeps one organization's event socket alive, reconnecting with
// exponential backoff capped at five minutes.
func (m *Manager) orgLoop(ctx context.Context, cfg *store.TelephonyConfig) {
	client := m.newClient(cfg)
	logger := m.logger.With("org_id", cfg.OrganizationID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute

	for {
		connectedAt := time.Now()
		err := m.consumeEvents(ctx, client, cfg.OrganizationID)
		if ctx.Err() != nil {
			return
		}
		if time.Since(connectedAt) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		logger.Warn("event socket dropped, reconnecting", "error", err, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) consumeEvents(ctx context.Context, client *Client, orgID string) error {
	events := make(chan providerEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- client.Events(ctx, events) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case ev := <-events:
			switch ev.Type {
			case "StasisStart":
				if err := m.handleStart(ctx, client, orgID, ev); err != nil {
					m.logger.Error("stasis start failed", "org_id", orgID, "error", err)
				}
			case "StasisEnd":
				if err := m.handleEnd(ctx, client, ev); err != nil {
					m.logger.Error("stasis end failed", "org_id", orgID, "error", err)
				}
			}
		}
	}
}

// handleStart bridges a newly started channel with an external-media leg and
// assigns the call to the least-loaded ready worker.
func (m *Manager) handleStart(ctx context.Context, client *Client, orgID string, ev providerEvent) error {
	if ev.Channel == nil {
		return errors.New("stasis: start event without channel")
	}
	vars := parseArgs(ev.Args)
	runID := vars["workflow_run_id"]
	if runID == "" {
		return fmt.Errorf("stasis: channel %s has no workflow_run_id", ev.Channel.ID)
	}

	// External media legs trigger their own StasisStart; they carry a marker
	// arg and need no handling of their own.
	if vars["external_media"] == "true" {
		return nil
	}

	if err := client.Answer(ctx, ev.Channel.ID); err != nil {
		return err
	}

	mediaURL := m.mediaWSBase + "?" + url.Values{
		"workflow_run_id": {runID},
		"workflow_id":     {vars["workflow_id"]},
		"user_id":         {vars["user_id"]},
		"channel_id":      {ev.Channel.ID},
	}.Encode()
	mediaID, err := client.ExternalMedia(ctx, mediaURL, "slin16")
	if err != nil {
		return err
	}

	bridgeID, err := client.CreateBridge(ctx)
	if err != nil {
		return err
	}
	if err := client.AddToBridge(ctx, bridgeID, ev.Channel.ID); err != nil {
		return err
	}
	if err := client.AddToBridge(ctx, bridgeID, mediaID); err != nil {
		return err
	}

	workerID, err := m.pickWorker(ctx)
	if err != nil {
		return err
	}

	start := StartEvent{
		ChannelID:      ev.Channel.ID,
		MediaChannelID: mediaID,
		BridgeID:       bridgeID,
		OrganizationID: orgID,
		WorkflowRunID:  runID,
		WorkflowID:     vars["workflow_id"],
		UserID:         vars["user_id"],
		MediaAddress:   mediaURL,
		Vars:           vars,
	}
	payload, err := EncodeEvent(start)
	if err != nil {
		return err
	}

	state, err := json.Marshal(callState{
		WorkerID:       workerID,
		BridgeID:       bridgeID,
		MediaChannelID: mediaID,
		OrganizationID: orgID,
	})
	if err != nil {
		return fmt.Errorf("stasis: marshal call state: %w", err)
	}
	if err := m.bus.Set(ctx, callStateKey(ev.Channel.ID), state, channelMappingTTL); err != nil {
		return err
	}
	if err := m.bus.Set(ctx, ChannelRunKey(ev.Channel.ID), []byte(runID), channelMappingTTL); err != nil {
		return err
	}

	if err := m.bus.Publish(ctx, WorkerEventsChannel(workerID), payload); err != nil {
		return err
	}
	m.logger.Info("call assigned",
		"channel_id", ev.Channel.ID, "run_id", runID, "worker_id", workerID)
	return nil
}

// handleEnd notifies the owning worker and tears the bridge and both legs
// down, tolerating already-gone resources.
func (m *Manager) handleEnd(ctx context.Context, client *Client, ev providerEvent) error {
	if ev.Channel == nil {
		return errors.New("stasis: end event without channel")
	}
	raw, err := m.bus.Get(ctx, callStateKey(ev.Channel.ID))
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil // media leg or a call this manager never bridged
		}
		return err
	}
	var state callState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("stasis: decode call state: %w", err)
	}

	payload, err := EncodeEvent(EndEvent{ChannelID: ev.Channel.ID})
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, WorkerEventsChannel(state.WorkerID), payload); err != nil {
		m.logger.Error("notify worker of hangup", "worker_id", state.WorkerID, "error", err)
	}

	if err := client.DeleteBridge(ctx, state.BridgeID); err != nil {
		m.logger.Warn("delete bridge", "bridge_id", state.BridgeID, "error", err)
	}
	if err := client.HangupChannel(ctx, state.MediaChannelID); err != nil {
		m.logger.Warn("hangup media channel", "channel_id", state.MediaChannelID, "error", err)
	}
	if err := client.HangupChannel(ctx, ev.Channel.ID); err != nil {
		m.logger.Warn("hangup channel", "channel_id", ev.Channel.ID, "error", err)
	}

	return m.bus.Delete(ctx, callStateKey(ev.Channel.ID), ChannelRunKey(ev.Channel.ID))
}

// pickWorker chooses the ready worker with the fewest active calls among
// those with a fresh heartbeat.
func (m *Manager) pickWorker(ctx context.Context) (string, error) {
	now := time.Now()
	stale := float64(now.Add(-workerTTL).UnixMilli())
	if _, err := m.bus.ZRemRangeByScore(ctx, workersKey, 0, stale); err != nil {
		m.logger.Warn("prune stale workers", "error", err)
	}
	ids, err := m.bus.ZRangeByScore(ctx, workersKey, stale, float64(now.UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("stasis: list workers: %w", err)
	}

	best := ""
	bestLoad := -1
	for _, id := range ids {
		raw, err := m.bus.Get(ctx, WorkerKey(id))
		if err != nil {
			continue
		}
		var hb heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil || hb.Status != "ready" {
			continue
		}
		if bestLoad == -1 || hb.ActiveCalls < bestLoad {
			best, bestLoad = id, hb.ActiveCalls
		}
	}
	if best == "" {
		return "", errors.New("stasis: no ready worker")
	}
	return best, nil
}
