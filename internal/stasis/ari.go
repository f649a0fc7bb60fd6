package stasis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Client is a minimal REST client for the provider's call-control API plus
// its event WebSocket. One client serves one organization's account.
type Client struct {
	base     string // e.g. https://pbx.example.com/ari
	app      string
	username string
	password string
	http     *http.Client
}

// ClientConfig identifies one provider account.
type ClientConfig struct {
	BaseURL  string
	App      string
	Username string
	Password string
}

// NewClient builds a call-control client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		app:      cfg.App,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("stasis: marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("stasis: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, method, path, query, nil)
	if err != nil {
		return fmt.Errorf("stasis: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("stasis: %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// callIgnore404 is call for teardown paths where the resource may already be
// gone.
func (c *Client) callIgnore404(ctx context.Context, method, path string) error {
	resp, err := c.do(ctx, method, path, nil, nil)
	if err != nil {
		return fmt.Errorf("stasis: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stasis: %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

type channelRef struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Originate dials an endpoint into the broker's application, tagging the
// channel with routing variables delivered back in the start event args.
func (c *Client) Originate(ctx context.Context, endpoint, callerID string, vars map[string]string) (string, error) {
	q := url.Values{}
	q.Set("endpoint", endpoint)
	q.Set("app", c.app)
	if callerID != "" {
		q.Set("callerId", callerID)
	}
	args := make([]string, 0, len(vars))
	for k, v := range vars {
		args = append(args, k+"="+v)
	}
	if len(args) > 0 {
		q.Set("appArgs", strings.Join(args, ","))
	}
	var ch channelRef
	if err := c.call(ctx, http.MethodPost, "/channels", q, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Answer picks up a ringing channel. Answering an already-up channel is a
// no-op on the provider side.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.call(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// ChannelState fetches the current state of a channel.
func (c *Client) ChannelState(ctx context.Context, channelID string) (string, error) {
	var ch channelRef
	if err := c.call(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return "", err
	}
	return ch.State, nil
}

// ExternalMedia creates a media channel whose far end is a WebSocket client
// dialing mediaURL. Routing parameters ride in the URL's query string.
func (c *Client) ExternalMedia(ctx context.Context, mediaURL, format string) (string, error) {
	q := url.Values{}
	q.Set("app", c.app)
	q.Set("external_host", mediaURL)
	q.Set("transport", "websocket")
	q.Set("encapsulation", "none")
	q.Set("format", format)
	var ch channelRef
	if err := c.call(ctx, http.MethodPost, "/channels/externalMedia", q, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// CreateBridge makes a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("type", "mixing")
	var br struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/bridges", q, &br); err != nil {
		return "", err
	}
	return br.ID, nil
}

// AddToBridge joins a channel to a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.call(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil)
}

// DeleteBridge tears down a bridge, tolerating it being gone already.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.callIgnore404(ctx, http.MethodDelete, "/bridges/"+bridgeID)
}

// HangupChannel drops a channel, tolerating it being gone already.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	return c.callIgnore404(ctx, http.MethodDelete, "/channels/"+channelID)
}

// Events opens the provider event socket and streams decoded events until ctx
// is cancelled or the socket drops.
func (c *Client) Events(ctx context.Context, out chan<- providerEvent) error {
	wsURL := strings.Replace(c.base, "http", "ws", 1) + "/events?" + url.Values{
		"app":     {c.app},
		"api_key": {c.username + ":" + c.password},
	}.Encode()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("stasis: dial event socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("stasis: event socket read: %w", err)
		}
		var ev providerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
