package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const apiPrefix = "/api/v1"

// ErrEmptyURL is returned when no API address is configured.
var ErrEmptyURL = errors.New("blectl: api url is empty")

// APIError is a structured error returned by the link service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// Client talks to the link service REST API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient creates a client for the service at rawURL, e.g.
// http://localhost:8090. An empty token sends no Authorization header.
func NewClient(rawURL, token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", rawURL)
	}
	return &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + apiPrefix + path
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.Error
		if json.Unmarshal(body, &apiErr) != nil || apiErr.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Status: apiErr.Status, Code: apiErr.Code, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Devices returns the registry snapshot in discovery order.
func (c *Client) Devices(ctx context.Context) ([]device.Device, error) {
	var resp struct {
		Devices []device.Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Stats returns the per-state device counts.
func (c *Client) Stats(ctx context.Context) (device.Stats, error) {
	var stats device.Stats
	err := c.do(ctx, http.MethodGet, "/devices/stats", &stats)
	return stats, err
}

// Scan runs one discovery window.
func (c *Client) Scan(ctx context.Context) (link.ScanResult, error) {
	var res link.ScanResult
	err := c.do(ctx, http.MethodPost, "/scan", &res)
	return res, err
}

// ConnectAll connects every disconnected device.
func (c *Client) ConnectAll(ctx context.Context) (api.BulkResponse, error) {
	var res api.BulkResponse
	err := c.do(ctx, http.MethodPost, "/connect-all", &res)
	return res, err
}

// DisconnectAll disconnects every connected device.
func (c *Client) DisconnectAll(ctx context.Context) (api.BulkResponse, error) {
	var res api.BulkResponse
	err := c.do(ctx, http.MethodPost, "/disconnect-all", &res)
	return res, err
}

// Toggle connects or disconnects one device and returns its new state.
func (c *Client) Toggle(ctx context.Context, id string) (device.ConnectionState, error) {
	var resp struct {
		State device.ConnectionState `json:"state"`
	}
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/toggle", &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// WatchDevices subscribes to device snapshots over the WebSocket and calls
// fn for each one until ctx is cancelled or the connection drops.
func (c *Client) WatchDevices(ctx context.Context, fn func([]device.Device)) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += apiPrefix + "/ws"
	if c.token != "" {
		wsURL.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s%s: %w", wsURL.Host, wsURL.Path, err)
	}
	defer conn.Close()

	sub := api.WSMessage{
		Type:    api.WSTypeSubscribe,
		Payload: api.WSSubscribePayload{Channels: []string{api.ChannelDevices}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	// Unblock ReadJSON on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg struct {
			Type      string          `json:"type"`
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading websocket: %w", err)
		}
		if msg.Type != api.WSTypeEvent || msg.EventType != api.ChannelDevices {
			continue
		}
		var devices []device.Device
		if err := json.Unmarshal(msg.Payload, &devices); err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}
		fn(devices)
	}
}
