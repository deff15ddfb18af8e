// Package sdk provides the NeuroLoop Go client for the backend's REST
// and WebSocket surfaces.
//
// Three integration patterns:
//
//  1. Control: create a session, connect a device, start streaming
//  2. Push: feed externally acquired sample batches into a stream
//  3. Subscribe: consume classification, quality and alert frames live
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "http://localhost:8080",
//	})
//
//	session, err := client.CreateSession(ctx, "patient-042", "overnight")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.EndSession(ctx, session.ID)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the NeuroLoop SDK configuration.
type Config struct {
	// BaseURL is the backend endpoint (required)
	// Examples: "https://neuroloop.example.com", "http://localhost:8080"
	BaseURL string

	// APIKey authenticates requests when the deployment fronts the
	// service with an auth proxy; sent as a bearer token when set
	APIKey string

	// Timeout bounds each HTTP call (default 30s)
	Timeout time.Duration

	// HTTPClient overrides the default client, e.g. for custom TLS
	HTTPClient *http.Client
}

// Client talks to one NeuroLoop backend.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new NeuroLoop SDK client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// apiError is the backend's error envelope.
type apiError struct {
	Error string `json:"error"`
}

// do issues one JSON round-trip. A nil body sends no payload; a nil out
// discards the response body after status checking.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sdk: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sdk: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("sdk: %s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("sdk: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("sdk: parse response: %w", err)
	}
	return nil
}

// Health reports the backend's component health map.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Sessions ---

// CreateSession starts a recording session. At most one session is
// active at a time; creating a second one fails until the first ends.
func (c *Client) CreateSession(ctx context.Context, userID, name string) (*Session, error) {
	req := map[string]string{"user_id": userID, "name": name}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns every session the backend knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession fetches one session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession terminates a session. Ended sessions cannot be resumed.
func (c *Client) EndSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// PauseSession suspends data attribution without ending the session.
func (c *Client) PauseSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/pause", nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ResumeSession reactivates a paused session.
func (c *Client) ResumeSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/resume", nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// --- Devices ---

// ListDevices returns the registry view of every managed device.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceStatus, error) {
	var devices []DeviceStatus
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DiscoverDevices runs one discovery round across all enabled protocols.
func (c *Client) DiscoverDevices(ctx context.Context) (*DiscoveryResult, error) {
	var result DiscoveryResult
	if err := c.do(ctx, http.MethodPost, "/api/devices/discover", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConnectDevice connects a registered device, or instantiates and
// connects a discovered one when the ID matches a discovery record.
// A nil opts lets the backend derive connection parameters from the
// discovery record.
func (c *Client) ConnectDevice(ctx context.Context, deviceID string, opts *ConnectOptions) (*DeviceState, error) {
	var body interface{}
	if opts != nil {
		body = opts
	}
	var state DeviceState
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/connect", body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// DisconnectDevice disconnects a device. Disconnect is also the only
// way out of the ERROR state.
func (c *Client) DisconnectDevice(ctx context.Context, deviceID string) (*DeviceState, error) {
	var state DeviceState
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/disconnect", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StartStreaming begins sample acquisition on a connected device.
func (c *Client) StartStreaming(ctx context.Context, deviceID string) (*DeviceState, error) {
	var state DeviceState
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/stream/start", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StopStreaming halts acquisition and returns the device to CONNECTED.
func (c *Client) StopStreaming(ctx context.Context, deviceID string) (*DeviceState, error) {
	var state DeviceState
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/stream/stop", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CheckImpedance measures electrode impedance on a connected device.
// Streaming devices refuse the check; stop streaming first.
func (c *Client) CheckImpedance(ctx context.Context, deviceID string) (*ImpedanceReport, error) {
	var report ImpedanceReport
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(deviceID)+"/impedance", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// CreatePairing issues a one-time pairing code for a device. The code
// is returned exactly once.
func (c *Client) CreatePairing(ctx context.Context, deviceID, name string) (*PairingTicket, error) {
	req := map[string]string{"name": name}
	var ticket PairingTicket
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/pair", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// CompletePairing redeems a pairing code. Expired or already-used
// codes fail with a Gone status.
func (c *Client) CompletePairing(ctx context.Context, code string) (*PairingStatus, error) {
	req := map[string]string{"code": code}
	var status PairingStatus
	if err := c.do(ctx, http.MethodPost, "/api/pair", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RevokePairing invalidates a device's pairing.
func (c *Client) RevokePairing(ctx context.Context, deviceID string) (*PairingStatus, error) {
	var status PairingStatus
	if err := c.do(ctx, http.MethodDelete, "/api/devices/"+url.PathEscape(deviceID)+"/pair", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// --- Sample ingest ---

// PushSamples feeds one channel-major sample batch into the named
// stream, bypassing the device manager. The active session is stamped
// server-side.
func (c *Client) PushSamples(ctx context.Context, stream string, batch *SampleBatch) (*IngestResult, error) {
	var result IngestResult
	if err := c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(stream)+"/samples", batch, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Signal quality ---

// Quality returns the latest quality summary for every monitored stream.
func (c *Client) Quality(ctx context.Context) (*QualityOverview, error) {
	var overview QualityOverview
	if err := c.do(ctx, http.MethodGet, "/api/quality", nil, &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

// StreamQuality returns the latest quality summary for one stream.
func (c *Client) StreamQuality(ctx context.Context, stream string) (*QualitySummary, error) {
	var summary QualitySummary
	if err := c.do(ctx, http.MethodGet, "/api/quality/"+url.PathEscape(stream), nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// --- Ledger ---

// VerifyChain checks hash-chain integrity over [start, end]. Zero times
// anchor the range at genesis and now respectively.
func (c *Client) VerifyChain(ctx context.Context, start, end time.Time) (*VerificationReport, error) {
	query := url.Values{}
	if !start.IsZero() {
		query.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		query.Set("end", end.UTC().Format(time.RFC3339))
	}
	path := "/api/ledger/verify"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var report VerificationReport
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RecentEvents returns the newest ledger events, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int) (*EventList, error) {
	path := "/api/ledger/recent"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var list EventList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetEvent fetches one ledger event by ID from the document tier.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*LedgerEvent, error) {
	var event LedgerEvent
	if err := c.do(ctx, http.MethodGet, "/api/ledger/events/"+url.PathEscape(eventID), nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// SessionEvents returns the audit trail of one session in chain order.
func (c *Client) SessionEvents(ctx context.Context, sessionID string, limit int) (*EventList, error) {
	path := "/api/ledger/sessions/" + url.PathEscape(sessionID) + "/events"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var list EventList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// --- Webhooks ---

// RegisterWebhook subscribes a URL to alert and session events.
func (c *Client) RegisterWebhook(ctx context.Context, sub *WebhookSubscription) (*WebhookSubscription, error) {
	var created WebhookSubscription
	if err := c.do(ctx, http.MethodPost, "/api/webhooks", sub, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListWebhooks returns every registered subscription.
func (c *Client) ListWebhooks(ctx context.Context) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	if err := c.do(ctx, http.MethodGet, "/api/webhooks", nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// UnregisterWebhook removes a subscription by ID.
func (c *Client) UnregisterWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/webhooks/"+url.PathEscape(id), nil, nil)
}
