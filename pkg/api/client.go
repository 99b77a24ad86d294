package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// DefaultClientTimeout bounds one client call.
const DefaultClientTimeout = 10 * time.Second

// StatusError is a non-2xx reply from a monitor.
type StatusError struct {
	Status      int
	Code        string
	Fingerprint string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("monitor returned %d", e.Status)
	}
	return fmt.Sprintf("monitor returned %d: %s", e.Status, e.Code)
}

// Client calls a monitor's HTTPS endpoints over mutual TLS, pinning the
// monitor's certificate fingerprint.
type Client struct {
	base string
	http *http.Client
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Addr is the monitor's control address (host:port).
	Addr string

	Identity            *identity.DeviceIdentity
	ExpectedFingerprint string

	Timeout time.Duration
}

// NewClient creates a pinned client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("monitor address is required")
	}
	tlsConfig, err := transport.NewClientTLSConfig(cfg.Identity, cfg.ExpectedFingerprint)
	if err != nil {
		return nil, err
	}
	// Plain HTTPS: the control ALPN is reserved for WebSocket upgrades.
	tlsConfig.NextProtos = []string{transport.ALPNHTTP11}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		base: "https://" + cfg.Addr,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: timeout,
				MaxIdleConns:        2,
				IdleConnTimeout:     transport.DefaultIdleTimeout,
			},
		},
	}, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, PathHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unpair calls POST /unpair, removing this device from the monitor's trust.
func (c *Client) Unpair(ctx context.Context, deviceID string) (*UnpairResponse, error) {
	var out UnpairResponse
	if err := c.do(ctx, http.MethodPost, PathUnpair, UnpairRequest{DeviceID: deviceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubscribeNoise calls POST /noise/subscribe.
func (c *Client) SubscribeNoise(ctx context.Context, req wire.NoiseSubscribe) (*SubscribeResponse, error) {
	req.RequestID = ""
	var out SubscribeResponse
	if err := c.do(ctx, http.MethodPost, PathSubscribe, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnsubscribeNoise calls POST /noise/unsubscribe.
func (c *Client) UnsubscribeNoise(ctx context.Context, req wire.NoiseUnsubscribe) (*UnsubscribeResponse, error) {
	req.RequestID = ""
	var out UnsubscribeResponse
	if err := c.do(ctx, http.MethodPost, PathUnsubscribe, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Status: resp.StatusCode}
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil {
			se.Code = e.Error
			se.Fingerprint = e.Fingerprint
		}
		return se
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	return nil
}
