package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the control API of a running panel.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // e.g. http://127.0.0.1:8130/api
	Timeout  time.Duration
	Logger   *slog.Logger // optional
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // server name for verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8130/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A CA file that cannot be loaded is an error so a
// typo does not silently fall back to the system roots.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if a panel answers on the base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	var apiErr *APIError
	reachable := err == nil || (errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusNotFound)
	c.logger.Debug("Panel reachability check", "reachable", reachable, "error", err)
	return reachable
}

// Status returns the worker status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start launches the worker. A 409 or 412 APIError means the worker is
// already running or the settings are incomplete.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Debug("Starting worker", "url", c.baseURL)
	return c.do(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop requests termination of the worker.
func (c *Client) Stop(ctx context.Context) error {
	c.logger.Debug("Stopping worker", "url", c.baseURL)
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// Reap terminates stray worker instances on the panel's host.
func (c *Client) Reap(ctx context.Context) (ReapReport, error) {
	var rep ReapReport
	err := c.do(ctx, http.MethodPost, "/reap", nil, &rep)
	return rep, err
}

// LogSince returns buffered log text after sequence number since.
func (c *Client) LogSince(ctx context.Context, since uint64) (LogPage, error) {
	var page LogPage
	err := c.do(ctx, http.MethodGet, "/log?since="+strconv.FormatUint(since, 10), nil, &page)
	return page, err
}

// Settings returns the recognized settings with API keys masked.
func (c *Client) Settings(ctx context.Context) (map[string]string, error) {
	var vals map[string]string
	err := c.do(ctx, http.MethodGet, "/settings", nil, &vals)
	return vals, err
}

// UpdateSettings validates and saves values on the panel.
func (c *Client) UpdateSettings(ctx context.Context, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPut, "/settings", data, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends body (JSON, may be nil) and decodes a 200 response into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", redact(req.URL))
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-200 response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return apiErr
	}
	apiErr.Message = errorResp.Error
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return apiErr
}

func redact(u *url.URL) string {
	return u.Redacted()
}
