// Package client provides the controller API client for agents.
//
// # Operations
//
// - Register: open a heartbeat session
// - Heartbeat: report results and receive new commands
//
// Any transport error or non-2xx response is returned as an error; retrying
// is the caller's decision.
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
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Version is sent in the User-Agent header.
var Version = "dev"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

// IsUnauthorized reports whether err is a 401 or 403 from the controller.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

// Client communicates with the controller.
type Client struct {
	baseURL    string
	hostname   string
	httpClient *http.Client

	username string
	password string
	token    string
}

// Config for the client.
type Config struct {
	BaseURL  string
	Hostname string

	// Basic auth, applied when Username is set
	Username string
	Password string
	// Bearer token, applied when set and Username is empty
	Token string

	HTTPClient         *http.Client
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	CACertFile         string
}

// NewClient creates a new controller client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	if cfg.HTTPClient == nil {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.CACertFile != "" {
			pem, err := os.ReadFile(cfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("reading ca cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in %s", cfg.CACertFile)
			}
			tlsCfg.RootCAs = pool
		}
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		hostname:   cfg.Hostname,
		httpClient: cfg.HTTPClient,
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.Token,
	}, nil
}

// Register opens a session with the controller.
func (c *Client) Register(ctx context.Context, reg types.Registration) (*types.RegistrationResponse, error) {
	var result types.RegistrationResponse
	if err := c.post(ctx, "/agent/v1/register/"+url.PathEscape(c.hostname), reg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat sends one heartbeat and returns the controller's response.
func (c *Client) Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	var result types.HeartbeatResponse
	if err := c.post(ctx, "/agent/v1/heartbeat/"+url.PathEscape(c.hostname), hb, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.readError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleet-agent/"+Version)
	switch {
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
