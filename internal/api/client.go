// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the chat backend: the per-turn
// stream channel, the plain request channel, and the last-message lookup
// used by recovery.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/courier/internal/turn"
)

// Configuration constants for the backend API.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// streamPath, sendPath and sessionsPath are the backend routes.
	streamPath   = "/api/chat/stream"
	sendPath     = "/api/chat"
	sessionsPath = "/api/sessions/"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for all non-streaming requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamClient is used for stream attempts (no timeout, the
	// attempt context bounds the exchange).
	sharedStreamClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoBaseURL indicates the client was built without a backend URL.
	ErrNoBaseURL = errors.New("backend base URL not configured")
)

// APIError represents an error response from the backend.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d)", e.Status)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat backend over HTTP.
type Client struct {
	baseURL   string
	userAgent string
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: "courier/0.1.0",
	}
}

// WithUserAgent overrides the User-Agent header.
func (c *Client) WithUserAgent(ua string) *Client {
	c.userAgent = ua
	return c
}

// sendPayload is the outbound body for both the stream and request channels.
type sendPayload struct {
	Message string `json:"message"`
	Session string `json:"session"`
	Image   string `json:"image,omitempty"`
}

// payloadFor builds the outbound body for a turn.
func payloadFor(t *turn.Turn) sendPayload {
	p := sendPayload{Message: t.InputText, Session: t.SessionID}
	if t.Attachment != nil {
		p.Image = t.Attachment.Ref
	}
	return p
}

// newRequest builds a JSON POST for the given route.
func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// readBody reads a response body with the size limit applied.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// errorFrom converts a non-200 response into an APIError.
func errorFrom(resp *http.Response) error {
	body, _ := readBody(resp)

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return &APIError{Status: resp.StatusCode, Message: payload.Error.Message}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// =============================================================================
// REQUEST CHANNEL
// =============================================================================

// SendResponse is the complete response of a non-streaming exchange,
// equivalent to a single done event.
type SendResponse struct {
	FullText       string `json:"full_text"`
	Model          string `json:"model"`
	ComplexityTier string `json:"complexity_tier"`
}

// Send performs the plain request exchange for a turn: one POST, one
// complete response. It is the transport of last resort; its failure is
// terminal for the turn.
func (c *Client) Send(ctx context.Context, t *turn.Turn) (*SendResponse, error) {
	req, err := c.newRequest(ctx, sendPath, payloadFor(t))
	if err != nil {
		return nil, err
	}

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFrom(resp)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var out SendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// =============================================================================
// LAST-MESSAGE LOOKUP
// =============================================================================

// LastMessage is the most recent message of a session together with the
// session's monotonically increasing message count.
type LastMessage struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Model string `json:"model"`
	Count int    `json:"count"`
}

// LastMessage fetches the lookup used by the recovery agent to detect
// whether a turn started before a reload actually finished.
func (c *Client) LastMessage(ctx context.Context, sessionID string) (*LastMessage, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}

	url := c.baseURL + sessionsPath + sessionID + "/last"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFrom(resp)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var out LastMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lookup response: %w", err)
	}
	return &out, nil
}
