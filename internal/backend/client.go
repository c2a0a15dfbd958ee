// Package backend is the REST client for customer, campaign, billing and
// disposition records.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/auth"
	"github.com/rs/zerolog"
)

// ErrSessionExpired is returned when a 401 persists after one refresh
var ErrSessionExpired = errors.New("session expired")

// Envelope is the uniform response wrapper
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EnvelopeError is a well-formed response with success=false
type EnvelopeError struct {
	Path    string
	Message string
	Reason  string
}

func (e *EnvelopeError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request unsuccessful"
	}
	if e.Reason != "" {
		return fmt.Sprintf("POST %s: %s (%s)", e.Path, msg, e.Reason)
	}
	return fmt.Sprintf("POST %s: %s", e.Path, msg)
}

// ReasonOf extracts the backend's reason from an envelope error
func ReasonOf(err error) string {
	var env *EnvelopeError
	if errors.As(err, &env) {
		return env.Reason
	}
	return ""
}

// Client posts JSON requests to the backend API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     zerolog.Logger

	mu        sync.Mutex
	onExpired func()
}

// NewClient creates a new client for baseURL (no trailing slash)
func NewClient(baseURL string, tokens auth.TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokens: tokens,
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// OnSessionExpired registers f to run when a refresh after 401 fails
func (c *Client) OnSessionExpired(f func()) {
	c.mu.Lock()
	c.onExpired = f
	c.mu.Unlock()
}

// Post sends body to path and decodes the envelope's data into out (when
// out is non-nil). A 401 triggers exactly one refresh and retry.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, path, token, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Debug().Str("path", path).Msg("unauthorized, refreshing session")

		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			c.expired()
			return apperr.New(apperr.Auth, "POST "+path, fmt.Errorf("%w: %v", ErrSessionExpired, err))
		}
		resp, err = c.do(ctx, path, token, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			c.expired()
			return apperr.New(apperr.Auth, "POST "+path, ErrSessionExpired)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return apperr.New(apperr.Transport, "POST "+path, fmt.Errorf("API error: status %d", resp.StatusCode))
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.New(apperr.Transport, "POST "+path, fmt.Errorf("decode response: %w", err))
	}

	if !env.Success {
		return &EnvelopeError{Path: path, Message: env.Error, Reason: reasonFrom(env.Data)}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, path, token string, payload []byte) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "POST "+path, err)
	}
	return resp, nil
}

func (c *Client) expired() {
	c.mu.Lock()
	f := c.onExpired
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func reasonFrom(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var r struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return ""
	}
	return r.Reason
}
