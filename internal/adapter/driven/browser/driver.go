// Package browser implements the BrowserDriver port against a headless
// browser sidecar. The sidecar owns the page steps of the login form; this
// package only hands it the account details and reads back the session cookie.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BrowserDriver = (*Driver)(nil)

// DefaultTimeout bounds one complete login flow in the sidecar. Page loads
// and form submission are slow, so it is well above the query timeout.
const DefaultTimeout = 90 * time.Second

// maxErrorBody caps how much of a failed response is copied into the error.
const maxErrorBody = 512

// Driver calls POST {baseURL}/login on the sidecar.
type Driver struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewDriver creates a Driver with its own http.Client.
func NewDriver(baseURL string, timeout time.Duration, logger *slog.Logger) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewDriverWithHTTPClient(&http.Client{Timeout: timeout}, baseURL, logger)
}

// NewDriverWithHTTPClient creates a Driver using httpClient. Tests point it at
// an httptest server.
func NewDriverWithHTTPClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

type loginRequest struct {
	LoginURL string `json:"loginUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token      string `json:"token"`
	CookieName string `json:"cookieName"`
	LifetimeMs int64  `json:"lifetimeMs"`
	Error      string `json:"error"`
}

// Login runs the sidecar's login flow. Every failure wraps
// model.ErrLoginFailure; the caller decides whether to retry.
func (d *Driver) Login(ctx context.Context, creds model.AccountCredentials, loginURL string) (*model.LoginResult, error) {
	if !creds.Configured() {
		return nil, fmt.Errorf("account credentials incomplete: %w", model.ErrConfiguration)
	}

	body, err := json.Marshal(loginRequest{
		LoginURL: loginURL,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling browser driver: %v: %w", err, model.ErrLoginFailure)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("browser driver returned status %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(snippet)), model.ErrLoginFailure)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding browser driver response: %v: %w", err, model.ErrLoginFailure)
	}
	if out.Token == "" {
		reason := out.Error
		if reason == "" {
			reason = "no session cookie after login"
		}
		return nil, fmt.Errorf("browser driver: %s: %w", reason, model.ErrLoginFailure)
	}

	d.logger.Info("browser login completed",
		"cookie", out.CookieName,
		"lifetime", time.Duration(out.LifetimeMs)*time.Millisecond,
		"duration", time.Since(start),
	)

	return &model.LoginResult{
		TokenValue:       out.Token,
		CookieName:       out.CookieName,
		ObservedLifetime: time.Duration(out.LifetimeMs) * time.Millisecond,
	}, nil
}
