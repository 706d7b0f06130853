package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReservationClient = (*AuthClient)(nil)

// DefaultCookieName is used when the login did not report a cookie name.
const DefaultCookieName = "PHPSESSID"

const (
	adminPrefix      = "/admin"
	reservationsPath = "/admin/api/reservations"
)

// AuthClient performs privileged platform calls with the current session
// cookie. A 401 or 403 triggers exactly one forced refresh and replay.
type AuthClient struct {
	http     *http.Client
	sessions driven.SessionProvider
	baseURL  string
	origin   string
	facility string
	location *time.Location
	logger   *slog.Logger

	totalCalls    atomic.Int64
	successes     atomic.Int64
	failures      atomic.Int64
	authRefreshes atomic.Int64
}

// NewAuthClient creates an AuthClient. The http.Client carries no cache:
// admin responses are per-session.
func NewAuthClient(cfg Config, sessions driven.SessionProvider, location *time.Location, logger *slog.Logger) (*AuthClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewAuthClientWithHTTPClient(&http.Client{Timeout: timeout}, cfg, sessions, location, logger)
}

// NewAuthClientWithHTTPClient creates an AuthClient on httpClient.
func NewAuthClientWithHTTPClient(
	httpClient *http.Client,
	cfg Config,
	sessions driven.SessionProvider,
	location *time.Location,
	logger *slog.Logger,
) (*AuthClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute: %w", cfg.BaseURL, model.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}

	return &AuthClient{
		http:     httpClient,
		sessions: sessions,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		origin:   u.Scheme + "://" + u.Host,
		facility: cfg.FacilityID,
		location: location,
		logger:   logger,
	}, nil
}

// Do sends an authenticated request. If the platform rejects the session,
// the token is force-refreshed and the request replayed once. A second
// rejection returns the response together with an error wrapping
// model.ErrAuthRejected; the caller must close the body in both cases.
func (c *AuthClient) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	c.totalCalls.Add(1)

	rec, err := c.sessions.GetToken(ctx)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("getting session token: %w", err)
	}

	resp, err := c.send(ctx, method, path, body, rec)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	if isAuthRejection(resp.StatusCode) {
		status := resp.StatusCode
		drain(resp)

		rec, err = c.renew(ctx, rec, path, status)
		if err != nil {
			c.failures.Add(1)
			return nil, fmt.Errorf("refreshing session after status %d: %w", status, err)
		}

		resp, err = c.send(ctx, method, path, body, rec)
		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		if isAuthRejection(resp.StatusCode) {
			c.failures.Add(1)
			return resp, fmt.Errorf("%s %s: status %d after refresh: %w",
				method, path, resp.StatusCode, model.ErrAuthRejected)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
	return resp, nil
}

// CreateReservation books r. A rejected booking is not an error: Success is
// false and ErrorPayload holds the platform's error body unmodified.
func (c *AuthClient) CreateReservation(ctx context.Context, r model.Reservation) (*model.ReservationResult, error) {
	start := r.Start.In(c.location)
	body, err := json.Marshal(reservationRequest{
		ServiceID: r.ServiceID,
		WorkerID:  r.WorkerID,
		Date:      start.Format(time.DateOnly),
		Time:      start.Format("15:04"),
		Name:      r.Name,
		Email:     r.Email,
		Phone:     r.Phone,
		Note:      r.Note,
		Facility:  c.facility,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding reservation: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, reservationsPath, body)
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading reservation response: %w", err)
	}

	var out reservationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// Not JSON: surface the body as a JSON string so it stays intact.
		payload, _ := json.Marshal(string(raw))
		return &model.ReservationResult{ErrorPayload: payload}, nil
	}

	if out.Success && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &model.ReservationResult{Success: true, ReservationID: string(out.Data.ID)}, nil
	}

	payload := json.RawMessage(raw)
	if len(out.Errors) > 0 && string(out.Errors) != "null" {
		payload = out.Errors
	}
	return &model.ReservationResult{ErrorPayload: payload}, nil
}

// Stats returns a snapshot of the call counters.
func (c *AuthClient) Stats() model.ClientStats {
	return model.ClientStats{
		TotalCalls:    c.totalCalls.Load(),
		Successes:     c.successes.Load(),
		Failures:      c.failures.Load(),
		AuthRefreshes: c.authRefreshes.Load(),
	}
}

// renew returns the token to replay with after rejected was refused. When
// another call already replaced the rejected record, its successor is reused
// instead of forcing a second login.
func (c *AuthClient) renew(ctx context.Context, rejected model.CredentialRecord, path string, status int) (model.CredentialRecord, error) {
	if current, err := c.sessions.GetToken(ctx); err == nil && current.ID != rejected.ID {
		c.logger.Info("session rejected, replaying with newer token", "path", path, "status", status)
		return current, nil
	}

	c.authRefreshes.Add(1)
	c.logger.Warn("session rejected, refreshing", "path", path, "status", status)
	return c.sessions.ForceRefresh(ctx)
}

func (c *AuthClient) send(ctx context.Context, method, path string, body []byte, rec model.CredentialRecord) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}

	cookie := rec.CookieName
	if cookie == "" {
		cookie = DefaultCookieName
	}
	req.Header.Set("Cookie", cookie+"="+rec.TokenValue)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.HasPrefix(path, adminPrefix) {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+adminPrefix+"/")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func isAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
