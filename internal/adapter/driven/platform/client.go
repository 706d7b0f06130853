// Package platform talks to the third-party booking platform. Client serves
// the public widget queries used for slot discovery; AuthClient serves the
// privileged admin API and carries the session cookie.
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
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/sony/gobreaker/v2"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BookingPlatform = (*Client)(nil)

// DefaultTimeout is the per-request timeout for platform calls.
const DefaultTimeout = 20 * time.Second

// Widget API paths.
const (
	workersPath      = "/widget/api/workers"
	allowedDaysPath  = "/widget/api/allowedDays"
	allowedTimesPath = "/widget/api/allowedTimes"
)

// Config describes one platform tenant.
type Config struct {
	BaseURL    string
	FacilityID string
	Timeout    time.Duration
	UserAgent  string
}

// Client implements driven.BookingPlatform. Every request goes through a
// circuit breaker; any failure, including a timeout or a non-2xx status, is
// reported wrapped in model.ErrTransientQuery so callers can retry it.
type Client struct {
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	baseURL  string
	facility string
	agent    string
	logger   *slog.Logger
}

// NewClient creates a Client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching for GET queries)
//  2. gobreaker (opens after repeated upstream failures)
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := &http.Client{
		Transport: httpcache.NewMemoryCacheTransport(),
		Timeout:   timeout,
	}
	return NewClientWithHTTPClient(httpClient, cfg, logger)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client. Tests
// use it to inject an httptest server's client.
func NewClientWithHTTPClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     httpClient,
		breaker:  newBreaker("platform-widget", logger),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		facility: cfg.FacilityID,
		agent:    cfg.UserAgent,
		logger:   logger,
	}
}

func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// FetchWorkers lists the staff who can perform serviceID.
func (c *Client) FetchWorkers(ctx context.Context, serviceID int64) ([]model.Worker, error) {
	q := url.Values{}
	q.Set("serviceId", strconv.FormatInt(serviceID, 10))
	if c.facility != "" {
		q.Set("facility", c.facility)
	}

	var resp workersResponse
	if err := c.do(ctx, http.MethodGet, workersPath, q, nil, &resp); err != nil {
		return nil, err
	}

	workers := make([]model.Worker, 0, len(resp.Data))
	for _, w := range resp.Data {
		id, err := w.ID.Int64()
		if err != nil {
			return nil, fmt.Errorf("worker %q: bad id %q: %w", w.Name, w.ID, model.ErrTransientQuery)
		}
		workers = append(workers, model.Worker{ID: id, Name: w.Name})
	}
	return workers, nil
}

// FetchAllowedDays returns the bookable days of the given month. An answer
// that names a different year or month is rejected as transient.
func (c *Client) FetchAllowedDays(ctx context.Context, serviceID, workerID int64, year int, month time.Month) (*model.AllowedDays, error) {
	req := allowedDaysRequest{
		ServiceID: serviceID,
		WorkerID:  workerID,
		Year:      year,
		Month:     int(month),
		Facility:  c.facility,
	}

	var resp allowedDaysResponse
	if err := c.do(ctx, http.MethodPost, allowedDaysPath, nil, req, &resp); err != nil {
		return nil, err
	}
	if (resp.Data.Year != 0 && resp.Data.Year != year) || (resp.Data.Month != 0 && resp.Data.Month != int(month)) {
		return nil, fmt.Errorf("allowed days answered for %d-%02d, asked %d-%02d: %w",
			resp.Data.Year, resp.Data.Month, year, int(month), model.ErrTransientQuery)
	}

	days := make([]int, 0, len(resp.Data.AllowedDays))
	for _, raw := range resp.Data.AllowedDays {
		d, err := strconv.Atoi(raw.String())
		if err != nil {
			return nil, fmt.Errorf("allowed day %q: %w", raw, model.ErrTransientQuery)
		}
		days = append(days, d)
	}

	return &model.AllowedDays{
		Year:        year,
		Month:       month,
		Days:        days,
		CantReserve: resp.Data.CantReserve,
	}, nil
}

// FetchAllowedTimes returns the start times offered on day, as received.
func (c *Client) FetchAllowedTimes(ctx context.Context, serviceID, workerID int64, day time.Time) ([]model.TimeSlot, error) {
	req := allowedTimesRequest{
		ServiceID: serviceID,
		WorkerID:  workerID,
		Date:      day.Format(time.DateOnly),
		Facility:  c.facility,
	}

	var resp allowedTimesResponse
	if err := c.do(ctx, http.MethodPost, allowedTimesPath, nil, req, &resp); err != nil {
		return nil, err
	}

	slots := make([]model.TimeSlot, 0, len(resp.Data.Times.All))
	for _, t := range resp.Data.Times.All {
		slots = append(slots, model.TimeSlot{ID: string(t.ID), Name: t.Name})
	}
	return slots, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.agent != "" {
			req.Header.Set("User-Agent", c.agent)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx and 429 count against the breaker; other statuses are the
		// caller's problem.
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, model.ErrTransientQuery)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)), model.ErrTransientQuery)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %v: %w", method, path, err, model.ErrTransientQuery)
	}

	c.logger.Debug("platform query", "method", method, "path", path, "status", resp.StatusCode,
		"cached", resp.Header.Get(httpcache.XFromCache) != "")
	return nil
}
