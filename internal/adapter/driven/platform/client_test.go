package platform_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/platform"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

func newTestClient(t *testing.T, handler http.Handler) *platform.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return platform.NewClientWithHTTPClient(srv.Client(), platform.Config{BaseURL: srv.URL, FacilityID: "42"}, nil)
}

func TestClient_FetchWorkers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/widget/api/workers", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("serviceId"))
		assert.Equal(t, "42", r.URL.Query().Get("facility"))
		_, _ = w.Write([]byte(`{"data":[{"id":-1,"name":"Anyone"},{"id":"12","name":"Jana"}]}`))
	}))

	workers, err := c.FetchWorkers(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []model.Worker{{ID: -1, Name: "Anyone"}, {ID: 12, Name: "Jana"}}, workers)
}

func TestClient_FetchAllowedDays(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/widget/api/allowedDays", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 7, body["serviceId"])
		assert.EqualValues(t, 12, body["workerId"])
		assert.EqualValues(t, 2026, body["year"])
		assert.EqualValues(t, 4, body["month"])
		assert.Equal(t, "42", body["facility"])

		_, _ = w.Write([]byte(`{"data":{"allowedDays":[10,"12",15],"year":2026,"month":4,"cantReserve":false}}`))
	}))

	days, err := c.FetchAllowedDays(context.Background(), 7, 12, 2026, time.April)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 12, 15}, days.Days)
	assert.Equal(t, 2026, days.Year)
	assert.Equal(t, time.April, days.Month)
	assert.False(t, days.CantReserve)
}

func TestClient_FetchAllowedDaysCantReserve(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"allowedDays":[],"cantReserve":true}}`))
	}))

	days, err := c.FetchAllowedDays(context.Background(), 7, 12, 2026, time.April)
	require.NoError(t, err)
	assert.True(t, days.CantReserve)
	assert.Empty(t, days.Days)
}

func TestClient_FetchAllowedDaysWrongMonthIsTransient(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "other month", body: `{"data":{"allowedDays":[3],"year":2026,"month":5}}`},
		{name: "other year", body: `{"data":{"allowedDays":[3],"year":2025,"month":4}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.FetchAllowedDays(context.Background(), 7, 12, 2026, time.April)
			assert.ErrorIs(t, err, model.ErrTransientQuery)
		})
	}
}

func TestClient_FetchAllowedTimes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widget/api/allowedTimes", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-04-10", body["date"])

		_, _ = w.Write([]byte(`{"data":{"times":{"all":[{"id":501,"name":"09:00"},{"id":"s-2","name":"09:30"},{"id":null,"name":"10:00"}]}}}`))
	}))

	day := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	slots, err := c.FetchAllowedTimes(context.Background(), 7, 12, day)
	require.NoError(t, err)
	assert.Equal(t, []model.TimeSlot{
		{ID: "501", Name: "09:00"},
		{ID: "s-2", Name: "09:30"},
		{ID: "", Name: "10:00"},
	}, slots)
}

func TestClient_FailuresAreTransient(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "server error", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{name: "rate limited", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}},
		{name: "client error", handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}},
		{name: "malformed body", handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.FetchWorkers(context.Background(), 7)
			assert.ErrorIs(t, err, model.ErrTransientQuery)
		})
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	httpClient := srv.Client()
	httpClient.Timeout = 20 * time.Millisecond
	c := platform.NewClientWithHTTPClient(httpClient, platform.Config{BaseURL: srv.URL}, nil)

	_, err := c.FetchWorkers(context.Background(), 7)
	assert.ErrorIs(t, err, model.ErrTransientQuery)
}

func TestClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for range 6 {
		_, err := c.FetchWorkers(context.Background(), 7)
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.FetchWorkers(context.Background(), 7)
	assert.ErrorIs(t, err, model.ErrTransientQuery)
	assert.Equal(t, int32(6), hits.Load(), "open breaker short-circuits the request")
}
