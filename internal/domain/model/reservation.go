package model

import (
	"encoding/json"
	"time"
)

// Reservation is a booking request sent to the platform's privileged endpoint.
type Reservation struct {
	ServiceID int64
	WorkerID  int64
	Start     time.Time
	Name      string
	Email     string
	Phone     string
	Note      string
}

// ReservationResult carries the platform's answer. On failure ErrorPayload is
// the platform's error/validation body exactly as received.
type ReservationResult struct {
	Success       bool
	ReservationID string
	ErrorPayload  json.RawMessage
}

// ClientStats are the authenticated client's call counters.
type ClientStats struct {
	TotalCalls    int64
	Successes     int64
	Failures      int64
	AuthRefreshes int64
}
