package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Worker identifiers with special meaning.
const (
	// WorkerAuto asks the slot finder to pick a worker itself.
	WorkerAuto int64 = 0
	// NoPreferenceWorkerID is the platform's "anyone available" worker.
	NoPreferenceWorkerID int64 = -1
)

// Slot search defaults.
const (
	DefaultMaxMonths  = 3
	DefaultMaxRetries = 2
)

// Worker is a staff member who can perform a service.
type Worker struct {
	ID   int64
	Name string
}

// IsNoPreference reports whether w is the platform's sentinel worker.
func (w Worker) IsNoPreference() bool {
	return w.ID == NoPreferenceWorkerID
}

// AllowedDays is the platform's answer to "which days of this month can be
// booked". CantReserve is a valid empty answer, not an error.
type AllowedDays struct {
	Year        int
	Month       time.Month
	Days        []int
	CantReserve bool
}

// TimeSlot is one bookable start time. Name holds the time of day as shown
// by the platform, e.g. "09:15".
type TimeSlot struct {
	ID   string
	Name string
}

// Minutes parses Name as HH:MM and returns minutes since midnight.
func (t TimeSlot) Minutes() (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(t.Name), ":")
	if !ok {
		return 0, fmt.Errorf("time slot %q: expected HH:MM", t.Name)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time slot %q: bad hour", t.Name)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time slot %q: bad minute", t.Name)
	}
	return h*60 + m, nil
}

// SlotQuery is the immutable input of a soonest-slot search.
type SlotQuery struct {
	ServiceID  int64
	WorkerID   int64
	StartDate  time.Time // Zero means today in the platform's time zone.
	MaxMonths  int       // Zero means DefaultMaxMonths.
	MaxRetries int       // Zero means DefaultMaxRetries; use NoRetries for none.
}

// NoRetries disables per-call retries when assigned to SlotQuery.MaxRetries.
const NoRetries = -1

// WithDefaults fills zero fields with the documented defaults.
func (q SlotQuery) WithDefaults() SlotQuery {
	if q.MaxMonths == 0 {
		q.MaxMonths = DefaultMaxMonths
	}
	switch {
	case q.MaxRetries == 0:
		q.MaxRetries = DefaultMaxRetries
	case q.MaxRetries == NoRetries:
		q.MaxRetries = 0
	}
	return q
}

// Validate rejects queries that cannot be searched.
func (q SlotQuery) Validate() error {
	if q.ServiceID <= 0 {
		return fmt.Errorf("service id %d must be positive: %w", q.ServiceID, ErrInvalidArgument)
	}
	if q.MaxMonths < 0 {
		return fmt.Errorf("max months %d must not be negative: %w", q.MaxMonths, ErrInvalidArgument)
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("max retries %d must not be negative: %w", q.MaxRetries, ErrInvalidArgument)
	}
	if q.WorkerID < NoPreferenceWorkerID {
		return fmt.Errorf("worker id %d is not valid: %w", q.WorkerID, ErrInvalidArgument)
	}
	return nil
}

// SlotResult reports the outcome of a search. Found=false is a normal answer
// meaning no availability in the searched window.
type SlotResult struct {
	Found bool

	Date              time.Time // Midnight of the slot day in the platform's zone.
	Time              string
	SlotID            string
	WorkerID          int64
	TotalSlotsThatDay int
	Alternatives      []string
	DaysFromNow       int

	MonthsSearched int
	CallsMade      int
	Elapsed        time.Duration
}
