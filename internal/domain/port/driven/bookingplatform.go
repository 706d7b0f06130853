package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// BookingPlatform defines the driven port for the platform's unauthenticated
// availability queries. All methods are idempotent reads.
type BookingPlatform interface {
	// FetchWorkers lists the staff who can perform serviceID, including the
	// no-preference sentinel when the platform offers it.
	FetchWorkers(ctx context.Context, serviceID int64) ([]model.Worker, error)

	// FetchAllowedDays returns the bookable days of the given month.
	FetchAllowedDays(ctx context.Context, serviceID, workerID int64, year int, month time.Month) (*model.AllowedDays, error)

	// FetchAllowedTimes returns the bookable start times on day. Entries are
	// returned as received; callers validate them.
	FetchAllowedTimes(ctx context.Context, serviceID, workerID int64, day time.Time) ([]model.TimeSlot, error)
}

// SessionProvider hands out session credentials for privileged calls.
type SessionProvider interface {
	// GetToken returns a record whose token is valid at the time of return.
	GetToken(ctx context.Context) (model.CredentialRecord, error)
	// ForceRefresh discards the current token and logs in again.
	ForceRefresh(ctx context.Context) (model.CredentialRecord, error)
}

// ReservationClient books appointments through the platform's privileged API.
type ReservationClient interface {
	CreateReservation(ctx context.Context, r model.Reservation) (*model.ReservationResult, error)
	Stats() model.ClientStats
}
