package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// BookingService creates reservations through the privileged platform API.
type BookingService struct {
	client driven.ReservationClient
	logger *slog.Logger
}

// NewBookingService creates a BookingService.
func NewBookingService(client driven.ReservationClient, logger *slog.Logger) *BookingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingService{client: client, logger: logger}
}

// Book validates r and sends it. A platform-side rejection is returned as a
// result with Success=false, not as an error.
func (s *BookingService) Book(ctx context.Context, r model.Reservation) (*model.ReservationResult, error) {
	if r.ServiceID <= 0 {
		return nil, fmt.Errorf("service id %d must be positive: %w", r.ServiceID, model.ErrInvalidArgument)
	}
	if r.WorkerID < model.NoPreferenceWorkerID {
		return nil, fmt.Errorf("worker id %d is not valid: %w", r.WorkerID, model.ErrInvalidArgument)
	}
	if r.Start.IsZero() {
		return nil, fmt.Errorf("reservation start is required: %w", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(r.Name) == "" {
		return nil, fmt.Errorf("customer name is required: %w", model.ErrInvalidArgument)
	}

	res, err := s.client.CreateReservation(ctx, r)
	if err != nil {
		s.logger.Error("reservation failed", "service_id", r.ServiceID, "start", r.Start, "error", err)
		return nil, fmt.Errorf("creating reservation: %w", err)
	}

	if res.Success {
		s.logger.Info("reservation created", "service_id", r.ServiceID, "reservation_id", res.ReservationID)
	} else {
		s.logger.Warn("reservation rejected by platform", "service_id", r.ServiceID, "start", r.Start)
	}
	return res, nil
}

// ClientStats exposes the privileged client's call counters.
func (s *BookingService) ClientStats() model.ClientStats {
	return s.client.Stats()
}
