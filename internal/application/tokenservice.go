package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// DefaultCleanupGrace keeps expired records around for a day for inspection.
const DefaultCleanupGrace = 24 * time.Hour

// TokenService is the operator's view of the token store.
type TokenService struct {
	store  driven.CredentialStore
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewTokenService creates a TokenService. Records are purged once they have
// been expired for longer than grace.
func NewTokenService(store driven.CredentialStore, grace time.Duration, now func() time.Time, logger *slog.Logger) *TokenService {
	if grace <= 0 {
		grace = DefaultCleanupGrace
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{store: store, grace: grace, now: now, logger: logger}
}

// Find returns records matching filter. Validity is judged at the current time.
func (s *TokenService) Find(ctx context.Context, filter model.CredentialFilter) ([]model.CredentialRecord, error) {
	if filter.Valid != nil && filter.Now.IsZero() {
		filter.Now = s.now()
	}
	return s.store.Find(ctx, filter)
}

// Get returns one record.
func (s *TokenService) Get(ctx context.Context, id string) (*model.CredentialRecord, error) {
	return s.store.Get(ctx, id)
}

// Delete removes one record.
func (s *TokenService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("credential deleted", "id", id)
	return nil
}

// Stats aggregates the store as of now.
func (s *TokenService) Stats(ctx context.Context) (model.CredentialStats, error) {
	return s.store.Stats(ctx, s.now())
}

// Cleanup deletes records that expired more than the grace period ago.
func (s *TokenService) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	n, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired credentials: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired credentials removed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
