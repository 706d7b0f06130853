// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Credential defaults.
const (
	DefaultBufferWindow  = time.Hour
	DefaultTokenLifetime = 24 * time.Hour
	DefaultLoginTimeout  = 2 * time.Minute
)

// CredentialConfig holds what the credential service needs to log in as one
// platform account.
type CredentialConfig struct {
	Identity model.CredentialIdentity
	Account  model.AccountCredentials
	LoginURL string

	// BufferWindow is the remaining lifetime below which a token counts as
	// invalid and is refreshed before use.
	BufferWindow time.Duration
	// DefaultLifetime applies when the browser driver reports no lifetime.
	DefaultLifetime time.Duration
	LoginTimeout    time.Duration
}

func (c CredentialConfig) withDefaults() CredentialConfig {
	if c.BufferWindow <= 0 {
		c.BufferWindow = DefaultBufferWindow
	}
	if c.DefaultLifetime <= 0 {
		c.DefaultLifetime = DefaultTokenLifetime
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	return c
}

// CredentialOption configures a CredentialService.
type CredentialOption func(*CredentialService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CredentialOption {
	return func(s *CredentialService) { s.now = now }
}

// WithCredentialLogger sets the logger. The default is slog.Default().
func WithCredentialLogger(logger *slog.Logger) CredentialOption {
	return func(s *CredentialService) { s.logger = logger }
}

// CredentialService acquires, caches and renews the platform session token.
// Concurrent refreshes for the same identity collapse into one browser login.
type CredentialService struct {
	store  driven.CredentialStore
	driver driven.BrowserDriver
	cfg    CredentialConfig
	now    func() time.Time
	logger *slog.Logger

	group      singleflight.Group
	refreshing atomic.Bool

	mu            sync.RWMutex
	initialized   bool
	current       *model.CredentialRecord
	lastRefreshAt time.Time
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(
	store driven.CredentialStore,
	driver driven.BrowserDriver,
	cfg CredentialConfig,
	opts ...CredentialOption,
) *CredentialService {
	s := &CredentialService{
		store:  store,
		driver: driver,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize adopts a valid cached record from the store, or logs in when
// there is none or it cannot be read. It is a no-op once initialized.
func (s *CredentialService) Initialize(ctx context.Context) error {
	if err := s.checkConfigured(); err != nil {
		return err
	}

	s.mu.RLock()
	done := s.initialized
	s.mu.RUnlock()
	if done {
		return nil
	}

	cached, err := s.store.FindActive(ctx, s.cfg.Identity)
	switch {
	case errors.Is(err, driven.ErrCredentialUnreadable):
		s.logger.Warn("cached credential unreadable, logging in again",
			"identity", s.cfg.Identity.String(), "error", err)
		cached = nil
	case err != nil:
		return fmt.Errorf("loading cached credential for %s: %w", s.cfg.Identity, err)
	}

	if cached != nil && cached.ValidFor(s.now(), s.cfg.BufferWindow) {
		s.mu.Lock()
		if !s.initialized {
			s.current = cached
			s.lastRefreshAt = cached.LastRefreshedAt
			s.initialized = true
		}
		s.mu.Unlock()

		s.logger.Info("adopted cached credential",
			"identity", s.cfg.Identity.String(),
			"expires_at", cached.ExpiresAt,
		)
		return nil
	}

	if _, err := s.refresh(ctx, false); err != nil {
		return err
	}
	return nil
}

// GetToken returns a token that is valid beyond the buffer window, logging in
// first when needed, and records the use.
func (s *CredentialService) GetToken(ctx context.Context) (model.CredentialRecord, error) {
	if err := s.Initialize(ctx); err != nil {
		if errors.Is(err, model.ErrConfiguration) {
			return model.CredentialRecord{}, err
		}
		return model.CredentialRecord{}, fmt.Errorf("no usable session token: %w: %w", model.ErrNoCredential, err)
	}

	rec, ok := s.validCurrent()
	if !ok {
		fresh, err := s.refresh(ctx, false)
		if err != nil {
			return model.CredentialRecord{}, fmt.Errorf("no usable session token: %w: %w", model.ErrNoCredential, err)
		}
		rec = fresh
	}

	usedAt := s.now()
	if err := s.store.Touch(ctx, rec.ID, usedAt); err != nil {
		s.logger.Warn("recording credential use failed", "id", rec.ID, "error", err)
	} else {
		s.mu.Lock()
		if s.current != nil && s.current.ID == rec.ID {
			s.current.LastUsedAt = usedAt
			s.current.UseCount++
			rec = *s.current
		}
		s.mu.Unlock()
	}
	return rec, nil
}

// ForceRefresh drops the current token and logs in again. Calls that overlap
// an in-flight login share its result.
func (s *CredentialService) ForceRefresh(ctx context.Context) (model.CredentialRecord, error) {
	if err := s.checkConfigured(); err != nil {
		return model.CredentialRecord{}, err
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	return s.refresh(ctx, true)
}

// Status reports the manager's state without side effects.
func (s *CredentialService) Status() model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.SessionStatus{
		Initialized:   s.initialized,
		Refreshing:    s.refreshing.Load(),
		Environment:   s.cfg.Identity.Environment,
		LastRefreshAt: s.lastRefreshAt,
	}
	if s.current != nil {
		st.HasToken = true
		st.Valid = s.current.ValidFor(s.now(), s.cfg.BufferWindow)
		st.ExpiresAt = s.current.ExpiresAt
		st.NextRefreshAt = s.current.ExpiresAt.Add(-s.cfg.BufferWindow)
	}
	return st
}

func (s *CredentialService) checkConfigured() error {
	if !s.cfg.Account.Configured() {
		return fmt.Errorf("account credentials for environment %q are not set: %w",
			s.cfg.Identity.Environment, model.ErrConfiguration)
	}
	return nil
}

func (s *CredentialService) validCurrent() (model.CredentialRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || !s.current.ValidFor(s.now(), s.cfg.BufferWindow) {
		return model.CredentialRecord{}, false
	}
	return *s.current, true
}

// refresh joins or starts the single login flight for this identity. The
// flight runs detached from ctx so one caller giving up does not fail the
// others; the caller itself stops waiting when ctx is done. Unless force is
// set, a flight started after another one just published a token returns
// that token instead of logging in again.
func (s *CredentialService) refresh(ctx context.Context, force bool) (model.CredentialRecord, error) {
	ch := s.group.DoChan(s.cfg.Identity.String(), func() (any, error) {
		if !force {
			if rec, ok := s.validCurrent(); ok {
				return rec, nil
			}
		}
		return s.login(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.CredentialRecord{}, res.Err
		}
		return res.Val.(model.CredentialRecord), nil
	case <-ctx.Done():
		return model.CredentialRecord{}, ctx.Err()
	}
}

func (s *CredentialService) login(ctx context.Context) (model.CredentialRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()

	s.refreshing.Store(true)
	defer s.refreshing.Store(false)

	start := s.now()
	res, err := s.driver.Login(ctx, s.cfg.Account, s.cfg.LoginURL)
	if err != nil {
		s.logger.Error("platform login failed", "identity", s.cfg.Identity.String(), "error", err)
		return model.CredentialRecord{}, fmt.Errorf("logging in as %s: %w", s.cfg.Identity, err)
	}

	lifetime := res.ObservedLifetime
	if lifetime <= 0 {
		lifetime = s.cfg.DefaultLifetime
	}
	if lifetime <= s.cfg.BufferWindow {
		s.logger.Warn("token lifetime does not exceed buffer window",
			"lifetime", lifetime, "buffer", s.cfg.BufferWindow)
	}

	issued := s.now()
	rec := model.CredentialRecord{
		ID:              uuid.NewString(),
		Identity:        s.cfg.Identity,
		TokenValue:      res.TokenValue,
		CookieName:      res.CookieName,
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(lifetime),
		LastRefreshedAt: issued,
		IsActive:        true,
	}

	// The store is written before memory.
	if err := s.store.Replace(ctx, rec); err != nil {
		return model.CredentialRecord{}, fmt.Errorf("persisting refreshed credential: %w", err)
	}

	s.mu.Lock()
	s.current = &rec
	s.lastRefreshAt = issued
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("session token refreshed",
		"identity", s.cfg.Identity.String(),
		"expires_at", rec.ExpiresAt,
		"duration", s.now().Sub(start),
	)
	return rec, nil
}
