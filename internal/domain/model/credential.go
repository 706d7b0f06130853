// Package model holds the domain types shared by services and adapters.
package model

import (
	"fmt"
	"time"
)

// CredentialIdentity identifies the platform account a session belongs to.
// At most one active CredentialRecord exists per identity.
type CredentialIdentity struct {
	AccountID   string
	Environment string
	FacilityID  string
}

// String returns a stable key for the identity, used for logging and as the
// single-flight key during refresh.
func (i CredentialIdentity) String() string {
	return i.Environment + "/" + i.FacilityID + "/" + i.AccountID
}

// CredentialRecord holds one session token obtained from a platform login.
// A refresh never mutates the token of an existing record; it supersedes the
// record with a new one and marks the old one inactive.
type CredentialRecord struct {
	ID              string
	Identity        CredentialIdentity
	TokenValue      string // Never logged.
	CookieName      string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
	LastUsedAt      time.Time
	UseCount        int64
	IsActive        bool
}

// Validate checks the record-level invariants enforced before persistence.
func (r CredentialRecord) Validate() error {
	if r.TokenValue == "" {
		return fmt.Errorf("credential record %s: empty token: %w", r.ID, ErrInvalidArgument)
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return fmt.Errorf("credential record %s: expires_at %s not after issued_at %s: %w",
			r.ID, r.ExpiresAt.Format(time.RFC3339), r.IssuedAt.Format(time.RFC3339), ErrInvalidArgument)
	}
	return nil
}

// Remaining returns the lifetime left at now. Negative once expired.
func (r CredentialRecord) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// ValidFor reports whether more than buffer of lifetime remains at now.
func (r CredentialRecord) ValidFor(now time.Time, buffer time.Duration) bool {
	return r.Remaining(now) > buffer
}

// CredentialFilter narrows Token Store queries. Empty fields match everything.
type CredentialFilter struct {
	Environment string
	FacilityID  string
	AccountID   string
	// Valid, when non-nil, keeps only active unexpired records (true) or only
	// inactive/expired records (false), evaluated at Now.
	Valid *bool
	Now   time.Time
}

// Matches reports whether rec satisfies the filter.
func (f CredentialFilter) Matches(rec CredentialRecord) bool {
	if f.Environment != "" && rec.Identity.Environment != f.Environment {
		return false
	}
	if f.FacilityID != "" && rec.Identity.FacilityID != f.FacilityID {
		return false
	}
	if f.AccountID != "" && rec.Identity.AccountID != f.AccountID {
		return false
	}
	if f.Valid != nil {
		valid := rec.IsActive && rec.ExpiresAt.After(f.Now)
		if valid != *f.Valid {
			return false
		}
	}
	return true
}

// CredentialStats aggregates Token Store contents for operational tooling.
type CredentialStats struct {
	Total         int
	Active        int
	Valid         int
	Expired       int
	ByEnvironment map[string]int
	ByFacility    map[string]int
	ByAccount     map[string]int
}

// NewCredentialStats returns zeroed stats with initialized maps.
func NewCredentialStats() CredentialStats {
	return CredentialStats{
		ByEnvironment: map[string]int{},
		ByFacility:    map[string]int{},
		ByAccount:     map[string]int{},
	}
}

// Add folds rec into the stats as observed at now.
func (s *CredentialStats) Add(rec CredentialRecord, now time.Time) {
	s.Total++
	if rec.IsActive {
		s.Active++
	}
	if rec.ExpiresAt.After(now) {
		if rec.IsActive {
			s.Valid++
		}
	} else {
		s.Expired++
	}
	s.ByEnvironment[rec.Identity.Environment]++
	s.ByFacility[rec.Identity.FacilityID]++
	s.ByAccount[rec.Identity.AccountID]++
}

// AccountCredentials are the login details handed to the browser driver.
type AccountCredentials struct {
	Username string
	Password string // Never logged.
}

// Configured reports whether both username and password are present.
func (c AccountCredentials) Configured() bool {
	return c.Username != "" && c.Password != ""
}

// LoginResult is what a successful browser login yields.
type LoginResult struct {
	TokenValue       string
	CookieName       string
	ObservedLifetime time.Duration
}

// SessionStatus is a side-effect-free snapshot of the credential manager.
type SessionStatus struct {
	Initialized   bool
	HasToken      bool
	Valid         bool
	Refreshing    bool
	Environment   string
	LastRefreshAt time.Time
	NextRefreshAt time.Time
	ExpiresAt     time.Time
}
