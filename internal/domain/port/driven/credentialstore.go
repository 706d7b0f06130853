// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by CredentialStore adapters that were
// constructed without SLOTKEEPER_SECRET_KEY. Token values are never stored in
// plaintext.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set SLOTKEEPER_SECRET_KEY")

// ErrCredentialUnreadable wraps failures to decode or decrypt a stored token,
// typically after SLOTKEEPER_SECRET_KEY was rotated.
var ErrCredentialUnreadable = errors.New("stored credential unreadable")

// CredentialStore defines the driven port for durable session credential
// storage. It is the single source of truth for persisted tokens; the
// credential service only caches what it reads from here.
type CredentialStore interface {
	// FindActive returns the active record for identity, or (nil, nil) when
	// none exists. A record that cannot be decrypted yields an error wrapping
	// ErrCredentialUnreadable.
	FindActive(ctx context.Context, identity model.CredentialIdentity) (*model.CredentialRecord, error)

	// Replace stores rec as the active record for its identity. Any previously
	// active record for the same identity is marked inactive in the same
	// transaction, so readers never observe zero or two active records.
	Replace(ctx context.Context, rec model.CredentialRecord) error

	// Touch records one use of the record: LastUsedAt = usedAt, UseCount+1.
	// Returns model.ErrNotFound if the record does not exist.
	Touch(ctx context.Context, id string, usedAt time.Time) error

	// Get returns a record by ID. Returns model.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*model.CredentialRecord, error)

	// List returns every stored record, newest first.
	List(ctx context.Context) ([]model.CredentialRecord, error)

	// Find returns records matching filter, newest first.
	Find(ctx context.Context, filter model.CredentialFilter) ([]model.CredentialRecord, error)

	// Delete removes a record by ID. Returns model.ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes records whose ExpiresAt is before cutoff and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Stats aggregates counts by validity, environment, facility and account
	// as observed at now.
	Stats(ctx context.Context, now time.Time) (model.CredentialStats, error)
}
