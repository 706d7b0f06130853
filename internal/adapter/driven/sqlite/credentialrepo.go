package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/secretbox"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

const credentialColumns = `id, account_id, environment, facility_id, token_value, cookie_name,
	issued_at, expires_at, last_refreshed_at, last_used_at, use_count, is_active`

// CredentialRepo implements driven.CredentialStore. Token values are sealed
// with AES-256-GCM before write and opened after read. Timestamps are stored
// as Unix milliseconds so range predicates compare numerically.
type CredentialRepo struct {
	db     *DB
	sealer *secretbox.Sealer
}

// NewCredentialRepo creates a CredentialRepo backed by db. key must be 32
// bytes, or nil to disable the store: every operation that touches a token
// value then returns driven.ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, key []byte) (*CredentialRepo, error) {
	sealer, err := secretbox.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating credential sealer: %w", err)
	}
	return &CredentialRepo{db: db, sealer: sealer}, nil
}

// FindActive returns the active record for identity, or (nil, nil).
func (r *CredentialRepo) FindActive(ctx context.Context, identity model.CredentialIdentity) (*model.CredentialRecord, error) {
	row := r.db.Reader.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE account_id = ? AND environment = ? AND facility_id = ? AND is_active = 1`,
		identity.AccountID, identity.Environment, identity.FacilityID,
	)

	rec, err := r.scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active credential for %s: %w", identity, err)
	}
	return rec, nil
}

// Replace deactivates the identity's current record and inserts rec as the
// new active one inside a single transaction.
func (r *CredentialRepo) Replace(ctx context.Context, rec model.CredentialRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	sealed, err := r.sealer.Seal(rec.TokenValue)
	if err != nil {
		return err
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_active = 0
		 WHERE account_id = ? AND environment = ? AND facility_id = ? AND is_active = 1`,
		rec.Identity.AccountID, rec.Identity.Environment, rec.Identity.FacilityID,
	); err != nil {
		return fmt.Errorf("deactivating previous credential for %s: %w", rec.Identity, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rec.ID,
		rec.Identity.AccountID,
		rec.Identity.Environment,
		rec.Identity.FacilityID,
		sealed,
		rec.CookieName,
		toMillis(rec.IssuedAt),
		toMillis(rec.ExpiresAt),
		toMillis(rec.LastRefreshedAt),
		toMillis(rec.LastUsedAt),
		rec.UseCount,
	); err != nil {
		return fmt.Errorf("inserting credential %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace transaction: %w", err)
	}
	return nil
}

// Touch bumps the usage counters of a record.
func (r *CredentialRepo) Touch(ctx context.Context, id string, usedAt time.Time) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ?, use_count = use_count + 1 WHERE id = ?`,
		toMillis(usedAt), id,
	)
	if err != nil {
		return fmt.Errorf("touching credential %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// Get returns a record by ID.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*model.CredentialRecord, error) {
	row := r.db.Reader.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)

	rec, err := r.scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %s: %w", id, err)
	}
	return rec, nil
}

// List returns every record, newest first.
func (r *CredentialRepo) List(ctx context.Context) ([]model.CredentialRecord, error) {
	return r.Find(ctx, model.CredentialFilter{})
}

// Find returns records matching filter, newest first.
func (r *CredentialRepo) Find(ctx context.Context, filter model.CredentialFilter) ([]model.CredentialRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.FacilityID != "" {
		where = append(where, "facility_id = ?")
		args = append(args, filter.FacilityID)
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Valid != nil {
		if *filter.Valid {
			where = append(where, "(is_active = 1 AND expires_at > ?)")
		} else {
			where = append(where, "NOT (is_active = 1 AND expires_at > ?)")
		}
		args = append(args, toMillis(filter.Now))
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at DESC, id"

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []model.CredentialRecord{}
	for rows.Next() {
		rec, err := r.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return records, nil
}

// Delete removes a record by ID.
func (r *CredentialRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// DeleteExpired removes records that expired before cutoff.
func (r *CredentialRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.Writer.ExecContext(ctx,
		`DELETE FROM credentials WHERE expires_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting expired credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted credentials: %w", err)
	}
	return int(n), nil
}

// Stats aggregates record counts as observed at now.
func (r *CredentialRepo) Stats(ctx context.Context, now time.Time) (model.CredentialStats, error) {
	stats := model.NewCredentialStats()

	records, err := r.List(ctx)
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.Add(rec, now)
	}
	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *CredentialRepo) scanCredential(s rowScanner) (*model.CredentialRecord, error) {
	var (
		rec                                              model.CredentialRecord
		sealed                                           string
		issuedAt, expiresAt, lastRefreshedAt, lastUsedAt int64
		isActive                                         int
	)
	if err := s.Scan(
		&rec.ID,
		&rec.Identity.AccountID,
		&rec.Identity.Environment,
		&rec.Identity.FacilityID,
		&sealed,
		&rec.CookieName,
		&issuedAt,
		&expiresAt,
		&lastRefreshedAt,
		&lastUsedAt,
		&rec.UseCount,
		&isActive,
	); err != nil {
		return nil, err
	}

	token, err := r.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential %s: %w", rec.ID, err)
	}

	rec.TokenValue = token
	rec.IssuedAt = fromMillis(issuedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.LastRefreshedAt = fromMillis(lastRefreshedAt)
	rec.LastUsedAt = fromMillis(lastUsedAt)
	rec.IsActive = isActive == 1
	return &rec, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows for credential %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// toMillis maps the zero time to 0 so "never used" round-trips.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
