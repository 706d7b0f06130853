package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// setupTestDB opens a named shared in-memory database so the writer and reader
// pools see the same data. The name comes from t.Name() to isolate tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// WAL does not apply to in-memory databases.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)

	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	reader.SetMaxOpenConns(4)

	db := &DB{Writer: writer, Reader: reader, path: dsn}
	require.NoError(t, writer.PingContext(context.Background()))
	require.NoError(t, reader.PingContext(context.Background()))

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x5a}, 32)
}

func setupTestRepo(t *testing.T) (*CredentialRepo, *DB) {
	t.Helper()
	db := setupTestDB(t)
	repo, err := NewCredentialRepo(db, testKey())
	require.NoError(t, err)
	return repo, db
}

var testIdentity = model.CredentialIdentity{
	AccountID:   "reception@example.sk",
	Environment: "production",
	FacilityID:  "42",
}

func newRecord(identity model.CredentialIdentity, token string, issued time.Time, lifetime time.Duration) model.CredentialRecord {
	return model.CredentialRecord{
		ID:              uuid.NewString(),
		Identity:        identity,
		TokenValue:      token,
		CookieName:      "PHPSESSID",
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(lifetime),
		LastRefreshedAt: issued,
		IsActive:        true,
	}
}
