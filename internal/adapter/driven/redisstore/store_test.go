package redisstore_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/redisstore"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

var identity = model.CredentialIdentity{
	AccountID:   "reception@example.sk",
	Environment: "production",
	FacilityID:  "42",
}

func setupTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := redisstore.New(client, bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	return store, mr
}

func newRecord(id model.CredentialIdentity, token string, issued time.Time, lifetime time.Duration) model.CredentialRecord {
	return model.CredentialRecord{
		ID:              uuid.NewString(),
		Identity:        id,
		TokenValue:      token,
		CookieName:      "PHPSESSID",
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(lifetime),
		LastRefreshedAt: issued,
		IsActive:        true,
	}
}

func TestOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redisstore.Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	assert.NoError(t, client.Close())

	_, err = redisstore.Open(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestStore_ReplaceAndFindActive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	rec := newRecord(identity, "tok-1", issued, 24*time.Hour)
	require.NoError(t, store.Replace(ctx, rec))

	got, err := store.FindActive(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "tok-1", got.TokenValue)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	assert.True(t, got.IsActive)
}

func TestStore_FindActiveMissing(t *testing.T) {
	store, _ := setupTestStore(t)

	got, err := store.FindActive(context.Background(), identity)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ReplaceSupersedes(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	first := newRecord(identity, "tok-1", issued, 24*time.Hour)
	second := newRecord(identity, "tok-2", issued.Add(time.Hour), 24*time.Hour)
	require.NoError(t, store.Replace(ctx, first))
	require.NoError(t, store.Replace(ctx, second))

	active, err := store.FindActive(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")
}

func TestStore_TokenSealedInRedis(t *testing.T) {
	store, mr := setupTestStore(t)
	rec := newRecord(identity, "plaintext-session", time.Now().UTC(), time.Hour)
	require.NoError(t, store.Replace(context.Background(), rec))

	raw, err := mr.Get("slotkeeper:cred:" + rec.ID)
	require.NoError(t, err)
	assert.NotContains(t, raw, "plaintext-session")
}

func TestStore_NilKeyDisablesStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	require.NoError(t, err)

	err = store.Replace(context.Background(), newRecord(identity, "tok", time.Now(), time.Hour))
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)
}

func TestStore_Touch(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := newRecord(identity, "tok", issued, time.Hour)
	require.NoError(t, store.Replace(ctx, rec))

	used := issued.Add(5 * time.Minute)
	require.NoError(t, store.Touch(ctx, rec.ID, used))
	require.NoError(t, store.Touch(ctx, rec.ID, used))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UseCount)
	assert.True(t, got.LastUsedAt.Equal(used))

	err = store.Touch(ctx, "missing", used)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_FindFilters(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sandbox := identity
	sandbox.Environment = "sandbox"

	require.NoError(t, store.Replace(ctx, newRecord(identity, "old", now.Add(-48*time.Hour), 24*time.Hour)))
	require.NoError(t, store.Replace(ctx, newRecord(identity, "live", now.Add(-time.Hour), 24*time.Hour)))
	require.NoError(t, store.Replace(ctx, newRecord(sandbox, "sb", now.Add(-2*time.Hour), 24*time.Hour)))

	valid := true
	got, err := store.Find(ctx, model.CredentialFilter{Valid: &valid, Now: now})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "live", got[0].TokenValue)
	assert.Equal(t, "sb", got[1].TokenValue)

	got, err = store.Find(ctx, model.CredentialFilter{Environment: "sandbox"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sb", got[0].TokenValue)
}

func TestStore_DeleteClearsActivePointer(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	rec := newRecord(identity, "tok", time.Now().UTC(), time.Hour)
	require.NoError(t, store.Replace(ctx, rec))

	require.NoError(t, store.Delete(ctx, rec.ID))

	active, err := store.FindActive(ctx, identity)
	require.NoError(t, err)
	assert.Nil(t, active)

	err = store.Delete(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_DeleteExpiredAndStats(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	other := identity
	other.AccountID = "second@example.sk"

	require.NoError(t, store.Replace(ctx, newRecord(identity, "a", now.Add(-72*time.Hour), 24*time.Hour)))
	require.NoError(t, store.Replace(ctx, newRecord(other, "b", now.Add(-30*time.Hour), 24*time.Hour)))
	require.NoError(t, store.Replace(ctx, newRecord(identity, "c", now, 24*time.Hour)))

	stats, err := store.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Valid)
	assert.Equal(t, 2, stats.Expired)
	assert.Equal(t, 2, stats.ByAccount["reception@example.sk"])

	n, err := store.DeleteExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_ReplaceKeepsConcurrentTouchesOnPreviousRecord(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	first := newRecord(identity, "tok-1", issued, 24*time.Hour)
	require.NoError(t, store.Replace(ctx, first))

	// Each commit can invalidate at most one attempt of the other side, so
	// fewer touches than the retry bound always converge.
	const touches = 4
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range touches {
			assert.NoError(t, store.Touch(ctx, first.ID, issued.Add(time.Duration(i+1)*time.Minute)))
		}
	}()
	second := newRecord(identity, "tok-2", issued.Add(time.Hour), 24*time.Hour)
	require.NoError(t, store.Replace(ctx, second))
	wg.Wait()

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, int64(touches), old.UseCount)
	assert.Equal(t, "tok-1", old.TokenValue)
}

func TestStore_RotatedKeyStillAllowsReplaceAndCleanup(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	before, err := redisstore.New(client, bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	old := newRecord(identity, "tok-old", now.Add(-72*time.Hour), 24*time.Hour)
	require.NoError(t, before.Replace(ctx, old))
	sealedBefore, err := mr.Get("slotkeeper:cred:" + old.ID)
	require.NoError(t, err)

	after, err := redisstore.New(client, bytes.Repeat([]byte{0x22}, 32))
	require.NoError(t, err)

	_, err = after.FindActive(ctx, identity)
	assert.ErrorIs(t, err, driven.ErrCredentialUnreadable)

	fresh := newRecord(identity, "tok-new", now, 24*time.Hour)
	require.NoError(t, after.Replace(ctx, fresh))

	got, err := after.FindActive(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-new", got.TokenValue)

	sealedAfter, err := mr.Get("slotkeeper:cred:" + old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sealedBefore, sealedAfter, "previous record deactivated")
	assert.Contains(t, sealedAfter, `"is_active":false`)

	stats, err := after.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)

	n, err := after.DeleteExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := after.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh.ID, all[0].ID)
}
