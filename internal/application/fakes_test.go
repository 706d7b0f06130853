package application_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// --- Shared fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory driven.CredentialStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]model.CredentialRecord
	touches int
	findErr error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]model.CredentialRecord{}}
}

func (m *memStore) FindActive(_ context.Context, id model.CredentialIdentity) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.records {
		if r.IsActive && r.Identity == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *memStore) Replace(_ context.Context, rec model.CredentialRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.IsActive && r.Identity == rec.Identity {
			r.IsActive = false
			m.records[id] = r
		}
	}
	rec.IsActive = true
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) Touch(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	r.LastUsedAt = usedAt
	r.UseCount++
	m.records[id] = r
	m.touches++
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	return &r, nil
}

func (m *memStore) List(ctx context.Context) ([]model.CredentialRecord, error) {
	return m.Find(ctx, model.CredentialFilter{})
}

func (m *memStore) Find(_ context.Context, f model.CredentialFilter) ([]model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CredentialRecord{}
	for _, r := range m.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.ExpiresAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Stats(_ context.Context, now time.Time) (model.CredentialStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := model.NewCredentialStats()
	for _, r := range m.records {
		stats.Add(r, now)
	}
	return stats, nil
}

func (m *memStore) active(id model.CredentialIdentity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.IsActive && r.Identity == id {
			n++
		}
	}
	return n
}

// mockDriver counts logins and delegates to login when set.
type mockDriver struct {
	calls atomic.Int32
	login func(ctx context.Context, n int32) (*model.LoginResult, error)
}

func (m *mockDriver) Login(ctx context.Context, _ model.AccountCredentials, _ string) (*model.LoginResult, error) {
	n := m.calls.Add(1)
	if m.login != nil {
		return m.login(ctx, n)
	}
	return &model.LoginResult{
		TokenValue:       fmt.Sprintf("tok-%d", n),
		CookieName:       "PHPSESSID",
		ObservedLifetime: 24 * time.Hour,
	}, nil
}
