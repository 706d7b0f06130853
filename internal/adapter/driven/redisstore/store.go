// Package redisstore implements the CredentialStore port on Redis, for
// deployments that run several slotkeeper instances against one account.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/secretbox"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*Store)(nil)

const (
	defaultPrefix = "slotkeeper:cred:"
	// maxTxRetries bounds optimistic-lock retries when a watched key changes.
	maxTxRetries = 5
)

// Store keeps each record as a JSON document under <prefix><id>, the set of
// all IDs under <prefix>ids and the active ID per identity under
// <prefix>active:<identity>. Token values are sealed before they are written.
type Store struct {
	client redis.UniversalClient
	sealer *secretbox.Sealer
	prefix string
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// New creates a Store on client. key must be 32 bytes, or nil to disable the
// store like the SQLite backend.
func New(client redis.UniversalClient, key []byte) (*Store, error) {
	sealer, err := secretbox.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating credential sealer: %w", err)
	}
	return &Store{client: client, sealer: sealer, prefix: defaultPrefix}, nil
}

// storedRecord is the JSON document layout. Times are Unix milliseconds, 0
// meaning unset.
type storedRecord struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Environment     string `json:"environment"`
	FacilityID      string `json:"facility_id"`
	TokenValue      string `json:"token_value"`
	CookieName      string `json:"cookie_name"`
	IssuedAt        int64  `json:"issued_at"`
	ExpiresAt       int64  `json:"expires_at"`
	LastRefreshedAt int64  `json:"last_refreshed_at"`
	LastUsedAt      int64  `json:"last_used_at"`
	UseCount        int64  `json:"use_count"`
	IsActive        bool   `json:"is_active"`
}

func (s *Store) recordKey(id string) string { return s.prefix + id }
func (s *Store) idsKey() string             { return s.prefix + "ids" }
func (s *Store) activeKey(identity model.CredentialIdentity) string {
	return s.prefix + "active:" + identity.String()
}

// FindActive returns the active record for identity, or (nil, nil).
func (s *Store) FindActive(ctx context.Context, identity model.CredentialIdentity) (*model.CredentialRecord, error) {
	id, err := s.client.Get(ctx, s.activeKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active credential for %s: %w", identity, err)
	}

	rec, err := s.load(ctx, s.client, id)
	if errors.Is(err, model.ErrNotFound) {
		// Dangling pointer left by a concurrent Delete.
		return nil, nil
	}
	return rec, err
}

// Replace stores rec as the identity's active record and deactivates the
// previous one in a single MULTI/EXEC. Both the active pointer and the previous
// record are watched, so a concurrent Touch or a second Replace retries the
// whole pass. The previous record is rewritten without decrypting it.
func (s *Store) Replace(ctx context.Context, rec model.CredentialRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.IsActive = true

	newDoc, err := s.encode(rec)
	if err != nil {
		return err
	}

	activeKey := s.activeKey(rec.Identity)
	for range maxTxRetries {
		oldID, err := s.client.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("replacing credential for %s: %w", rec.Identity, err)
		}

		keys := []string{activeKey}
		if oldID != "" {
			keys = append(keys, s.recordKey(oldID))
		}

		txf := func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != oldID {
				// Pointer moved before WATCH took effect.
				return redis.TxFailedErr
			}

			var oldDoc []byte
			if oldID != "" {
				data, err := tx.Get(ctx, s.recordKey(oldID)).Bytes()
				switch {
				case errors.Is(err, redis.Nil):
				case err != nil:
					return err
				default:
					if oldDoc, err = deactivate(data); err != nil {
						return err
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if oldDoc != nil {
					pipe.Set(ctx, s.recordKey(oldID), oldDoc, 0)
				}
				pipe.Set(ctx, s.recordKey(rec.ID), newDoc, 0)
				pipe.SAdd(ctx, s.idsKey(), rec.ID)
				pipe.Set(ctx, activeKey, rec.ID, 0)
				return nil
			})
			return err
		}

		err = s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("replacing credential for %s: %w", rec.Identity, err)
		}
		return nil
	}
	return fmt.Errorf("replacing credential for %s: %w", rec.Identity, redis.TxFailedErr)
}

// Touch bumps LastUsedAt and UseCount of a record.
func (s *Store) Touch(ctx context.Context, id string, usedAt time.Time) error {
	key := s.recordKey(id)
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.LastUsedAt = usedAt
		rec.UseCount++

		doc, err := s.encode(*rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("touching credential %s: %w", id, err)
	}
	return nil
}

// Get returns a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*model.CredentialRecord, error) {
	return s.load(ctx, s.client, id)
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]model.CredentialRecord, error) {
	return s.Find(ctx, model.CredentialFilter{})
}

// Find returns records matching filter, newest first. Filtering happens
// client side; the store holds a handful of records per account.
func (s *Store) Find(ctx context.Context, filter model.CredentialFilter) ([]model.CredentialRecord, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	records := []model.CredentialRecord{}
	for _, rec := range all {
		if filter.Matches(rec) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].IssuedAt.Equal(records[j].IssuedAt) {
			return records[i].IssuedAt.After(records[j].IssuedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Delete removes a record by ID and clears the active pointer if it pointed
// at the record. Records that can no longer be decrypted are deletable too.
func (s *Store) Delete(ctx context.Context, id string) error {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("getting credential %s: %w", id, err)
	}

	doc, err := unmarshalDoc(data)
	if err != nil {
		return err
	}
	return s.remove(ctx, doc.metadata())
}

// DeleteExpired removes records that expired before cutoff. Token values are
// not decrypted.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := s.loadDocs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, doc := range docs {
		rec := doc.metadata()
		if !rec.ExpiresAt.Before(cutoff) {
			continue
		}
		if err := s.remove(ctx, rec); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("deleting expired credentials: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Stats aggregates record counts as observed at now.
func (s *Store) Stats(ctx context.Context, now time.Time) (model.CredentialStats, error) {
	stats := model.NewCredentialStats()

	docs, err := s.loadDocs(ctx)
	if err != nil {
		return stats, err
	}
	for _, doc := range docs {
		stats.Add(doc.metadata(), now)
	}
	return stats, nil
}

func (s *Store) remove(ctx context.Context, rec model.CredentialRecord) error {
	activeKey := s.activeKey(rec.Identity)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.recordKey(rec.ID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("credential %s: %w", rec.ID, model.ErrNotFound)
		}
		activeID, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.recordKey(rec.ID))
			pipe.SRem(ctx, s.idsKey(), rec.ID)
			if activeID == rec.ID {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, s.recordKey(rec.ID), activeKey); err != nil {
		return fmt.Errorf("deleting credential %s: %w", rec.ID, err)
	}
	return nil
}

// watch runs txf under WATCH on keys, retrying when another client modified
// a watched key between the read and EXEC.
func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for range maxTxRetries {
		err = s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// getter is satisfied by both the client and a *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*model.CredentialRecord, error) {
	data, err := c.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %s: %w", id, err)
	}
	return s.decode(data)
}

func (s *Store) loadAll(ctx context.Context) ([]model.CredentialRecord, error) {
	docs, err := s.loadDocs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]model.CredentialRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := s.open(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// loadDocs returns every stored document with its token still sealed.
func (s *Store) loadDocs(ctx context.Context) ([]storedRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing credential ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	docs := make([]storedRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SMEMBERS and MGET.
			continue
		}
		doc, err := unmarshalDoc([]byte(str))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) encode(rec model.CredentialRecord) ([]byte, error) {
	sealed, err := s.sealer.Seal(rec.TokenValue)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(storedRecord{
		ID:              rec.ID,
		AccountID:       rec.Identity.AccountID,
		Environment:     rec.Identity.Environment,
		FacilityID:      rec.Identity.FacilityID,
		TokenValue:      sealed,
		CookieName:      rec.CookieName,
		IssuedAt:        toMillis(rec.IssuedAt),
		ExpiresAt:       toMillis(rec.ExpiresAt),
		LastRefreshedAt: toMillis(rec.LastRefreshedAt),
		LastUsedAt:      toMillis(rec.LastUsedAt),
		UseCount:        rec.UseCount,
		IsActive:        rec.IsActive,
	})
	if err != nil {
		return nil, fmt.Errorf("serializing credential %s: %w", rec.ID, err)
	}
	return data, nil
}

func (s *Store) decode(data []byte) (*model.CredentialRecord, error) {
	doc, err := unmarshalDoc(data)
	if err != nil {
		return nil, err
	}
	return s.open(doc)
}

func (s *Store) open(doc storedRecord) (*model.CredentialRecord, error) {
	token, err := s.sealer.Open(doc.TokenValue)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential %s: %w", doc.ID, err)
	}
	rec := doc.metadata()
	rec.TokenValue = token
	return &rec, nil
}

func unmarshalDoc(data []byte) (storedRecord, error) {
	var doc storedRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return storedRecord{}, fmt.Errorf("deserializing credential: %w: %w", driven.ErrCredentialUnreadable, err)
	}
	return doc, nil
}

// deactivate clears is_active on a stored document, leaving the sealed token
// untouched.
func deactivate(data []byte) ([]byte, error) {
	doc, err := unmarshalDoc(data)
	if err != nil {
		return nil, err
	}
	doc.IsActive = false
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serializing credential %s: %w", doc.ID, err)
	}
	return out, nil
}

// metadata converts doc to a record without its token value.
func (doc storedRecord) metadata() model.CredentialRecord {
	return model.CredentialRecord{
		ID: doc.ID,
		Identity: model.CredentialIdentity{
			AccountID:   doc.AccountID,
			Environment: doc.Environment,
			FacilityID:  doc.FacilityID,
		},
		CookieName:      doc.CookieName,
		IssuedAt:        fromMillis(doc.IssuedAt),
		ExpiresAt:       fromMillis(doc.ExpiresAt),
		LastRefreshedAt: fromMillis(doc.LastRefreshedAt),
		LastUsedAt:      fromMillis(doc.LastUsedAt),
		UseCount:        doc.UseCount,
		IsActive:        doc.IsActive,
	}
}

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
