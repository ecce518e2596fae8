// Package vector maintains the semantic index over canonical entities.
// Each (tenant, entity kind, entity id) holds at most one current vector;
// re-embedding replaces it in place. Keys are tenant-partitioned so no
// query can cross tenants.
package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tributary-io/tributary/canonical"
)

// Record is one embedded entity.
type Record struct {
	TenantID    int64
	EntityKind  canonical.EntityKind
	EntityID    int64
	Fingerprint string
	Model       string
	Embedding   []float32
}

// Store persists embeddings keyed by identity, not by content.
type Store interface {
	// Upsert replaces the current vector for the record's identity.
	Upsert(ctx context.Context, rec Record) error
	// Fingerprint returns the fingerprint stored with the current vector,
	// or "" when the entity has never been embedded.
	Fingerprint(ctx context.Context, tenantID int64, kind canonical.EntityKind, entityID int64) (string, error)
	// Delete removes the entity's vector if present.
	Delete(ctx context.Context, tenantID int64, kind canonical.EntityKind, entityID int64) error
}

// RedisStore keeps vectors in Redis hashes.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects and verifies the Redis backend.
func NewRedisStore(ctx context.Context, addr, password string, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(rdb *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func vectorKey(tenantID int64, kind canonical.EntityKind, entityID int64) string {
	return fmt.Sprintf("vectors:%d:%s:%d", tenantID, kind, entityID)
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	if rec.TenantID == 0 {
		return errors.New("vector record requires a tenant")
	}
	embedding, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	key := vectorKey(rec.TenantID, rec.EntityKind, rec.EntityID)
	err = s.rdb.HSet(ctx, key, map[string]any{
		"embedding":   embedding,
		"fingerprint": rec.Fingerprint,
		"model":       rec.Model,
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", key, err)
	}
	return nil
}

// Fingerprint implements Store.
func (s *RedisStore) Fingerprint(ctx context.Context, tenantID int64, kind canonical.EntityKind, entityID int64) (string, error) {
	fp, err := s.rdb.HGet(ctx, vectorKey(tenantID, kind, entityID), "fingerprint").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read vector fingerprint: %w", err)
	}
	return fp, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, tenantID int64, kind canonical.EntityKind, entityID int64) error {
	if err := s.rdb.Del(ctx, vectorKey(tenantID, kind, entityID)).Err(); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
