package tombstone

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps each owner's tombstones in a Redis hash keyed by the
// entity tuple. HSETNX gives the write-once semantics the Store contract
// requires.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore. It pings the Redis server
// to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisTombstoneStore").Logger(),
	}, nil
}

func ownerHashKey(ownerID string) string {
	return "tombstones:" + ownerID
}

func fieldKey(t Tombstone) string {
	return t.EntityType + ":" + t.EntityID
}

// Upsert records the tombstone if the tuple is not already present.
func (s *RedisStore) Upsert(ctx context.Context, t Tombstone) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}
	if err := s.redisClient.HSetNX(ctx, ownerHashKey(t.OwnerID), fieldKey(t), payload).Err(); err != nil {
		return fmt.Errorf("failed to write tombstone to redis: %w", err)
	}
	s.logger.Debug().Str("entity_type", t.EntityType).Str("entity_id", t.EntityID).
		Msg("Tombstone stored in Redis.")
	return nil
}

// ListActive returns the owner's tombstones still active at now. Expired
// entries stay in the hash until the external expiry sweep removes them;
// they are filtered here.
func (s *RedisStore) ListActive(ctx context.Context, ownerID string, now time.Time) ([]Tombstone, error) {
	fields, err := s.redisClient.HGetAll(ctx, ownerHashKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tombstones from redis: %w", err)
	}
	var active []Tombstone
	for field, raw := range fields {
		var t Tombstone
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Error().Err(err).Str("field", field).Msg("Failed to unmarshal stored tombstone, skipping.")
			continue
		}
		if t.ActiveAt(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
