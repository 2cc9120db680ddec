package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskweek/flowgate/internal/models"
)

// RedisStore keeps sessions as JSON values with a native Redis TTL, so idle
// eviction needs no sweep goroutine. Per-token serialization is provided by
// an in-process keyed mutex; the gateway runs as a single process in front
// of Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	locks  keyedMutex
}

// NewRedisStore connects to the Redis DSN (redis:// or rediss://).
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := buildOpts(opts)
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", ropts.Addr, "ttl", cfg.TTL)
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

// NewRedisStoreFromClient wraps an existing client, used in tests.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	cfg := buildOpts(opts)
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Create stores a new session with SETNX semantics.
func (s *RedisStore) Create(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(sess.Token), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !ok {
		return models.ErrDuplicateSession
	}
	return nil
}

// Put stores a session unconditionally, refreshing its TTL.
func (s *RedisStore) Put(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.Token), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// Get loads the session; Redis expiry stands in for lazy eviction.
func (s *RedisStore) Get(ctx context.Context, token string) (*models.FlowSession, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	var sess models.FlowSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Update applies fn under the token's lock and persists the result,
// refreshing the idle TTL.
func (s *RedisStore) Update(ctx context.Context, token string, fn func(*models.FlowSession) error) (*models.FlowSession, error) {
	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.LastTouchedAt = time.Now()

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis SET failed: %w", err)
	}
	return sess.Clone(), nil
}

// Delete removes the session key.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	unlock := s.locks.Lock(token)
	defer unlock()

	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

// Count scans the session keyspace.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("redis SCAN failed: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
