// Package session provides concurrency-safe, TTL-bounded storage for
// in-progress flow sessions keyed by flow_token.
//
// Four backends share one Store interface: in-memory (default), Redis,
// SQLite, and PostgreSQL, selected by DSN detection. Every backend
// serializes mutating operations per token; operations on different tokens
// proceed independently.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/taskweek/flowgate/internal/models"
)

// Default storage parameters.
const (
	// DefaultTTL is the idle timeout after which an untouched session is
	// evicted. Eviction is treated identically to normal deletion.
	DefaultTTL = 4 * time.Hour

	// DefaultSweepInterval is how often backends without native expiry
	// sweep for idle sessions.
	DefaultSweepInterval = 10 * time.Minute
)

// Store is keyed, TTL-bounded storage for flow sessions.
type Store interface {
	// Create stores a new session, failing with models.ErrDuplicateSession
	// if the token already identifies a live session.
	Create(ctx context.Context, s *models.FlowSession) error

	// Put stores a session unconditionally, overwriting any live session
	// with the same token (the INIT idempotent-restart rule).
	Put(ctx context.Context, s *models.FlowSession) error

	// Get returns a copy of the session, or models.ErrSessionNotFound if
	// the token is unknown or the session idled out.
	Get(ctx context.Context, token string) (*models.FlowSession, error)

	// Update applies fn to the session atomically with respect to other
	// mutators of the same token and returns a copy of the mutated
	// session. fn returning an error aborts the update without persisting.
	Update(ctx context.Context, token string, fn func(*models.FlowSession) error) (*models.FlowSession, error)

	// Delete removes the session. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error

	// Count returns the number of live sessions, for monitoring.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources and stops background sweeps.
	Close() error
}

// Opts holds configuration options shared by the store backends.
type Opts struct {
	DSN           string
	TTL           time.Duration
	SweepInterval time.Duration
	KeyPrefix     string
}

// Option configures a session store.
type Option func(*Opts)

// WithDSN sets the backend DSN. Empty selects the in-memory store.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTTL overrides the idle timeout.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithSweepInterval overrides the sweep cadence for backends that need one.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = interval }
}

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		KeyPrefix:     "flowgate:session:",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// DetectDSNType classifies a DSN as "memory", "redis", "postgres" or
// "sqlite" (the fallback for plain file paths).
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// New builds the store backend matching the configured DSN.
func New(opts ...Option) (Store, error) {
	cfg := buildOpts(opts)
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("session.New: selecting store backend", "kind", kind, "dsn_set", cfg.DSN != "", "ttl", cfg.TTL)
	switch kind {
	case "redis":
		return NewRedisStore(opts...)
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite":
		return NewSQLiteStore(opts...)
	default:
		return NewMemoryStore(opts...), nil
	}
}

// expired reports whether a session has exceeded the idle timeout. A zero or
// negative TTL disables expiry.
func expired(s *models.FlowSession, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(s.LastTouchedAt) > ttl
}
