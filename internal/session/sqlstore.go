package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskweek/flowgate/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// sqlQueries holds the per-dialect SQL statements for the session table.
type sqlQueries struct {
	get    string
	insert string
	upsert string
	del    string
	count  string
	sweep  string
}

var sqliteQueries = sqlQueries{
	get:    `SELECT data, last_touched FROM flow_sessions WHERE token = ?`,
	insert: `INSERT INTO flow_sessions (token, data, last_touched) VALUES (?, ?, ?)`,
	upsert: `INSERT INTO flow_sessions (token, data, last_touched) VALUES (?, ?, ?) ON CONFLICT(token) DO UPDATE SET data = excluded.data, last_touched = excluded.last_touched`,
	del:    `DELETE FROM flow_sessions WHERE token = ?`,
	count:  `SELECT COUNT(*) FROM flow_sessions WHERE last_touched >= ?`,
	sweep:  `DELETE FROM flow_sessions WHERE last_touched < ?`,
}

var postgresQueries = sqlQueries{
	get:    `SELECT data, last_touched FROM flow_sessions WHERE token = $1`,
	insert: `INSERT INTO flow_sessions (token, data, last_touched) VALUES ($1, $2, $3)`,
	upsert: `INSERT INTO flow_sessions (token, data, last_touched) VALUES ($1, $2, $3) ON CONFLICT(token) DO UPDATE SET data = excluded.data, last_touched = excluded.last_touched`,
	del:    `DELETE FROM flow_sessions WHERE token = $1`,
	count:  `SELECT COUNT(*) FROM flow_sessions WHERE last_touched >= $1`,
	sweep:  `DELETE FROM flow_sessions WHERE last_touched < $1`,
}

// SQLStore backs the session store with a relational database, serialized
// per token through the shared keyed mutex. Idle sessions are evicted lazily
// on access and by a periodic sweep.
type SQLStore struct {
	db      *sql.DB
	queries sqlQueries
	ttl     time.Duration
	locks   keyedMutex

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewSQLiteStore opens (or creates) an SQLite-backed session store at the
// file path given by the DSN, creating parent directories as needed.
func NewSQLiteStore(opts ...Option) (*SQLStore, error) {
	cfg := buildOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite DSN not set")
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return newSQLStore(db, sqliteQueries, sqliteMigrations, cfg)
}

// NewPostgresStore connects to a PostgreSQL-backed session store.
func NewPostgresStore(opts ...Option) (*SQLStore, error) {
	cfg := buildOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN not set")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return newSQLStore(db, postgresQueries, postgresMigrations, cfg)
}

func newSQLStore(db *sql.DB, queries sqlQueries, migrations string, cfg Opts) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run session migrations: %w", err)
	}
	s := &SQLStore{
		db:        db,
		queries:   queries,
		ttl:       cfg.TTL,
		sweepStop: make(chan struct{}),
	}
	if cfg.TTL > 0 && cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	slog.Debug("SQLStore ready", "ttl", cfg.TTL, "sweep_interval", cfg.SweepInterval)
	return s, nil
}

// load reads and decodes one row, evicting it if idle.
func (s *SQLStore) load(ctx context.Context, token string) (*models.FlowSession, error) {
	var data string
	var lastTouched int64
	err := s.db.QueryRowContext(ctx, s.queries.get, token).Scan(&data, &lastTouched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if s.ttl > 0 && time.Since(time.Unix(lastTouched, 0)) > s.ttl {
		if _, err := s.db.ExecContext(ctx, s.queries.del, token); err != nil {
			slog.Warn("SQLStore: failed to evict idle session", "error", err, "token", token)
		}
		return nil, models.ErrSessionNotFound
	}
	var sess models.FlowSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) save(ctx context.Context, query string, sess *models.FlowSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, sess.Token, string(data), sess.LastTouchedAt.Unix()); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Create inserts a new session, replacing any expired row under the token.
func (s *SQLStore) Create(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()

	switch _, err := s.load(ctx, sess.Token); {
	case err == nil:
		return models.ErrDuplicateSession
	case errors.Is(err, models.ErrSessionNotFound):
		// load already evicted any expired row; upsert covers the race
		// with an eviction that failed.
		return s.save(ctx, s.queries.upsert, sess)
	default:
		return err
	}
}

// Put stores a session unconditionally.
func (s *SQLStore) Put(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()
	return s.save(ctx, s.queries.upsert, sess)
}

// Get returns a copy of the live session for token.
func (s *SQLStore) Get(ctx context.Context, token string) (*models.FlowSession, error) {
	return s.load(ctx, token)
}

// Update applies fn under the token's lock and persists the result.
func (s *SQLStore) Update(ctx context.Context, token string, fn func(*models.FlowSession) error) (*models.FlowSession, error) {
	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.LastTouchedAt = time.Now()
	if err := s.save(ctx, s.queries.upsert, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Delete removes the session row if present.
func (s *SQLStore) Delete(ctx context.Context, token string) error {
	unlock := s.locks.Lock(token)
	defer unlock()
	if _, err := s.db.ExecContext(ctx, s.queries.del, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Count returns the number of unexpired sessions.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	cutoff := int64(0)
	if s.ttl > 0 {
		cutoff = time.Now().Add(-s.ttl).Unix()
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.queries.count, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Close stops the sweeper and closes the database.
func (s *SQLStore) Close() error {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
	return s.db.Close()
}

func (s *SQLStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl).Unix()
			res, err := s.db.Exec(s.queries.sweep, cutoff)
			if err != nil {
				slog.Warn("SQLStore sweep failed", "error", err)
				continue
			}
			if removed, err := res.RowsAffected(); err == nil && removed > 0 {
				slog.Info("SQLStore sweep evicted idle sessions", "removed", removed)
			}
		}
	}
}
