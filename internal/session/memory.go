package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskweek/flowgate/internal/models"
)

// MemoryStore is the default in-process session store. Sessions are deep
// copied on every read and write so callers never share map memory with the
// store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.FlowSession
	locks    keyedMutex
	ttl      time.Duration

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its sweep goroutine.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := buildOpts(opts)
	s := &MemoryStore{
		sessions:  make(map[string]*models.FlowSession),
		ttl:       cfg.TTL,
		sweepStop: make(chan struct{}),
	}
	if cfg.TTL > 0 && cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	slog.Debug("MemoryStore created", "ttl", cfg.TTL, "sweep_interval", cfg.SweepInterval)
	return s
}

// Create stores a new session, rejecting tokens that already have a live
// session. An expired session under the same token is evicted first.
func (s *MemoryStore) Create(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.Token]; ok {
		if !expired(existing, s.ttl, time.Now()) {
			slog.Debug("MemoryStore.Create: duplicate session", "token", sess.Token)
			return models.ErrDuplicateSession
		}
		delete(s.sessions, sess.Token)
	}
	s.sessions[sess.Token] = sess.Clone()
	return nil
}

// Put stores a session unconditionally.
func (s *MemoryStore) Put(ctx context.Context, sess *models.FlowSession) error {
	unlock := s.locks.Lock(sess.Token)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess.Clone()
	return nil
}

// Get returns a copy of the live session for token. Expired sessions are
// evicted lazily here.
func (s *MemoryStore) Get(ctx context.Context, token string) (*models.FlowSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if expired(sess, s.ttl, time.Now()) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		slog.Debug("MemoryStore.Get: session idled out", "token", token)
		return nil, models.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Update applies fn under the token's lock. Concurrent mutators of the same
// token are serialized; a lost update on Selections cannot happen.
func (s *MemoryStore) Update(ctx context.Context, token string, fn func(*models.FlowSession) error) (*models.FlowSession, error) {
	unlock := s.locks.Lock(token)
	defer unlock()

	s.mu.RLock()
	stored, ok := s.sessions[token]
	s.mu.RUnlock()
	now := time.Now()
	if !ok || expired(stored, s.ttl, now) {
		return nil, models.ErrSessionNotFound
	}

	// Mutate a copy so a failing fn leaves the stored session untouched.
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.LastTouchedAt = now

	s.mu.Lock()
	s.sessions[token] = working
	s.mu.Unlock()
	return working.Clone(), nil
}

// Delete removes the session if present.
func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	unlock := s.locks.Lock(token)
	defer unlock()

	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

// Count returns the number of unexpired sessions.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !expired(sess, s.ttl, now) {
			n++
		}
	}
	return n, nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		if expired(sess, s.ttl, now) {
			delete(s.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("MemoryStore sweep evicted idle sessions", "removed", removed, "remaining", len(s.sessions))
	}
}
