// Package api provides the HTTP surface of the FlowGate gateway.
//
// It wires the encrypted envelope endpoint, the health check, and the
// Prometheus scrape endpoint onto a chi router and owns server lifecycle.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskweek/flowgate/internal/flow"
	"github.com/taskweek/flowgate/internal/metrics"
	"github.com/taskweek/flowgate/internal/models"
	"github.com/taskweek/flowgate/internal/session"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":3000"

// maxBodyBytes bounds inbound envelope bodies; flow payloads are small.
const maxBodyBytes = 1 << 20

// Cryptor is the envelope service surface the handlers need. Narrowed to an
// interface so tests can wrap it and count calls.
type Cryptor interface {
	VerifySignature(rawBody []byte, header string) error
	DecryptMessage(env *models.EncryptedEnvelope) (*models.DecryptedMessage, []byte, []byte, error)
	EncryptScreen(screen models.NextScreen, aesKey, iv []byte) (string, error)
}

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server exposes the gateway over HTTP.
type Server struct {
	addr    string
	crypto  Cryptor
	engine  *flow.Engine
	store   session.Store
	httpSrv *http.Server
}

// NewServer assembles the HTTP server around the envelope service, flow
// engine and session store.
func NewServer(crypto Cryptor, engine *flow.Engine, st session.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{addr: cfg.Addr, crypto: crypto, engine: engine, store: st}
}

// Routes builds the router; split out so tests can drive handlers without a
// listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/", s.flowHandler)
	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully, letting
// in-flight backend submissions finish.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowGate API listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("FlowGate API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		// Give fire-and-forget submissions a chance to land.
		s.engine.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
