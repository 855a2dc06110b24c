// Package server exposes a Signer over HTTP.
//
// Routes:
//
//	POST /sign      {"url": "...", "content": "..."}
//	POST /sign_get  {"url": "...", "headers": {...}}   headers is optional
//	GET  /health
//
// Every response is JSON and carries Access-Control-Allow-Origin: *.
// Signing requests are admitted through a bounded queue; the signer itself
// runs them one at a time.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/signer"
)

// ServiceName is reported by /health.
const ServiceName = "nep-sign"

// Signer is the part of signer.Signer the server needs.
type Signer interface {
	Sign(ctx context.Context, req signer.Request) signer.Result
}

// Config configures a Server.
type Config struct {
	Addr string

	// MaxQueue is how many signing requests may wait behind the one in
	// flight. 0 or less means no bound.
	MaxQueue int64

	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxQueue:        64,
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the HTTP front end.
type Server struct {
	signer  Signer
	queue   *semaphore.Weighted
	handler http.Handler
	cfg     Config
}

// New creates a server for s.
func New(cfg Config, s Signer) *Server {
	srv := &Server{cfg: cfg, signer: s}
	if cfg.MaxQueue > 0 {
		srv.queue = semaphore.NewWeighted(cfg.MaxQueue + 1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sign", srv.handleSign)
	mux.HandleFunc("/sign_get", srv.handleSignGet)
	mux.HandleFunc("/health", srv.handleHealth)
	srv.handler = recoverPanics(cors(mux))
	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(errors.PhaseTransport, errors.KindInvalidInput, err, "listen on "+s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// cfg.ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		Logger().Info("listening", zap.String("addr", ln.Addr().String()))
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		Logger().Info("shutting down", zap.Duration("timeout", timeout))
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}

// admit reserves a queue slot. The returned release must be called.
func (s *Server) admit() (release func(), ok bool) {
	if s.queue == nil {
		return func() {}, true
	}
	if !s.queue.TryAcquire(1) {
		return nil, false
	}
	return func() { s.queue.Release(1) }, true
}
