package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"notevault/internal/logging"
)

// Config holds server configuration.
type Config struct {
	// WS is the realtime sync endpoint, mounted at /sync.
	WS *WSHandler

	// TLS enables TLS on the listener when set.
	TLS *tls.Config

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Server is the HTTP shell around the sync endpoint: probes, in-flight
// request tracking and graceful drain.
type Server struct {
	ws     *WSHandler
	tlsCfg *tls.Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	shutdown chan struct{}
	inFlight sync.WaitGroup
	draining atomic.Bool
	running  atomic.Bool
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		ws:       cfg.WS,
		tlsCfg:   cfg.TLS,
		logger:   logging.Default(cfg.Logger).With("component", "server"),
		shutdown: make(chan struct{}),
	}
}

// registerProbes adds liveness and readiness endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.running.Load() && !s.draining.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// trackingMiddleware counts in-flight requests and rejects new ones while
// draining. Websocket upgrades are exempt from the count: they live for
// the length of a session and are torn down by the engine at shutdown.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	if s.ws != nil {
		mux.Handle("/sync", s.ws)
	}
	s.registerProbes(mux)
	return mux
}

// Handler returns the composed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(s.buildMux())
}

// Serve starts the server on the listener and blocks until it stops.
func (s *Server) Serve(listener net.Listener) error {
	if s.tlsCfg != nil {
		listener = tls.NewListener(listener, s.tlsCfg)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	server := s.server
	s.mu.Unlock()

	s.running.Store(true)
	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := server.Serve(listener)
	s.running.Store(false)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	s.logger.Info("server stopping")
	s.draining.Store(true)
	s.inFlight.Wait()
	return server.Shutdown(ctx)
}

// ShutdownChan returns a channel closed when shutdown begins.
func (s *Server) ShutdownChan() <-chan struct{} {
	return s.shutdown
}
