package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/c360/chatrelay/errors"
)

// Server runs the gateway on a TCP listener.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
	tls     *tls.Config

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server for handler on port. Port 0 picks a free port.
func NewServer(port int, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    ":" + strconv.Itoa(port),
		handler: handler,
		logger:  logger.With("component", "http-server"),
	}
}

// ServeTLS makes Start terminate TLS with cfg. A nil cfg keeps plain HTTP.
func (s *Server) ServeTLS(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tls = cfg
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start http server")
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.addr)
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	// WriteTimeout stays zero: event streams are long-lived and each
	// stream write sets its own deadline.
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.listener = ln
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", s.tls != nil)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, closing streams still open at the deadline.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	return errors.Wrap(err, "Server", "Stop", "shutdown")
}
