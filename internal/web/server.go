package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/inercia/tether/internal/logging"
)

// Options configures the web server.
type Options struct {
	// Host is the listen address. Only loopback hosts are honored; anything
	// else is replaced with 127.0.0.1 and logged.
	Host string

	// Port is the listen port. 0 selects a random available port.
	Port int
}

// Server hosts the ingress proxy and the state bridge on one localhost
// listener.
type Server struct {
	opts   Options
	proxy  http.Handler
	bridge *Bridge
	logger *slog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener *LocalhostListener
	port     int
}

// NewServer creates a web server mounting the given ingress proxy at /event
// and the bridge at /ws.
func NewServer(proxy http.Handler, bridge *Bridge, opts Options) *Server {
	return &Server{
		opts:   opts,
		proxy:  proxy,
		bridge: bridge,
		logger: logging.Web(),
	}
}

// Start binds the listener and begins serving in a background goroutine.
func (s *Server) Start() error {
	if s.opts.Host != "" && s.opts.Host != "127.0.0.1" && s.opts.Host != "localhost" {
		s.logger.Warn("non-loopback host ignored, binding to 127.0.0.1", "host", s.opts.Host)
	}

	listener, port, err := CreateLocalhostListener(s.opts.Port)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/event", s.proxy)
	mux.Handle("/ws", s.bridge)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = listener
	s.port = port
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server stopped", "error", err)
		}
	}()

	s.logger.Info("web server listening", "addr", s.Addr())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("127.0.0.1:%d", s.port)
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown stops the server, disconnecting bridge clients first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	if s.bridge != nil {
		s.bridge.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
