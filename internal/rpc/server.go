package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// ServerConfig sets the listen addresses and transport tuning. Zero
// values take the defaults below.
type ServerConfig struct {
	WSAddr     string // HTTP listener hosting /ws
	TCPAddr    string // line-delimited JSON-RPC listener
	HealthAddr string // health and metrics listener

	PingInterval time.Duration
	PingTimeout  time.Duration

	// MetricsHandler, usually promhttp, is mounted at /metrics when
	// set.
	MetricsHandler http.Handler

	Logger *log.Logger
}

/// Server runs the downstream listeners: WebSocket over HTTP, raw TCP,
// and the health endpoints. Drain and CloseAll give the shutdown path
// phase control.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	log     *log.Logger

	wsSrv     *http.Server
	healthSrv *http.Server

	wsLn     net.Listener
	tcpLn    net.Listener
	healthLn net.Listener

	rootCtx  context.Context
	draining atomic.Bool

	mu      sync.Mutex
	clients map[*Client]func()
}

// NewServer builds the server around a handler. Listeners are not
// bound until Listen or Run.
func NewServer(cfg ServerConfig, h *Handler) *Server {
	if cfg.WSAddr == "" {
		cfg.WSAddr = ":8080"
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = ":8081"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8082"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}

	s := &Server{
		cfg:     cfg,
		handler: h,
		log:     cfg.Logger,
		clients: make(map[*Client]func()),
	}

	wsRouter := mux.NewRouter()
	wsRouter.HandleFunc("/ws", s.handleWS)
	s.wsSrv = &http.Server{
		Handler: wsRouter,
		// Header timeout only: upgraded connections live for hours.
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          s.log,
	}

	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/health/live", s.handleLive).Methods("GET")
	healthRouter.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	if cfg.MetricsHandler != nil {
		healthRouter.Handle("/metrics", cfg.MetricsHandler).Methods("GET")
	}
	s.healthSrv = &http.Server{
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ErrorLog:          s.log,
	}

	return s
}

// Listen binds all three listeners so port conflicts surface before Run
// and tests can learn the bound addresses.
func (s *Server) Listen() error {
	if s.wsLn != nil {
		return nil
	}
	wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return err
	}
	tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		wsLn.Close()
		return err
	}
	healthLn, err := net.Listen("tcp", s.cfg.HealthAddr)
	if err != nil {
		wsLn.Close()
		tcpLn.Close()
		return err
	}
	s.wsLn, s.tcpLn, s.healthLn = wsLn, tcpLn, healthLn
	return nil
}

// Bound addresses, empty before Listen.

func (s *Server) WSAddr() string     { return lnAddr(s.wsLn) }
func (s *Server) TCPAddr() string    { return lnAddr(s.tcpLn) }
func (s *Server) HealthAddr() string { return lnAddr(s.healthLn) }

func lnAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Run serves until ctx is canceled, then refuses new connections,
// shuts the HTTP servers down, and closes every remaining client.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.rootCtx = gctx
	s.log.Printf("listening ws=%s tcp=%s health=%s", s.WSAddr(), s.TCPAddr(), s.HealthAddr())

	g.Go(func() error {
		if err := s.wsSrv.Serve(s.wsLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.healthSrv.Serve(s.healthLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.serveTCP(s.tcpLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Drain()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.wsSrv.Shutdown(shutCtx)
		_ = s.healthSrv.Shutdown(shutCtx)
		s.tcpLn.Close()
		s.CloseAll()
		return gctx.Err()
	})

	return g.Wait()
}

// Drain stops accepting new client connections; existing clients keep
// answering until CloseAll.
func (s *Server) Drain() {
	if s.draining.CompareAndSwap(false, true) {
		s.log.Printf("draining: refusing new client connections")
	}
}

// CloseAll gracefully closes every connected client. WebSocket clients
// get a 1001 close frame first.
func (s *Server) CloseAll() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.clients))
	for _, fn := range s.clients {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) register(c *Client, closeFn func()) bool {
	if s.draining.Load() {
		return false
	}
	s.mu.Lock()
	s.clients[c] = closeFn
	s.mu.Unlock()
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) baseContext() context.Context {
	if s.rootCtx != nil {
		return s.rootCtx
	}
	return context.Background()
}

// ============================================================
// HEALTH ENDPOINTS
// ============================================================

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports 200 only while the router link is registered and
// the server accepts clients.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.draining.Load():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
	case !s.handler.cfg.Link.Connected():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"router": s.handler.cfg.Link.State().String(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
