// Package server exposes a small HTTP surface for operators: a status
// snapshot of agents/spawns/providers, and a live-tail WebSocket that
// streams trace events for one spawn or the whole daemon.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/quotarouter"
)

// Server is the operator-facing HTTP surface.
type Server struct {
	httpServer *http.Server
	mux        *mux.Router
	hub        *Hub

	ledger *ledger.Ledger
	quota  *quotarouter.Router
	bus    *eventbus.Bus

	startTime time.Time
}

// New builds a Server bound to addr, wiring the status and live-tail
// routes. Call Start to begin listening.
func New(addr string, l *ledger.Ledger, qr *quotarouter.Router, bus *eventbus.Bus) *Server {
	s := &Server{
		mux:       mux.NewRouter(),
		hub:       NewHub(),
		ledger:    l,
		quota:     qr,
		bus:       bus,
		startTime: time.Now(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the live-tail stream is long-lived
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	s.mux.HandleFunc("/spawns/active", s.handleActiveSpawns).Methods(http.MethodGet)
	s.mux.HandleFunc("/providers/{name}/cooldown", s.handleProviderCooldown).Methods(http.MethodGet)
	s.mux.HandleFunc("/tail", s.handleTail)
	s.mux.HandleFunc("/tail/{topic}", s.handleTail)
}

// Start begins listening; it runs the hub loop and blocks until the
// server stops or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.pumpBusToHub()

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	}
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.startTime)
}

// pumpBusToHub forwards every event-bus envelope to connected
// live-tail clients subscribed to its topic.
func (s *Server) pumpBusToHub() {
	ch, unsub := s.bus.Subscribe()
	defer unsub()
	for env := range ch {
		s.hub.BroadcastTail(env)
	}
}
