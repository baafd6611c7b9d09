package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/space-swarm/space/internal/ledger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Live-tail is an operator tool served on localhost; any origin is
	// accepted rather than maintaining an allowlist.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type statusResponse struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	ActiveSpawns  int             `json:"active_spawns"`
	Clients       int             `json:"tail_clients"`
	Agents        []*ledger.Agent `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.ledger.ActiveSovereignSpawns()
	if err != nil {
		httpError(w, err)
		return
	}
	agents, err := s.ledger.FetchAgents(ledger.AgentFilter{})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, statusResponse{
		UptimeSeconds: s.uptime().Seconds(),
		ActiveSpawns:  len(active),
		Clients:       s.hub.ClientCount(),
		Agents:        agents,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.ledger.FetchAgents(ledger.AgentFilter{})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, agents)
}

func (s *Server) handleActiveSpawns(w http.ResponseWriter, r *http.Request) {
	active, err := s.ledger.ActiveSovereignSpawns()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, active)
}

type cooldownResponse struct {
	Provider   string     `json:"provider"`
	InCooldown bool       `json:"in_cooldown"`
	Until      *time.Time `json:"until,omitempty"`
}

func (s *Server) handleProviderCooldown(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inCooldown, until, err := s.quota.InCooldown(r.Context(), name)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, cooldownResponse{Provider: name, InCooldown: inCooldown, Until: until})
}

// handleTail upgrades to a WebSocket and streams event-bus envelopes,
// optionally filtered to the {topic} path variable (a spawn id, or
// omitted for the daemon-wide firehose).
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBufferSize), topic: topic}
	s.hub.Register(c)

	go c.writePump()
	c.readPump()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
