// Package busrelay optionally bridges the in-process event bus onto a
// NATS subject space so a future multi-host topology can fan trace
// events out across daemons. Single-host operation never touches this
// package: it is wired in only when a relay URL is configured.
package busrelay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"

	"github.com/space-swarm/space/internal/eventbus"
)

const subjectPrefix = "space.events."

// EmbeddedServerConfig configures an in-process NATS server used when no
// external broker is available.
type EmbeddedServerConfig struct {
	Host string
	Port int
}

// EmbeddedServer wraps a nats-server instance running in this process.
type EmbeddedServer struct {
	mu      sync.RWMutex
	server  *server.Server
	config  EmbeddedServerConfig
	running bool
}

// NewEmbeddedServer constructs an EmbeddedServer, defaulting the port to
// 4222 and the host to loopback.
func NewEmbeddedServer(cfg EmbeddedServerConfig) *EmbeddedServer {
	if cfg.Port <= 0 {
		cfg.Port = 4222
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &EmbeddedServer{config: cfg}
}

// Start launches the embedded server and blocks until it is ready to
// accept connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("busrelay: embedded server already running")
	}

	opts := &server.Options{
		Host:       e.config.Host,
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("busrelay: create embedded server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("busrelay: embedded server not ready for connections")
	}
	e.server = ns
	e.running = true
	return nil
}

// Shutdown stops the embedded server, waiting for it to fully exit.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the connection string for this embedded server.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("nats://%s:%d", e.config.Host, e.config.Port)
}

// wireEnvelope is the JSON shape published over a subject; Topic is
// redundant with the subject suffix but kept so a subscriber fed from
// multiple subjects can still recover it cheaply.
type wireEnvelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Published time.Time   `json:"published"`
}

// Relay bridges a local eventbus.Bus to a NATS connection: every local
// publish is mirrored onto a subject, and every inbound subject message
// not originated by this relay is replayed onto the local bus.
type Relay struct {
	conn   *nc.Conn
	bus    *eventbus.Bus
	nodeID string

	mu    sync.Mutex
	subs  []*nc.Subscription
	unsub func()

	echoes sync.Map // echoKey -> time.Time, marks envelopes this relay injected locally
}

// echoTTL bounds how long an echo marker is honored; eventbus.Bus always
// stamps its own Published time on republish, so envelopes can't be
// matched by timestamp and are instead deduped by topic+payload content
// within this short window.
const echoTTL = 5 * time.Second

// echoKey identifies an envelope well enough to recognize it bouncing
// straight back through the local bus after a remote round trip.
func echoKey(topic string, payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return topic
	}
	return topic + "|" + string(data)
}

// Connect dials url and returns a Relay ready to have Start called on
// it. nodeID names the connection; the connection is opened with NoEcho,
// so the server never delivers this relay's own publishes back to it and
// a relay never re-ingests its own published events when more than one
// daemon shares a subject space.
func Connect(url, nodeID string, bus *eventbus.Bus) (*Relay, error) {
	conn, err := nc.Connect(url,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.Name("space-busrelay-"+nodeID),
		nc.NoEcho(),
	)
	if err != nil {
		return nil, fmt.Errorf("busrelay: connect: %w", err)
	}
	return &Relay{conn: conn, bus: bus, nodeID: nodeID}, nil
}

// Start subscribes to the shared event subject space and begins
// mirroring local publishes outward. Call Close to tear both directions
// down.
func (r *Relay) Start() error {
	sub, err := r.conn.Subscribe(subjectPrefix+">", r.onRemoteMessage)
	if err != nil {
		return fmt.Errorf("busrelay: subscribe: %w", err)
	}

	ch, unsub := r.bus.Subscribe()
	r.mu.Lock()
	r.subs = []*nc.Subscription{sub}
	r.unsub = unsub
	r.mu.Unlock()

	go r.pumpLocal(ch)
	return nil
}

// pumpLocal republishes every local envelope onto its NATS subject,
// skipping envelopes this relay itself just injected from a remote
// message so a two-node pair never bounces the same event forever.
func (r *Relay) pumpLocal(ch <-chan eventbus.Envelope) {
	for env := range ch {
		key := echoKey(env.Topic, env.Payload)
		if v, wasEcho := r.echoes.LoadAndDelete(key); wasEcho {
			if time.Since(v.(time.Time)) < echoTTL {
				continue
			}
		}
		_ = r.publishRemote(env)
	}
}

func (r *Relay) publishRemote(env eventbus.Envelope) error {
	data, err := json.Marshal(wireEnvelope{
		Topic:     env.Topic,
		Payload:   env.Payload,
		Published: env.Published,
	})
	if err != nil {
		return err
	}
	return r.conn.Publish(subjectPrefix+sanitizeSubject(env.Topic), data)
}

func (r *Relay) onRemoteMessage(msg *nc.Msg) {
	var env wireEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return
	}
	r.echoes.Store(echoKey(env.Topic, env.Payload), time.Now())
	r.bus.Publish(env.Topic, env.Payload)
}

// Close unsubscribes from NATS and the local bus, then closes the
// connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	if r.unsub != nil {
		r.unsub()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// sanitizeSubject replaces NATS subject-reserved characters so arbitrary
// spawn ids and "all" can always form a valid subject suffix.
func sanitizeSubject(topic string) string {
	if topic == "" {
		return "all"
	}
	out := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '.' || c == '*' || c == '>' || c == ' ' {
			out[i] = '_'
			continue
		}
		out[i] = c
	}
	return string(out)
}
