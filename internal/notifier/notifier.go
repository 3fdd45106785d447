package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnknownSelector is returned when streaming a selector that has no hub
var ErrUnknownSelector = errors.New("unknown selector")

// Config contains notifier configuration
type Config struct {
	// Number of selections buffered per stream client
	BufferSize int

	// Maximum concurrent stream clients per selector, 0 means unlimited
	MaxConnections int

	// Interval between websocket pings
	HeartbeatInterval time.Duration

	// Deadline for a single websocket write
	WriteTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:        16,
		MaxConnections:    1000,
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Client is a connected stream client
type Client struct {
	ID         string
	Selector   string
	LastActive time.Time
	conn       *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

// Notifier owns one hub per selector and serves their websocket streams
type Notifier struct {
	config   Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	hubs    map[string]*Hub
	clients map[string]*Client
	closed  bool

	wg      sync.WaitGroup
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates a new notifier
func NewNotifier(config Config) *Notifier {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Notifier{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs:    make(map[string]*Hub),
		clients: make(map[string]*Client),
		logger:  log.With().Str("component", "notifier").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Hub returns the hub of the named selector, creating it on first use
func (n *Notifier) Hub(name string) *Hub {
	n.mu.Lock()
	defer n.mu.Unlock()

	hub, ok := n.hubs[name]
	if !ok {
		hub = NewHub(name, n.config.BufferSize, n.config.MaxConnections)
		n.hubs[name] = hub
	}
	return hub
}

// Lookup returns the hub of the named selector if it exists
func (n *Notifier) Lookup(name string) (*Hub, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	hub, ok := n.hubs[name]
	return hub, ok
}

// Selectors returns the names of all hubs in sorted order
func (n *Notifier) Selectors() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := make([]string, 0, len(n.hubs))
	for name := range n.hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeWebSocket upgrades the request and streams the selections of the
// named selector until the client goes away or the notifier shuts down.
// Errors are returned only before the upgrade.
func (n *Notifier) ServeWebSocket(w http.ResponseWriter, r *http.Request, name string) error {
	hub, ok := n.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSelector, name)
	}

	clientID := generateID()
	events, err := hub.Subscribe(clientID)
	if err != nil {
		return err
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error
		hub.Unsubscribe(clientID)
		n.logger.Debug().Err(err).Str("selector", name).Msg("WebSocket upgrade failed")
		return nil
	}

	client := &Client{
		ID:         clientID,
		Selector:   name,
		LastActive: time.Now(),
		conn:       conn,
		done:       make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		hub.Unsubscribe(clientID)
		conn.Close()
		return nil
	}
	n.clients[clientID] = client
	n.wg.Add(2)
	n.mu.Unlock()

	n.metrics.NotifierConnectionsActive.Inc()
	n.logger.Info().Str("client_id", clientID).Str("selector", name).Msg("Stream client connected")

	go n.readLoop(client)
	go n.writeLoop(client, hub, events)
	return nil
}

// readLoop consumes control frames and notices when the client goes away
func (n *Notifier) readLoop(client *Client) {
	defer n.wg.Done()
	defer n.closeClient(client)

	// The deadline replaces the one the HTTP server left on the hijacked
	// connection and is pushed forward by every pong
	pongWait := 2 * n.config.HeartbeatInterval
	extend := func() error {
		client.touch()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	client.conn.SetReadLimit(4096)
	client.conn.SetPongHandler(func(string) error { return extend() })
	if err := extend(); err != nil {
		return
	}

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read ended")
			return
		}
		if err := extend(); err != nil {
			return
		}
	}
}

// writeLoop forwards hub selections and heartbeats to the client
func (n *Notifier) writeLoop(client *Client, hub *Hub, events <-chan *proto.Selection) {
	defer n.wg.Done()
	defer hub.Unsubscribe(client.ID)
	defer n.closeClient(client)

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case selection, ok := <-events:
			if !ok {
				n.writeClose(client)
				return
			}
			data, err := json.Marshal(selection)
			if err != nil {
				n.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal selection")
				continue
			}
			client.conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(n.config.WriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket ping failed")
				return
			}

		case <-client.done:
			return
		}
	}
}

func (n *Notifier) writeClose(client *Client) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(n.config.WriteTimeout))
}

// closeClient removes a client. Safe to call from both loops.
func (n *Notifier) closeClient(client *Client) {
	n.mu.Lock()
	_, ok := n.clients[client.ID]
	delete(n.clients, client.ID)
	n.mu.Unlock()

	if !ok {
		return
	}

	close(client.done)
	client.conn.Close()
	n.metrics.NotifierConnectionsActive.Dec()
	n.logger.Info().Str("client_id", client.ID).Str("selector", client.Selector).Msg("Stream client disconnected")
}

// ClientCount returns the number of connected stream clients
func (n *Notifier) ClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Shutdown closes every hub, which ends all client streams, and waits for
// the client goroutines to finish
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	hubs := make([]*Hub, 0, len(n.hubs))
	for _, hub := range n.hubs {
		hubs = append(hubs, hub)
	}
	n.mu.Unlock()

	n.logger.Info().Msg("Shutting down notifier")
	for _, hub := range hubs {
		hub.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.mu.RLock()
		remaining := make([]*Client, 0, len(n.clients))
		for _, c := range n.clients {
			remaining = append(remaining, c)
		}
		n.mu.RUnlock()
		for _, c := range remaining {
			n.closeClient(c)
		}
		return ctx.Err()
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

// Variable for generating unique client IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
