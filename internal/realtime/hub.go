// Package realtime streams reconciliation outcomes over WebSocket.
//
// A checkout page connects with the payment reference it is waiting on and
// leaves its "processing" state as soon as the outcome arrives, instead of
// polling. Operators may watch every outcome.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/reconciliation"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	maxReferencesPerClient = 32
	sendBuffer             = 64
	pongWait               = 60 * time.Second
	pingEvery              = 30 * time.Second
	writeWait              = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType for real-time events
type EventType string

const EventPaymentOutcome EventType = "payment.outcome"

// Event is one message to clients.
type Event struct {
	Type      EventType               `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Data      *reconciliation.Outcome `json:"data"`
}

// Subscription says which outcomes a client receives.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	References []string `json:"references"`
}

// subscribeMessage is what clients send to watch more references.
type subscribeMessage struct {
	Subscribe string `json:"subscribe"`
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	all  bool
	refs []string
}

// Hub routes outcomes to the connections watching their reference.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	mu       sync.Mutex
	closed   bool
	firehose map[*client]struct{}
	watchers map[string]map[*client]struct{}
	clients  map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		firehose:   make(map[*client]struct{}),
		watchers:   make(map[string]map[*client]struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client and refuses
// new ones.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// Name identifies the hub as an audit backend.
func (h *Hub) Name() string { return "realtime" }

// Send delivers a reconciliation outcome to its watchers. Clients whose
// buffer is full are disconnected rather than blocking the caller.
func (h *Hub) Send(_ context.Context, o *reconciliation.Outcome) error {
	msg, err := json.Marshal(Event{Type: EventPaymentOutcome, Timestamp: o.At, Data: o})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	deliver := func(c *client) {
		select {
		case c.send <- msg:
		default:
			metrics.AuditDropped.WithLabelValues(h.Name(), "slow_client").Inc()
			h.dropLocked(c)
		}
	}
	for c := range h.firehose {
		deliver(c)
	}
	for c := range h.watchers[o.Reference] {
		if !c.all {
			deliver(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && len(h.clients) < h.maxClients
}

// attach registers c with its initial subscription. It fails once the hub
// is closed or full.
func (h *Hub) attach(c *client, sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = struct{}{}
	c.all = sub.AllEvents
	if c.all {
		h.firehose[c] = struct{}{}
	}
	for _, ref := range sub.References {
		h.watchLocked(c, ref)
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) watch(c *client, ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.watchLocked(c, ref)
	}
}

func (h *Hub) watchLocked(c *client, ref string) {
	if ref == "" || len(c.refs) >= maxReferencesPerClient || slices.Contains(c.refs, ref) {
		return
	}
	c.refs = append(c.refs, ref)
	set := h.watchers[ref]
	if set == nil {
		set = make(map[*client]struct{})
		h.watchers[ref] = set
	}
	set[c] = struct{}{}
}

// dropLocked removes c everywhere and closes its send channel, which makes
// writePump send a close frame.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	delete(h.firehose, c)
	for _, ref := range c.refs {
		if set := h.watchers[ref]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.watchers, ref)
			}
		}
	}
	close(c.send)
}

// HandleWebSocket upgrades HTTP to WebSocket with the given initial
// subscription. The caller decides who may set AllEvents.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, sub Subscription) {
	if !h.accepting() {
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{ws: ws, send: make(chan []byte, sendBuffer)}
	if !h.attach(c, sub) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump applies subscribe messages and keeps the read deadline alive.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.detach(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(4 * 1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var msg subscribeMessage
		if json.Unmarshal(message, &msg) == nil {
			h.watch(c, msg.Subscribe)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
