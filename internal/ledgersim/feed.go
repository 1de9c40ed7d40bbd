package ledgersim

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tledger/tpay-go/internal/metrics"
)

// Event is one payment status transition broadcast to feed subscribers.
type Event struct {
	PaymentID string    `json:"payment_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Feed fans payment transitions out to websocket subscribers. Delivery is
// best-effort: a slow subscriber is disconnected rather than allowed to
// block the rest.
type Feed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	logger  *slog.Logger
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewFeed creates an event feed.
func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{
		clients: make(map[*feedClient]struct{}),
		logger:  logger,
	}
}

// Broadcast queues ev to every connected subscriber.
func (f *Feed) Broadcast(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- ev:
		default:
			// Subscriber stopped draining; cut it loose.
			f.dropLocked(c)
		}
	}
}

// Handle upgrades the request to a websocket subscription.
func (f *Feed) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Debug("feed upgrade failed", "error", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan Event, 32)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.clients[client] = struct{}{}
	n := len(f.clients)
	f.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	f.logger.Debug("feed subscriber connected", "total", n)

	go f.writePump(client)
	f.readPump(client)
}

// Shutdown disconnects every subscriber. Run after the HTTP server stops
// accepting connections.
func (f *Feed) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		f.dropLocked(c)
	}
}

func (f *Feed) dropLocked(c *feedClient) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(f.clients)))
}

func (f *Feed) drop(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(c)
}

// readPump drains control frames and detects disconnects.
func (f *Feed) readPump(c *feedClient) {
	defer f.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(c *feedClient) {
	defer func() { _ = c.conn.Close() }()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			f.drop(c)
			return
		}
	}
	// Channel closed: say goodbye properly.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
}
