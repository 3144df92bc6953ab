package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Websocket timings follow the gorilla chat example.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// ErrOffline is returned when the recipient has no open push connection.
// The retry queue treats it like any other delivery failure.
var ErrOffline = errors.New("recipient has no push connection")

// PushMessage is the frame written to an agent's socket.
type PushMessage struct {
	Type   types.EventType   `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

type pushClient struct {
	userID    string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *pushClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *pushClient) write(deadline time.Time, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return fn()
}

// Hub keeps one websocket per user and pushes notifications onto it. A new
// connection for a user replaces the old one.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*pushClient
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
	closed   bool
}

// NewHub creates an empty hub. allowOrigin decides cross-origin upgrades; nil
// accepts every origin.
func NewHub(log *zap.SugaredLogger, allowOrigin func(r *http.Request) bool) *Hub {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[string]*pushClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin,
		},
		log: logger.OrDefault(log, "push"),
	}
}

// ServeWS upgrades the request and registers the socket for userID. It
// returns once the upgrade is done; the connection is serviced in the
// background until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	if userID == "" {
		return errors.NewInvalidRequestError("push connection requires a user id")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "websocket upgrade")
	}

	c := &pushClient{userID: userID, conn: conn, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return errors.New("push hub is closed")
	}
	old := h.clients[userID]
	h.clients[userID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	h.log.Infow("push connected", "user_id", userID)

	go h.readPump(c)
	go h.pingPump(c)
	return nil
}

// readPump discards inbound frames and notices when the peer disconnects.
func (h *Hub) readPump(c *pushClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugw("push read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) pingPump(c *pushClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.write(time.Now().Add(writeWait), func() error {
				return c.conn.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

func (h *Hub) unregister(c *pushClient) {
	h.mu.Lock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
		h.log.Infow("push disconnected", "user_id", c.userID)
	}
	h.mu.Unlock()
	c.close()
}

// Send writes msg to userID's socket, or returns ErrOffline.
func (h *Hub) Send(ctx context.Context, userID string, msg PushMessage) error {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return errors.Wrapf(ErrOffline, "user %s", userID)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.write(deadline, func() error { return c.conn.WriteJSON(msg) }); err != nil {
		h.unregister(c)
		return errors.Wrapf(err, "push to %s", userID)
	}
	return nil
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Count returns the number of connected users.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*pushClient)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.write(time.Now().Add(writeWait), func() error {
			return c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		})
		c.close()
	}
}

// PushChannel delivers payloads through a Hub.
type PushChannel struct {
	hub *Hub
	now func() time.Time
}

func NewPushChannel(hub *Hub, now func() time.Time) *PushChannel {
	if now == nil {
		now = time.Now
	}
	return &PushChannel{hub: hub, now: now}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Supports(p types.NotificationPayload) bool {
	return p.Recipient.UserID != ""
}

func (c *PushChannel) Send(ctx context.Context, p types.NotificationPayload) error {
	now := c.now()
	m := Render(p, now)
	return c.hub.Send(ctx, p.Recipient.UserID, PushMessage{
		Type:   p.EventType,
		Title:  m.Title,
		Body:   m.Body,
		Data:   m.Data,
		SentAt: now,
	})
}
