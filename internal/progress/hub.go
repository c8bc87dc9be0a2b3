package progress

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Subscriber abstracts a streaming client
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live stream subscriptions by user ID
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a user's stream
func (h *Hub) Register(userID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[Subscriber]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

// Unregister removes a client
func (h *Hub) Unregister(userID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(userID, client)
}

// Broadcast sends payload to every client of userID. Clients that fail are dropped.
func (h *Hub) Broadcast(userID string, payload []byte) {
	h.mu.RLock()
	clients := make([]Subscriber, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.Unregister(userID, c)
		}
	}
}

// Count returns the number of clients subscribed for userID
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) removeLocked(userID string, client Subscriber) {
	if clients, ok := h.clients[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, userID)
		}
	}
}

// Forward relays every message on the redis channels <prefix>:* into the hub
// until ctx is done.
func Forward(ctx context.Context, client *redis.Client, prefix string, hub *Hub, logger zerolog.Logger) error {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	sub := client.PSubscribe(ctx, prefix+":*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID := strings.TrimPrefix(msg.Channel, prefix+":")
			hub.Broadcast(userID, []byte(msg.Payload))
			logger.Trace().Str("user_id", userID).Msg("Forwarded progress line")
		}
	}
}

// WSClient is a websocket Subscriber
type WSClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewWSClient wraps conn
func NewWSClient(conn *websocket.Conn, logger zerolog.Logger) *WSClient {
	return &WSClient{conn: conn, logger: logger}
}

// Send writes one text frame
func (c *WSClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn().Err(err).Msg("websocket send failed")
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection
func (c *WSClient) Close() {
	_ = c.conn.Close()
}
