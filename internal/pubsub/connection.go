package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	topicCap        = 50 // spec §4.2 platform limit
	pingInterval    = 4 * time.Minute
	pingJitter      = 30 * time.Second
	pongTimeout     = 10 * time.Second
	dialTimeout     = 10 * time.Second
)

// connection wraps one platform PubSub WebSocket, tracking the topics
// currently subscribed on it. Grounded on infrastructure/nats_client.go's
// shape: a mutex-guarded connection handle plus reconnect bookkeeping,
// generalized from NATS subjects to PubSub topics and from a JetStream
// client to a raw gorilla/websocket connection.
type connection struct {
	id       int
	edgeURL  string
	authFunc func() string // returns current bearer token, re-read on each (re)connect

	mu     sync.RWMutex
	conn   *websocket.Conn
	topics map[string]struct{}

	lastPong time.Time
	lastPing time.Time

	closed chan struct{}
}

func newConnection(id int, edgeURL string, authFunc func() string) *connection {
	return &connection{
		id:       id,
		edgeURL:  edgeURL,
		authFunc: authFunc,
		topics:   make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *connection) topicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics)
}

func (c *connection) hasRoom() bool {
	return c.topicCount() < topicCap
}

func (c *connection) dial(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.edgeURL, nil)
	if err != nil {
		return fmt.Errorf("connection %d dial: %w", c.id, err)
	}

	c.mu.Lock()
	c.conn = ws
	c.lastPong = time.Now()
	c.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	// Re-subscribe to any topics this connection owned across a reconnect.
	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()
	for _, t := range topics {
		if err := c.sendListen(t); err != nil {
			log.WithError(err).WithField("connection", c.id).Warn("resubscribe failed after reconnect")
		}
	}

	return nil
}

type pubsubFrame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (c *connection) sendListen(topic string) error {
	return c.writeJSON(pubsubFrame{
		Type: "LISTEN",
		Data: json.RawMessage(fmt.Sprintf(`{"topics":[%q],"auth_token":%q}`, topic, c.authFunc())),
	})
}

func (c *connection) sendUnlisten(topic string) error {
	return c.writeJSON(pubsubFrame{
		Type: "UNLISTEN",
		Data: json.RawMessage(fmt.Sprintf(`{"topics":[%q]}`, topic)),
	})
}

func (c *connection) writeJSON(v any) error {
	c.mu.RLock()
	ws := c.conn
	c.mu.RUnlock()
	if ws == nil {
		return fmt.Errorf("connection %d not dialed", c.id)
	}
	return ws.WriteJSON(v)
}

func (c *connection) subscribe(topic string) error {
	if err := c.sendListen(topic); err != nil {
		return err
	}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// unsubscribe drops a topic locally. The platform connection is not torn
// down eagerly even if this empties the connection — spec §4.2: "removing
// topics may coalesce connections lazily (not eagerly — churn is costly)".
func (c *connection) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	_ = c.sendUnlisten(topic)
}

func (c *connection) isDead(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return false
	}
	return now.Sub(c.lastPong) > pingInterval+pingJitter+pongTimeout
}

func (c *connection) ping() error {
	c.mu.Lock()
	ws := c.conn
	c.lastPing = time.Now()
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *connection) lastPingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *connection) close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
}

func (c *connection) readLoop(ctx context.Context, out func(pubsubFrame)) {
	for {
		c.mu.RLock()
		ws := c.conn
		c.mu.RUnlock()
		if ws == nil {
			return
		}

		var frame pubsubFrame
		if err := ws.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).WithField("connection", c.id).Warn("pubsub read error")
			return
		}
		out(frame)
	}
}
