package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

// ErrNotConnected is returned by Deliver when the subscriber has no open
// connection.
var ErrNotConnected = errors.New("subscriber has no open connection")

// CommandHandler executes the commands clients send over their socket.
type CommandHandler interface {
	JoinSubscriber(ctx context.Context, sessionID, subscriberID string) (models.ViewerProjection, error)
	LeaveSubscriber(ctx context.Context, sessionID, subscriberID string) error
	DropSubscriber(ctx context.Context, subscriberID string)
}

// ConnectionManager is the WebSocket transport behind the gateway. It keeps
// every open connection per subscriber and implements Deliverer.
type ConnectionManager struct {
	// Connection pools organized by subscriber ID
	subscriberConnections map[string]map[*Connection]bool
	mu                    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  CommandHandler
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID           string
	SubscriberID string
	Conn         *websocket.Conn
	Send         chan []byte
	Manager      *ConnectionManager

	ConnectedAt time.Time

	closeOnce sync.Once
	pingMu    sync.Mutex
	lastPing  time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// ClientMessage is a command received from a client.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// origin policy is enforced by the CORS layer in front of us
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	return &ConnectionManager{
		subscriberConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// SetCommandHandler wires the handler that executes client commands. It must
// be called before connections are accepted.
func (cm *ConnectionManager) SetCommandHandler(h CommandHandler) {
	cm.handler = h
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, subscriberID string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		Conn:         conn,
		Send:         make(chan []byte, cm.config.SendBufferSize),
		Manager:      cm,
		ConnectedAt:  time.Now(),
		lastPing:     time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("subscriber_id", subscriberID).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.subscriberConnections[conn.SubscriberID] == nil {
		cm.subscriberConnections[conn.SubscriberID] = make(map[*Connection]bool)
	}
	cm.subscriberConnections[conn.SubscriberID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("subscriber_id", conn.SubscriberID).
		Int("subscriber_connections", len(cm.subscriberConnections[conn.SubscriberID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager. When it was
// the subscriber's last connection the subscriber leaves every group.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	last := false

	cm.mu.Lock()
	if connections, exists := cm.subscriberConnections[conn.SubscriberID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(cm.subscriberConnections, conn.SubscriberID)
				last = true
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("subscriber_id", conn.SubscriberID).
				Msg("connection unregistered")
		}
	}
	cm.mu.Unlock()

	if last && cm.handler != nil {
		cm.handler.DropSubscriber(context.Background(), conn.SubscriberID)
	}
}

// Deliver queues msg on every connection of subscriberID. A connection whose
// buffer is full is closed rather than allowed to hold up the others.
func (cm *ConnectionManager) Deliver(ctx context.Context, subscriberID string, msg Message) error {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.subscriberConnections[subscriberID] {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sent := 0
	for _, conn := range targets {
		if conn.enqueue(data) {
			sent++
		}
	}
	if sent == 0 {
		return ErrNotConnected
	}
	return nil
}

// enqueue hands data to the write pump without blocking. A full buffer means
// the client is too slow and the connection is dropped.
func (c *Connection) enqueue(data []byte) (ok bool) {
	c.Manager.mu.RLock()
	registered := c.Manager.subscriberConnections[c.SubscriberID][c]
	if registered {
		select {
		case c.Send <- data:
			ok = true
		default:
		}
	}
	c.Manager.mu.RUnlock()

	if registered && !ok {
		log.Warn().
			Str("connection_id", c.ID).
			Str("subscriber_id", c.SubscriberID).
			Msg("connection send buffer full, closing connection")
		c.close()
	}
	return ok
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	})
}

// LastPing returns when the client last answered a ping, or connected.
func (c *Connection) LastPing() time.Time {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.lastPing
}

func (c *Connection) touch() {
	c.pingMu.Lock()
	c.lastPing = time.Now()
	c.pingMu.Unlock()
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	var oldest time.Time
	for _, connections := range cm.subscriberConnections {
		total += len(connections)
		for conn := range connections {
			if p := conn.LastPing(); oldest.IsZero() || p.Before(oldest) {
				oldest = p
			}
		}
	}

	stats := map[string]interface{}{
		"total_connections":  total,
		"active_subscribers": len(cm.subscriberConnections),
	}
	// a connection that stops answering pings is closed once ReadTimeout
	// passes, so this age stays below it on a healthy server
	if !oldest.IsZero() {
		stats["oldest_ping_age_seconds"] = time.Since(oldest).Seconds()
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer c.close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client
func (c *Connection) handleClientMessage(message []byte) {
	var cmd ClientMessage
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.replyError("unknown", fmt.Errorf("malformed command: %w", err))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("subscriber_id", c.SubscriberID).
		Str("command", cmd.Type).
		Str("session_id", cmd.SessionID).
		Msg("received client command")

	handler := c.Manager.handler
	if handler == nil && cmd.Type != "ping" {
		c.replyError(cmd.Type, errors.New("commands are not accepted"))
		return
	}

	ctx := context.Background()
	switch cmd.Type {
	case "join":
		if _, err := handler.JoinSubscriber(ctx, cmd.SessionID, c.SubscriberID); err != nil {
			c.replyError(cmd.Type, err)
		}
	case "leave":
		if err := handler.LeaveSubscriber(ctx, cmd.SessionID, c.SubscriberID); err != nil {
			c.replyError(cmd.Type, err)
		}
	case "ping":
		c.reply(NewMessage(TypePing, "", PingPayload{Text: "pong"}))
	default:
		c.replyError(cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

func (c *Connection) replyError(command string, err error) {
	c.reply(NewMessage(TypeError, "", ErrorPayload{Command: command, Error: err.Error()}))
}

func (c *Connection) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal reply")
		return
	}
	c.enqueue(data)
}
