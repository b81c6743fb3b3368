package realtime

import (
	"sync"
	"time"

	"tripsync/internal/core/domain"

	"github.com/gorilla/websocket"
)

// serverMessage is the outbound wire envelope.
type serverMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Connection is the server-side state of one live realtime session.
// Created after a successful handshake, destroyed on disconnect or forced
// termination.
type Connection struct {
	UserID    domain.UserID
	SessionID string
	Username  string

	ws           *websocket.Conn
	writeTimeout time.Duration
	// sendFn overrides the websocket write in tests.
	sendFn func(interface{}) error

	mu           sync.Mutex
	joinedRooms  map[string]string // room id -> tab
	windowStart  time.Time
	messageCount int
	alive        bool
	closed       bool
	private      bool
}

func newConnection(userID domain.UserID, username, sessionID string, ws *websocket.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		UserID:       userID,
		SessionID:    sessionID,
		Username:     username,
		ws:           ws,
		writeTimeout: writeTimeout,
		joinedRooms:  make(map[string]string),
		windowStart:  time.Now(),
		alive:        true,
	}
}

// Send delivers a message to the client. Writes are serialized; a closed
// connection swallows the message.
func (c *Connection) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.sendFn != nil {
		return c.sendFn(msg)
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Connection) sendError(message, code string) {
	c.Send(serverMessage{
		Type:    domain.MsgError,
		Payload: domain.ErrorPayload{Message: message, Code: code},
	})
}

// allowMessage applies the fixed-window rate limit: counters reset once
// the window elapses, and the message is rejected once the count exceeds
// max within the current window.
func (c *Connection) allowMessage(now time.Time, window time.Duration, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.messageCount = 0
	}
	c.messageCount++
	return c.messageCount <= max
}

func (c *Connection) recordJoin(roomID, tab string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRooms[roomID] = tab
}

func (c *Connection) recordLeave(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joinedRooms[roomID]; !ok {
		return false
	}
	delete(c.joinedRooms, roomID)
	return true
}

func (c *Connection) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joinedRooms[roomID]
	return ok
}

// rooms returns a snapshot of the rooms this connection has joined.
func (c *Connection) rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joinedRooms))
	for roomID := range c.joinedRooms {
		out = append(out, roomID)
	}
	return out
}

func (c *Connection) markAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = alive
}

func (c *Connection) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) setPrivate(private bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.private = private
}

func (c *Connection) isPrivate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.private
}
