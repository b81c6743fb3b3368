package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/internal/core/services"
	"tripsync/internal/infrastructure/monitoring"
	apperrors "tripsync/pkg/errors"
	"tripsync/pkg/tracing"
	"tripsync/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"sync"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Close codes beyond the RFC 6455 range, distinguishable by clients.
const (
	CloseAuthFailure     = 4401
	CloseConnectionLimit = 4429
)

// Config carries the realtime server knobs.
type Config struct {
	PingInterval          time.Duration
	PongTimeout           time.Duration
	WriteTimeout          time.Duration
	MaxMessageBytes       int64
	RateWindow            time.Duration
	RateMaxMessages       int
	MaxConnectionsPerUser int
}

// WebSocketServer owns the lifecycle of every realtime connection:
// handshake authentication, per-connection rate/size/cap enforcement,
// heartbeat, and dispatch into the room registry.
type WebSocketServer struct {
	auth      services.AuthService
	resolver  ports.PermissionResolver
	resources ports.ResourceRepository
	presence  *services.PresenceCache
	registry  *RoomRegistry
	collector *monitoring.PrometheusCollector

	connections map[string]*Connection                       // by session id
	userConns   map[domain.UserID]map[string]*Connection     // user id -> session id -> conn
	mu          sync.RWMutex

	cfg    Config
	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	auth services.AuthService,
	resolver ports.PermissionResolver,
	resources ports.ResourceRepository,
	presence *services.PresenceCache,
	registry *RoomRegistry,
	collector *monitoring.PrometheusCollector,
	cfg Config,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	return &WebSocketServer{
		auth:        auth,
		resolver:    resolver,
		resources:   resources,
		presence:    presence,
		registry:    registry,
		collector:   collector,
		connections: make(map[string]*Connection),
		userConns:   make(map[domain.UserID]map[string]*Connection),
		cfg:         cfg,
		logger:      logger,
	}
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. The signed token is presented as a connection parameter; an
// absent or invalid token refuses the connection before any message
// exchange.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	claims, err := s.auth.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warnw("websocket handshake rejected", "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed"),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}

	conn := newConnection(claims.UserID, claims.Username, utils.GenerateSessionID(), ws, s.cfg.WriteTimeout)

	if !s.register(conn) {
		conn.sendError(
			fmt.Sprintf("maximum of %d concurrent connections per user", s.cfg.MaxConnectionsPerUser),
			string(apperrors.ErrCodeCapacity))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseConnectionLimit, "connection limit exceeded"),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}

	s.logger.Infow("connection established",
		"user_id", conn.UserID,
		"session_id", conn.SessionID,
	)
	if s.collector != nil {
		s.collector.ConnectionOpened()
	}

	conn.Send(serverMessage{
		Type: domain.MsgSystemConnected,
		Payload: domain.ConnectedPayload{
			UserID:    conn.UserID,
			SessionID: conn.SessionID,
			Timestamp: time.Now().UnixMilli(),
		},
	})

	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		conn.markAlive(true)
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.Envelope, 16)
	errorChan := make(chan error, 1)

	// Reader goroutine: size checks and envelope decoding happen here so
	// oversized or malformed frames are answered without tearing the
	// connection down.
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

			if int64(len(data)) > s.cfg.MaxMessageBytes {
				conn.sendError(
					fmt.Sprintf("message exceeds maximum size of %d bytes", s.cfg.MaxMessageBytes),
					string(apperrors.ErrCodeMessageTooLarge))
				continue
			}

			var env domain.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				conn.sendError("malformed message envelope", string(apperrors.ErrCodeValidation))
				continue
			}
			messageChan <- env
		}
	}()

	for {
		select {
		case env := <-messageChan:
			s.handleMessage(context.Background(), conn, env)

		case <-pingTicker.C:
			if !conn.isAlive() {
				s.logger.Infow("heartbeat missed, terminating connection",
					"user_id", conn.UserID,
					"session_id", conn.SessionID,
				)
				goto cleanup
			}
			conn.markAlive(false)
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "session_id", conn.SessionID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "session_id", conn.SessionID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.unregister(conn)
	s.logger.Infow("connection closed",
		"user_id", conn.UserID,
		"session_id", conn.SessionID,
	)
}

// register adds the connection to tracking, enforcing the per-user cap.
func (s *WebSocketServer) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.userConns[c.UserID]) >= s.cfg.MaxConnectionsPerUser {
		s.logger.Warnw("connection cap exceeded", "user_id", c.UserID)
		return false
	}
	s.connections[c.SessionID] = c
	if s.userConns[c.UserID] == nil {
		s.userConns[c.UserID] = make(map[string]*Connection)
	}
	s.userConns[c.UserID][c.SessionID] = c
	return true
}

// unregister removes the connection from every room it joined and from
// tracking. Membership is gone before this returns.
func (s *WebSocketServer) unregister(c *Connection) {
	c.markClosed()

	for _, roomID := range c.rooms() {
		if s.registry.Leave(roomID, c) && !c.isPrivate() {
			s.registry.Broadcast(roomID, serverMessage{
				Type: domain.MsgPresenceLeft,
				Payload: domain.PresencePayload{
					UserID:    c.UserID,
					SessionID: c.SessionID,
					RoomID:    roomID,
					Timestamp: time.Now().UnixMilli(),
				},
			}, c.UserID)
		}
	}

	s.mu.Lock()
	delete(s.connections, c.SessionID)
	if conns, ok := s.userConns[c.UserID]; ok {
		delete(conns, c.SessionID)
		if len(conns) == 0 {
			delete(s.userConns, c.UserID)
		}
	}
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.ConnectionClosed()
		s.collector.SetRooms(s.registry.RoomCount())
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *Connection, env domain.Envelope) {
	// Heartbeat replies bypass the rate limit.
	if env.Type == domain.MsgPing {
		c.Send(serverMessage{
			Type:    domain.MsgPong,
			Payload: domain.PongPayload{Timestamp: time.Now().UnixMilli()},
		})
		return
	}

	if !c.allowMessage(time.Now(), s.cfg.RateWindow, s.cfg.RateMaxMessages) {
		if s.collector != nil {
			s.collector.RateLimited()
		}
		c.sendError("rate limit exceeded", string(apperrors.ErrCodeRateLimit))
		return
	}

	ctx, span := tracing.TraceRealtimeMessage(ctx, env.Type, string(c.UserID))
	defer span.End()

	if s.collector != nil {
		s.collector.MessageReceived(env.Type)
	}

	switch env.Type {
	case domain.MsgRoomJoin:
		s.handleJoin(ctx, c, env.Payload)
	case domain.MsgRoomLeave:
		s.handleLeave(ctx, c, env.Payload)
	case domain.MsgEventBroadcast:
		s.handleBroadcast(ctx, c, env.Payload)
	case domain.MsgPresenceUpdate:
		s.handlePresenceUpdate(ctx, c, env.Payload)
	default:
		c.sendError(fmt.Sprintf("unknown message type: %s", env.Type), string(apperrors.ErrCodeValidation))
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *Connection, payload json.RawMessage) {
	var target domain.RoomTarget
	if err := json.Unmarshal(payload, &target); err != nil {
		c.sendError("invalid room:join payload", string(apperrors.ErrCodeValidation))
		return
	}
	kind, resourceID, err := target.Resolve()
	if err != nil {
		c.sendError(err.Error(), string(apperrors.ErrCodeValidation))
		return
	}
	roomID := domain.RoomKey(kind, resourceID)

	if err := s.authorizeJoin(ctx, c.UserID, kind, resourceID); err != nil {
		if s.collector != nil {
			s.collector.PermissionCheck(false)
		}
		appErr := apperrors.GetAppError(err)
		if appErr != nil {
			c.sendError(appErr.Message, string(appErr.Code))
		} else {
			c.sendError("access denied", string(apperrors.ErrCodeAccessDenied))
		}
		return
	}
	if s.collector != nil {
		s.collector.PermissionCheck(true)
	}

	private := s.presence.IsPrivate(ctx, c.UserID)
	c.setPrivate(private)

	existing := s.registry.Join(roomID, c)
	c.recordJoin(roomID, target.Tab)
	if s.collector != nil {
		s.collector.SetRooms(s.registry.RoomCount())
	}

	// The joiner gets the privacy-filtered member list; private members
	// are invisible even while connected.
	members := make([]domain.RoomMember, 0, len(existing)+1)
	if !private {
		members = append(members, domain.RoomMember{UserID: c.UserID, SessionID: c.SessionID})
	}
	for _, member := range existing {
		if member.isPrivate() {
			continue
		}
		members = append(members, domain.RoomMember{UserID: member.UserID, SessionID: member.SessionID})
	}
	c.Send(serverMessage{
		Type:    domain.MsgRoomJoined,
		Payload: domain.RoomJoinedPayload{RoomID: roomID, Members: members},
	})

	if !private {
		s.registry.Broadcast(roomID, serverMessage{
			Type: domain.MsgPresenceJoined,
			Payload: domain.PresencePayload{
				UserID:    c.UserID,
				SessionID: c.SessionID,
				RoomID:    roomID,
				Tab:       target.Tab,
				Timestamp: time.Now().UnixMilli(),
			},
		}, c.UserID)
	}

	s.logger.Infow("room joined",
		"room_id", roomID,
		"user_id", c.UserID,
		"session_id", c.SessionID,
		"private", private,
	)
}

// authorizeJoin applies the resource-kind membership rule: Collaborator
// or better standing is required; a plan's direct owner is always a
// member even without an explicit permission entry.
func (s *WebSocketServer) authorizeJoin(ctx context.Context, userID domain.UserID, kind domain.RoomKind, resourceID domain.ResourceID) error {
	resource, err := s.resources.GetByID(ctx, kind.ResourceType(), resourceID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound,
			fmt.Sprintf("%s %s not found", kind, resourceID), http.StatusNotFound)
	}

	if s.resolver.IsSuperAdmin(userID) || resource.OwnerID == userID {
		return nil
	}
	if s.resolver.HasRole(ctx, userID, resource, domain.RoleCollaborator) {
		return nil
	}
	return apperrors.NewAccessDeniedError(
		fmt.Sprintf("no access to %s %s", kind, resourceID))
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *Connection, payload json.RawMessage) {
	var target domain.RoomTarget
	if err := json.Unmarshal(payload, &target); err != nil {
		c.sendError("invalid room:leave payload", string(apperrors.ErrCodeValidation))
		return
	}
	kind, resourceID, err := target.Resolve()
	if err != nil {
		c.sendError(err.Error(), string(apperrors.ErrCodeValidation))
		return
	}
	roomID := domain.RoomKey(kind, resourceID)

	if !c.recordLeave(roomID) {
		c.sendError(fmt.Sprintf("not a member of %s", roomID), string(apperrors.ErrCodeNotFound))
		return
	}
	s.registry.Leave(roomID, c)
	if s.collector != nil {
		s.collector.SetRooms(s.registry.RoomCount())
	}

	if !c.isPrivate() {
		s.registry.Broadcast(roomID, serverMessage{
			Type: domain.MsgPresenceLeft,
			Payload: domain.PresencePayload{
				UserID:    c.UserID,
				SessionID: c.SessionID,
				RoomID:    roomID,
				Timestamp: time.Now().UnixMilli(),
			},
		}, c.UserID)
	}

	s.logger.Infow("room left",
		"room_id", roomID,
		"user_id", c.UserID,
		"session_id", c.SessionID,
	)
}

func (s *WebSocketServer) handleBroadcast(ctx context.Context, c *Connection, payload json.RawMessage) {
	roomID, fields, ok := s.parseRoomEvent(c, payload, "event:broadcast")
	if !ok {
		return
	}
	if !c.inRoom(roomID) {
		c.sendError(fmt.Sprintf("not a member of %s", roomID), string(apperrors.ErrCodeAccessDenied))
		return
	}

	event := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		event[k] = v
	}
	event["roomId"] = roomID
	event["userId"] = c.UserID
	event["sessionId"] = c.SessionID
	event["timestamp"] = time.Now().UnixMilli()

	sent := s.registry.Broadcast(roomID, serverMessage{
		Type:    domain.MsgEventReceived,
		Payload: event,
	}, c.UserID)
	if s.collector != nil {
		s.collector.BroadcastSent(sent)
	}
}

func (s *WebSocketServer) handlePresenceUpdate(ctx context.Context, c *Connection, payload json.RawMessage) {
	roomID, fields, ok := s.parseRoomEvent(c, payload, "presence:update")
	if !ok {
		return
	}
	if !c.inRoom(roomID) {
		c.sendError(fmt.Sprintf("not a member of %s", roomID), string(apperrors.ErrCodeAccessDenied))
		return
	}
	// Private users send and receive events but never surface in
	// presence notices.
	if c.isPrivate() {
		return
	}

	s.registry.Broadcast(roomID, serverMessage{
		Type: domain.MsgPresenceUpdated,
		Payload: domain.PresencePayload{
			UserID:    c.UserID,
			SessionID: c.SessionID,
			RoomID:    roomID,
			Timestamp: time.Now().UnixMilli(),
			Fields:    fields,
		},
	}, c.UserID)
}

// parseRoomEvent decodes a payload that addresses a room and carries
// free-form event fields alongside the addressing keys.
func (s *WebSocketServer) parseRoomEvent(c *Connection, payload json.RawMessage, kind string) (string, map[string]interface{}, bool) {
	var target domain.RoomTarget
	if err := json.Unmarshal(payload, &target); err != nil {
		c.sendError(fmt.Sprintf("invalid %s payload", kind), string(apperrors.ErrCodeValidation))
		return "", nil, false
	}
	roomKind, resourceID, err := target.Resolve()
	if err != nil {
		c.sendError(err.Error(), string(apperrors.ErrCodeValidation))
		return "", nil, false
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal(payload, &fields); err != nil {
		c.sendError(fmt.Sprintf("invalid %s payload", kind), string(apperrors.ErrCodeValidation))
		return "", nil, false
	}
	delete(fields, "roomId")
	delete(fields, "experienceId")
	delete(fields, "planId")

	return domain.RoomKey(roomKind, resourceID), fields, true
}

// BroadcastEvent delivers an out-of-band event to a room, e.g. from the
// HTTP layer after a permission change. A missing room is a silent no-op.
func (s *WebSocketServer) BroadcastEvent(kind domain.RoomKind, resourceID domain.ResourceID, event interface{}, excludeUser domain.UserID) int {
	return s.registry.Broadcast(domain.RoomKey(kind, resourceID), event, excludeUser)
}

// SendEventToUser delivers an event to every active connection of one
// user, regardless of room membership.
func (s *WebSocketServer) SendEventToUser(userID domain.UserID, event interface{}) int {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.userConns[userID]))
	for _, c := range s.userConns[userID] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(event); err != nil {
			s.logger.Debugw("direct delivery failed", "session_id", c.SessionID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ConnectionCount returns the number of tracked connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// PruneDead removes tracking entries whose connection has closed without
// going through the normal teardown. Called by the cleanup supervisor.
func (s *WebSocketServer) PruneDead() int {
	s.mu.RLock()
	var dead []*Connection
	for _, c := range s.connections {
		if c.isClosed() {
			dead = append(dead, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range dead {
		s.unregister(c)
	}
	return len(dead)
}

// Shutdown closes every connection with a going-away frame.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(s.cfg.WriteTimeout))
			c.ws.Close()
		}
		s.unregister(c)
	}
}
