package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/services"
	"tripsync/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type serverFixture struct {
	server    *WebSocketServer
	resources interface {
		Create(ctx context.Context, r *domain.Resource) error
	}
	users interface {
		Save(ctx context.Context, u *domain.User) error
	}
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	resources := memory.NewMemoryResourceRepository()
	users := memory.NewMemoryUserRepository()
	resolver := services.NewPermissionResolver(resources, "admin", logger)
	presence := services.NewPresenceCache(users, time.Minute, logger)
	registry := NewRoomRegistry(logger)

	auth := services.NewAuthService("test-secret", time.Minute, time.Hour)
	server := NewWebSocketServer(auth, resolver, resources, presence, registry, nil, Config{
		PingInterval:          30 * time.Second,
		PongTimeout:           60 * time.Second,
		WriteTimeout:          time.Second,
		MaxMessageBytes:       64 * 1024,
		RateWindow:            10 * time.Second,
		RateMaxMessages:       100,
		MaxConnectionsPerUser: 2,
	}, logger)

	return &serverFixture{server: server, resources: resources, users: users}
}

func (f *serverFixture) seedExperience(t *testing.T, id string, owner domain.UserID, perms ...domain.Permission) {
	t.Helper()
	require.NoError(t, f.resources.Create(context.Background(), &domain.Resource{
		ID:          domain.ResourceID(id),
		Type:        domain.ResourceExperience,
		OwnerID:     owner,
		Permissions: perms,
	}))
}

func (f *serverFixture) seedUser(t *testing.T, id domain.UserID, private bool) {
	t.Helper()
	require.NoError(t, f.users.Save(context.Background(), &domain.User{ID: id, PrivateProfile: private}))
}

func (f *serverFixture) connect(t *testing.T, userID domain.UserID, sessionID string) (*Connection, *[]interface{}) {
	t.Helper()
	sink := &[]interface{}{}
	c := newTestConnection(userID, sessionID, sink)
	require.True(t, f.server.register(c), "connection cap should not be hit")
	return c, sink
}

func envelope(t *testing.T, msgType string, payload interface{}) domain.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Envelope{Type: msgType, Payload: raw}
}

func messageTypes(sink *[]interface{}) []string {
	var out []string
	for _, msg := range *sink {
		if m, ok := msg.(serverMessage); ok {
			out = append(out, m.Type)
		}
	}
	return out
}

func lastMessage(t *testing.T, sink *[]interface{}) serverMessage {
	t.Helper()
	require.NotEmpty(t, *sink)
	m, ok := (*sink)[len(*sink)-1].(serverMessage)
	require.True(t, ok, "expected a serverMessage")
	return m
}

func TestHandleJoinAuthorizedOwner(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice")
	f.seedUser(t, "alice", false)

	conn, sink := f.connect(t, "alice", "s1")
	f.server.handleMessage(context.Background(), conn, envelope(t, domain.MsgRoomJoin,
		map[string]string{"experienceId": "e1"}))

	msg := lastMessage(t, sink)
	assert.Equal(t, domain.MsgRoomJoined, msg.Type)
	joined := msg.Payload.(domain.RoomJoinedPayload)
	assert.Equal(t, "experience:e1", joined.RoomID)
	require.Len(t, joined.Members, 1)
	assert.EqualValues(t, "alice", joined.Members[0].UserID)
	assert.True(t, conn.inRoom("experience:e1"))
}

func TestHandleJoinDeniedWithoutRole(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice")

	conn, sink := f.connect(t, "stranger", "s1")
	f.server.handleMessage(context.Background(), conn, envelope(t, domain.MsgRoomJoin,
		map[string]string{"experienceId": "e1"}))

	msg := lastMessage(t, sink)
	assert.Equal(t, domain.MsgError, msg.Type)
	payload := msg.Payload.(domain.ErrorPayload)
	assert.Equal(t, "ACCESS_DENIED", payload.Code)
	assert.False(t, conn.inRoom("experience:e1"))
}

func TestHandleJoinContributorDenied(t *testing.T) {
	f := newServerFixture(t)
	// Contributor standing is below the Collaborator bar for rooms.
	f.seedExperience(t, "e1", "alice", domain.Permission{
		EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleContributor,
	})

	conn, sink := f.connect(t, "bob", "s1")
	f.server.handleMessage(context.Background(), conn, envelope(t, domain.MsgRoomJoin,
		map[string]string{"experienceId": "e1"}))

	assert.Equal(t, domain.MsgError, lastMessage(t, sink).Type)
}

func TestPresenceAnnouncementsBetweenMembers(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice", domain.Permission{
		EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleCollaborator,
	})
	f.seedUser(t, "alice", false)
	f.seedUser(t, "bob", false)

	ctx := context.Background()
	alice, aliceSink := f.connect(t, "alice", "s1")
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	bob, bobSink := f.connect(t, "bob", "s2")
	f.server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	assert.Contains(t, messageTypes(aliceSink), domain.MsgPresenceJoined)

	// Bob's member list includes both users.
	joined := lastMessage(t, bobSink)
	require.Equal(t, domain.MsgRoomJoined, joined.Type)
	assert.Len(t, joined.Payload.(domain.RoomJoinedPayload).Members, 2)

	// Leaving announces to the remaining members.
	f.server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomLeave, map[string]string{"experienceId": "e1"}))
	assert.Contains(t, messageTypes(aliceSink), domain.MsgPresenceLeft)
	assert.False(t, bob.inRoom("experience:e1"))
}

func TestPrivateUserIsInvisible(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice", domain.Permission{
		EntityID: "ghost", EntityType: domain.EntityUser, Role: domain.RoleCollaborator,
	})
	f.seedUser(t, "alice", false)
	f.seedUser(t, "ghost", true)

	ctx := context.Background()
	alice, aliceSink := f.connect(t, "alice", "s1")
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	ghost, ghostSink := f.connect(t, "ghost", "s2")
	f.server.handleMessage(ctx, ghost, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	// No presence:joined reaches alice for a private member.
	assert.NotContains(t, messageTypes(aliceSink), domain.MsgPresenceJoined)

	// The private member is absent from their own member list reply too.
	joined := lastMessage(t, ghostSink)
	require.Equal(t, domain.MsgRoomJoined, joined.Type)
	members := joined.Payload.(domain.RoomJoinedPayload).Members
	require.Len(t, members, 1)
	assert.EqualValues(t, "alice", members[0].UserID)

	// Private members still receive and send events.
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgEventBroadcast,
		map[string]string{"experienceId": "e1", "change": "title"}))
	assert.Contains(t, messageTypes(ghostSink), domain.MsgEventReceived)
}

func TestHandleBroadcast(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice", domain.Permission{
		EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleCollaborator,
	})
	f.seedUser(t, "alice", false)
	f.seedUser(t, "bob", false)

	ctx := context.Background()
	alice, aliceSink := f.connect(t, "alice", "s1")
	bob, bobSink := f.connect(t, "bob", "s2")
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))
	f.server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	before := len(*aliceSink)
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgEventBroadcast,
		map[string]interface{}{"experienceId": "e1", "op": "reorder", "position": 2}))

	// The sender does not receive their own event.
	assert.Len(t, *aliceSink, before)

	msg := lastMessage(t, bobSink)
	require.Equal(t, domain.MsgEventReceived, msg.Type)
	event := msg.Payload.(map[string]interface{})
	assert.Equal(t, "reorder", event["op"])
	assert.Equal(t, "experience:e1", event["roomId"])
	assert.EqualValues(t, "alice", event["userId"])
	assert.NotNil(t, event["timestamp"])
}

func TestBroadcastRequiresMembership(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice")

	conn, sink := f.connect(t, "alice", "s1")
	// Broadcasting without joining first is refused.
	f.server.handleMessage(context.Background(), conn, envelope(t, domain.MsgEventBroadcast,
		map[string]string{"experienceId": "e1"}))
	assert.Equal(t, domain.MsgError, lastMessage(t, sink).Type)
}

func TestPingBypassesRateLimit(t *testing.T) {
	f := newServerFixture(t)
	conn, sink := f.connect(t, "alice", "s1")

	// Exhaust the message budget.
	for i := 0; i < 200; i++ {
		conn.allowMessage(time.Now(), 10*time.Second, 100)
	}

	f.server.handleMessage(context.Background(), conn, domain.Envelope{Type: domain.MsgPing})
	assert.Equal(t, domain.MsgPong, lastMessage(t, sink).Type)

	// A non-ping message in the same window is rejected.
	f.server.handleMessage(context.Background(), conn, envelope(t, domain.MsgRoomJoin,
		map[string]string{"experienceId": "e1"}))
	msg := lastMessage(t, sink)
	require.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", msg.Payload.(domain.ErrorPayload).Code)
}

func TestUnknownMessageType(t *testing.T) {
	f := newServerFixture(t)
	conn, sink := f.connect(t, "alice", "s1")

	f.server.handleMessage(context.Background(), conn, domain.Envelope{Type: "room:destroy"})
	msg := lastMessage(t, sink)
	require.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, "VALIDATION_ERROR", msg.Payload.(domain.ErrorPayload).Code)
}

func TestConnectionCapPerUser(t *testing.T) {
	f := newServerFixture(t)

	a := newTestConnection("alice", "s1", nil)
	b := newTestConnection("alice", "s2", nil)
	c := newTestConnection("alice", "s3", nil)

	assert.True(t, f.server.register(a))
	assert.True(t, f.server.register(b))
	assert.False(t, f.server.register(c), "third connection should exceed the cap of 2")

	// Closing one frees a slot.
	f.server.unregister(a)
	assert.True(t, f.server.register(c))
	assert.Equal(t, 2, f.server.ConnectionCount())
}

func TestUnregisterAnnouncesLeaveToRooms(t *testing.T) {
	f := newServerFixture(t)
	f.seedExperience(t, "e1", "alice", domain.Permission{
		EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleCollaborator,
	})
	f.seedUser(t, "alice", false)
	f.seedUser(t, "bob", false)

	ctx := context.Background()
	alice, aliceSink := f.connect(t, "alice", "s1")
	bob, _ := f.connect(t, "bob", "s2")
	f.server.handleMessage(ctx, alice, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))
	f.server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))

	// A dropped connection behaves like an explicit leave for every room.
	f.server.unregister(bob)
	assert.Contains(t, messageTypes(aliceSink), domain.MsgPresenceLeft)
	assert.Equal(t, 1, f.server.ConnectionCount())
}

func TestSendEventToUser(t *testing.T) {
	f := newServerFixture(t)

	_, sink1 := f.connect(t, "alice", "s1")
	_, sink2 := f.connect(t, "alice", "s2")
	_, sink3 := f.connect(t, "bob", "s3")

	sent := f.server.SendEventToUser("alice", serverMessage{Type: "notice"})
	assert.Equal(t, 2, sent)
	assert.Len(t, *sink1, 1)
	assert.Len(t, *sink2, 1)
	assert.Empty(t, *sink3)
}

func TestGrantThenJoinThenBroadcast(t *testing.T) {
	logger := zap.NewNop().Sugar()
	resources := memory.NewMemoryResourceRepository()
	audits := memory.NewMemoryAuditRepository()
	users := memory.NewMemoryUserRepository()
	resolver := services.NewPermissionResolver(resources, "", logger)
	enforcer := services.NewPermissionEnforcer(resolver, resources, audits, users, nil, logger)
	presence := services.NewPresenceCache(users, time.Minute, logger)
	auth := services.NewAuthService("test-secret", time.Minute, time.Hour)
	server := NewWebSocketServer(auth, resolver, resources, presence, NewRoomRegistry(logger), nil, Config{
		PingInterval:          30 * time.Second,
		PongTimeout:           60 * time.Second,
		WriteTimeout:          time.Second,
		MaxMessageBytes:       64 * 1024,
		RateWindow:            10 * time.Second,
		RateMaxMessages:       100,
		MaxConnectionsPerUser: 2,
	}, logger)

	ctx := context.Background()
	require.NoError(t, users.Save(ctx, &domain.User{ID: "alice", Username: "alice", Verified: true}))
	require.NoError(t, users.Save(ctx, &domain.User{ID: "bob", Username: "bob", Verified: true}))
	require.NoError(t, resources.Create(ctx, &domain.Resource{
		ID:      "e1",
		Type:    domain.ResourceExperience,
		OwnerID: "alice",
	}))

	aliceSink := &[]interface{}{}
	alice := newTestConnection("alice", "s1", aliceSink)
	require.True(t, server.register(alice))
	bobSink := &[]interface{}{}
	bob := newTestConnection("bob", "s2", bobSink)
	require.True(t, server.register(bob))

	// Before the grant, bob cannot enter the room.
	server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))
	denied := lastMessage(t, bobSink)
	require.Equal(t, domain.MsgError, denied.Type)
	assert.Equal(t, "ACCESS_DENIED", denied.Payload.(domain.ErrorPayload).Code)

	resource, err := resources.GetByID(ctx, domain.ResourceExperience, "e1")
	require.NoError(t, err)
	_, err = enforcer.AddPermission(ctx, resource, domain.Permission{
		EntityID:   "bob",
		EntityType: domain.EntityUser,
		Role:       domain.RoleCollaborator,
	}, "alice", "inviting a co-planner")
	require.NoError(t, err)

	server.handleMessage(ctx, alice, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))
	server.handleMessage(ctx, bob, envelope(t, domain.MsgRoomJoin, map[string]string{"experienceId": "e1"}))
	require.Equal(t, domain.MsgRoomJoined, lastMessage(t, bobSink).Type)

	before := len(*aliceSink)
	server.handleMessage(ctx, alice, envelope(t, domain.MsgEventBroadcast,
		map[string]string{"experienceId": "e1", "text": "hi"}))

	assert.Len(t, *aliceSink, before, "the sender must not receive their own event")
	received := lastMessage(t, bobSink)
	require.Equal(t, domain.MsgEventReceived, received.Type)
	assert.Equal(t, "hi", received.Payload.(map[string]interface{})["text"])
}
