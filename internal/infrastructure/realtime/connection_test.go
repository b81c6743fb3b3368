package realtime

import (
	"testing"
	"time"

	"tripsync/internal/core/domain"
)

func newTestConnection(userID domain.UserID, sessionID string, sink *[]interface{}) *Connection {
	c := newConnection(userID, string(userID), sessionID, nil, time.Second)
	c.sendFn = func(msg interface{}) error {
		if sink != nil {
			*sink = append(*sink, msg)
		}
		return nil
	}
	return c
}

func TestAllowMessageFixedWindow(t *testing.T) {
	c := newTestConnection("u1", "s1", nil)
	base := time.Now()
	window := 10 * time.Second

	for i := 0; i < 3; i++ {
		if !c.allowMessage(base.Add(time.Duration(i)*time.Second), window, 3) {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if c.allowMessage(base.Add(4*time.Second), window, 3) {
		t.Fatal("message beyond the window budget should be rejected")
	}

	// The counter resets once the window has elapsed.
	if !c.allowMessage(base.Add(window), window, 3) {
		t.Fatal("message in the next window should be allowed")
	}
}

func TestRoomMembershipTracking(t *testing.T) {
	c := newTestConnection("u1", "s1", nil)

	c.recordJoin("experience:e1", "itinerary")
	c.recordJoin("plan:p1", "")

	if !c.inRoom("experience:e1") || !c.inRoom("plan:p1") {
		t.Fatal("joined rooms should be tracked")
	}
	if got := len(c.rooms()); got != 2 {
		t.Fatalf("expected 2 rooms, got %d", got)
	}

	if !c.recordLeave("plan:p1") {
		t.Fatal("leaving a joined room should succeed")
	}
	if c.recordLeave("plan:p1") {
		t.Fatal("leaving twice should fail")
	}
	if c.inRoom("plan:p1") {
		t.Fatal("left room should not be tracked")
	}
}

func TestClosedConnectionSwallowsSend(t *testing.T) {
	var sink []interface{}
	c := newTestConnection("u1", "s1", &sink)

	if err := c.Send("hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	c.markClosed()
	if err := c.Send("dropped"); err != nil {
		t.Fatalf("send on closed connection should not error: %v", err)
	}
	if len(sink) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(sink))
	}
}
