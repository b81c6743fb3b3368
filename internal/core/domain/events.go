package domain

import (
	"encoding/json"
	"fmt"
)

// Realtime wire envelope, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server message types.
const (
	MsgRoomJoin       = "room:join"
	MsgRoomLeave      = "room:leave"
	MsgEventBroadcast = "event:broadcast"
	MsgPresenceUpdate = "presence:update"
	MsgPing           = "ping"
)

// Server -> client message types.
const (
	MsgSystemConnected = "system:connected"
	MsgRoomJoined      = "room:joined"
	MsgPresenceJoined  = "presence:joined"
	MsgPresenceLeft    = "presence:left"
	MsgPresenceUpdated = "presence:updated"
	MsgEventReceived   = "event:received"
	MsgPong            = "pong"
	MsgError           = "error"
)

type RoomKind string

const (
	RoomExperience RoomKind = "experience"
	RoomPlan       RoomKind = "plan"
)

func (k RoomKind) IsValid() bool {
	return k == RoomExperience || k == RoomPlan
}

// ResourceType maps a room kind to the resource type backing it.
func (k RoomKind) ResourceType() ResourceType {
	if k == RoomPlan {
		return ResourcePlan
	}
	return ResourceExperience
}

// RoomKey builds the canonical "<kind>:<resourceId>" room identifier.
func RoomKey(kind RoomKind, id ResourceID) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// RoomTarget is the shared shape of room:join, room:leave, event:broadcast
// and presence:update payloads: the room is addressed either by the full
// room id or by a bare experience/plan id. Extra keys are the event or
// presence fields and are carried through untouched.
type RoomTarget struct {
	RoomID       string     `json:"roomId,omitempty"`
	ExperienceID ResourceID `json:"experienceId,omitempty"`
	PlanID       ResourceID `json:"planId,omitempty"`
	Tab          string     `json:"tab,omitempty"`
}

// Resolve returns the room kind and resource id the payload addresses.
func (t RoomTarget) Resolve() (RoomKind, ResourceID, error) {
	if t.RoomID != "" {
		for _, kind := range []RoomKind{RoomExperience, RoomPlan} {
			prefix := string(kind) + ":"
			if len(t.RoomID) > len(prefix) && t.RoomID[:len(prefix)] == prefix {
				return kind, ResourceID(t.RoomID[len(prefix):]), nil
			}
		}
		return "", "", fmt.Errorf("malformed room id: %s", t.RoomID)
	}
	if t.ExperienceID != "" {
		return RoomExperience, t.ExperienceID, nil
	}
	if t.PlanID != "" {
		return RoomPlan, t.PlanID, nil
	}
	return "", "", fmt.Errorf("roomId, experienceId or planId is required")
}

type ConnectedPayload struct {
	UserID    UserID `json:"userId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type RoomMember struct {
	UserID    UserID `json:"userId"`
	SessionID string `json:"sessionId"`
}

type RoomJoinedPayload struct {
	RoomID  string       `json:"roomId"`
	Members []RoomMember `json:"members"`
}

type PresencePayload struct {
	UserID    UserID                 `json:"userId"`
	SessionID string                 `json:"sessionId"`
	RoomID    string                 `json:"roomId"`
	Tab       string                 `json:"tab,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Fields    map[string]interface{} `json:"-"`
}

// MarshalJSON flattens the free-form presence fields into the payload.
func (p PresencePayload) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"userId":    p.UserID,
		"sessionId": p.SessionID,
		"roomId":    p.RoomID,
		"timestamp": p.Timestamp,
	}
	if p.Tab != "" {
		out["tab"] = p.Tab
	}
	for k, v := range p.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
