package domain

import (
	"encoding/json"
	"testing"
)

func TestRoomTargetResolve(t *testing.T) {
	cases := []struct {
		name    string
		target  RoomTarget
		kind    RoomKind
		id      ResourceID
		wantErr bool
	}{
		{"full room id", RoomTarget{RoomID: "experience:e1"}, RoomExperience, "e1", false},
		{"plan room id", RoomTarget{RoomID: "plan:p1"}, RoomPlan, "p1", false},
		{"bare experience id", RoomTarget{ExperienceID: "e1"}, RoomExperience, "e1", false},
		{"bare plan id", RoomTarget{PlanID: "p1"}, RoomPlan, "p1", false},
		{"room id wins over bare ids", RoomTarget{RoomID: "plan:p1", ExperienceID: "e9"}, RoomPlan, "p1", false},
		{"malformed room id", RoomTarget{RoomID: "stream:x"}, "", "", true},
		{"empty", RoomTarget{}, "", "", true},
	}
	for _, tc := range cases {
		kind, id, err := tc.target.Resolve()
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
			continue
		}
		if kind != tc.kind || id != tc.id {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tc.name, kind, id, tc.kind, tc.id)
		}
	}
}

func TestRoomKindResourceType(t *testing.T) {
	if RoomExperience.ResourceType() != ResourceExperience {
		t.Fatal("experience rooms map to experience resources")
	}
	if RoomPlan.ResourceType() != ResourcePlan {
		t.Fatal("plan rooms map to plan resources")
	}
}

func TestPresencePayloadMarshalFlattensFields(t *testing.T) {
	payload := PresencePayload{
		UserID:    "alice",
		SessionID: "s1",
		RoomID:    "experience:e1",
		Tab:       "itinerary",
		Timestamp: 42,
		Fields:    map[string]interface{}{"cursor": "day-2"},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["userId"] != "alice" || out["cursor"] != "day-2" || out["tab"] != "itinerary" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if _, present := out["fields"]; present {
		t.Fatal("free-form fields must be flattened, not nested")
	}
}
