package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestActionUnmarshalTilePlacement(t *testing.T) {
	raw := `{
		"id": "a-1",
		"instanceId": "inst-1",
		"type": "tile_placement",
		"timestamp": 1700000000000,
		"requestedTick": 12,
		"metadata": {"dedupeKey": "k1", "tags": ["x"]},
		"playerId": "p1",
		"playerInitiative": 4,
		"payload": {"position": {"x": 2, "y": 3}, "tileType": 1, "clientRequestId": "req-9"}
	}`
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Tile == nil || a.NPC != nil || a.Script != nil {
		t.Fatal("expected only the tile variant to be set")
	}
	if a.Tile.PlayerID != "p1" || a.Tile.PlayerInitiative != 4 {
		t.Errorf("unexpected tile fields %+v", a.Tile)
	}
	if a.Tile.Payload.Position != (Position{X: 2, Y: 3}) {
		t.Errorf("unexpected position %+v", a.Tile.Payload.Position)
	}
	if a.DedupeKey() != "k1" || a.ClientRequestID() != "req-9" {
		t.Errorf("unexpected dedupe/client ids %q %q", a.DedupeKey(), a.ClientRequestID())
	}
	if a.EffectiveTick(3) != 12 {
		t.Errorf("expected requested tick 12, got %d", a.EffectiveTick(3))
	}
}

func TestActionUnmarshalSystemEvents(t *testing.T) {
	npc := `{"id":"n","instanceId":"i","type":"npc_event","timestamp":1,"npcId":"goblin","priorityTier":2,
		"payload":{"eventType":"move","data":{"dx":1}}}`
	script := `{"id":"s","instanceId":"i","type":"scripted_event","timestamp":1,"scriptId":"intro","priorityTier":0,
		"payload":{"triggerId":"t","eventType":"wave"}}`

	var a Action
	if err := json.Unmarshal([]byte(npc), &a); err != nil {
		t.Fatalf("npc Unmarshal: %v", err)
	}
	if a.NPC == nil || a.NPC.NPCID != "goblin" || a.NPC.PriorityTier != 2 {
		t.Errorf("unexpected npc %+v", a.NPC)
	}
	if a.ActorID() != "goblin" {
		t.Errorf("expected actor goblin, got %s", a.ActorID())
	}

	var s Action
	if err := json.Unmarshal([]byte(script), &s); err != nil {
		t.Fatalf("script Unmarshal: %v", err)
	}
	if s.Script == nil || s.Script.Payload.TriggerID != "t" {
		t.Errorf("unexpected script %+v", s.Script)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestActionUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"id":"a","instanceId":"i","type":"teleport","payload":{}}`},
		{"missing payload", `{"id":"a","instanceId":"i","type":"npc_event","npcId":"n","priorityTier":1}`},
		{"missing initiative", `{"id":"a","instanceId":"i","type":"tile_placement","playerId":"p","payload":{"position":{"x":0,"y":0},"tileType":0}}`},
		{"missing tier", `{"id":"a","instanceId":"i","type":"scripted_event","scriptId":"s","payload":{"triggerId":"t","eventType":"e"}}`},
		{"bad payload", `{"id":"a","instanceId":"i","type":"npc_event","npcId":"n","priorityTier":1,"payload":"oops"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var a Action
			err := json.Unmarshal([]byte(tc.raw), &a)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidAction) {
				t.Fatalf("expected ErrInvalidAction, got %v", err)
			}
		})
	}
}

func TestActionValidate(t *testing.T) {
	tags := make([]string, MaxTags+1)
	tests := []struct {
		name   string
		mutate func(a *Action)
		field  string
	}{
		{"missing id", func(a *Action) { a.ID = "" }, "id"},
		{"missing instance", func(a *Action) { a.InstanceID = "" }, "instanceId"},
		{"missing player", func(a *Action) { a.Tile.PlayerID = "" }, "playerId"},
		{"too many tags", func(a *Action) { a.Metadata = &Metadata{Tags: tags} }, "metadata.tags"},
		{"negative tick", func(a *Action) { v := int64(-1); a.RequestedTick = &v }, "requestedTick"},
		{"variant mismatch", func(a *Action) { a.NPC = &NPCEvent{NPCID: "n"} }, "type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := tileAction("a", "p1", 1, 1)
			tc.mutate(a)
			err := a.Validate()
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fe.Field)
			}
		})
	}
}

func TestActionMarshalFlatWireShape(t *testing.T) {
	a := tileAction("a", "p1", 3, 10)
	a.SubmittedBy = "p1"
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(out)
	for _, want := range []string{`"type":"tile_placement"`, `"playerId":"p1"`, `"playerInitiative":3`, `"tileType":1`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
	if strings.Contains(s, "SubmittedBy") || strings.Contains(s, "npcId") {
		t.Errorf("unexpected field in %s", s)
	}

	var back Action
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Tile == nil || back.Tile.PlayerInitiative != 3 {
		t.Errorf("unexpected decoded action %+v", back)
	}
}
