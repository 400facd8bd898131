// Package engine implements the tileclash placement rules.
//
// It holds the pure parts of the battle pipeline: the tagged Action type and
// its wire codec, the priority descriptor and comparator used to order
// admitted actions, the Board, and placement validation. Nothing here does
// I/O or takes locks; callers own synchronization.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionType discriminates the Action variants.
type ActionType string

const (
	ActionTilePlacement ActionType = "tile_placement"
	ActionNPCEvent      ActionType = "npc_event"
	ActionScriptedEvent ActionType = "scripted_event"
)

// MaxTags bounds Metadata.Tags.
const MaxTags = 16

// Position is a board coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Metadata carries optional client bookkeeping for an action.
type Metadata struct {
	DedupeKey   string   `json:"dedupeKey,omitempty"`
	SubmittedAt int64    `json:"submittedAt,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TilePayload describes the tile a player wants to place.
type TilePayload struct {
	Position        Position `json:"position"`
	TileType        int      `json:"tileType"`
	ClientRequestID string   `json:"clientRequestId,omitempty"`
	Orientation     string   `json:"orientation,omitempty"`
}

// TilePlacement is the player-submitted variant.
type TilePlacement struct {
	PlayerID         string
	PlayerInitiative int
	LastActionTick   *int64 // as reported by the client; the instance keeps the authoritative value
	Payload          TilePayload
}

// NPCPayload is the body of an npc_event.
type NPCPayload struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// NPCEvent is emitted by non-player agents.
type NPCEvent struct {
	NPCID        string
	PriorityTier float64
	Payload      NPCPayload
}

// ScriptPayload is the body of a scripted_event.
type ScriptPayload struct {
	TriggerID string         `json:"triggerId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// ScriptedEvent is emitted by instance scripts.
type ScriptedEvent struct {
	ScriptID     string
	PriorityTier float64
	Payload      ScriptPayload
}

// Action is a single tagged request submitted into an instance.
// Exactly one of Tile, NPC and Script is non-nil and it matches Type.
type Action struct {
	ID            string
	InstanceID    string
	Type          ActionType
	Timestamp     int64 // unix ms
	RequestedTick *int64
	Metadata      *Metadata

	Tile   *TilePlacement
	NPC    *NPCEvent
	Script *ScriptedEvent

	// SubmittedBy is the authenticated actor that handed the action to the
	// instance. It never travels on the wire.
	SubmittedBy string
}

// DedupeKey returns the metadata dedupe key, or "".
func (a *Action) DedupeKey() string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	return a.Metadata.DedupeKey
}

// ActorID returns the player, npc or script id that owns the action.
func (a *Action) ActorID() string {
	switch a.Type {
	case ActionTilePlacement:
		if a.Tile != nil {
			return a.Tile.PlayerID
		}
	case ActionNPCEvent:
		if a.NPC != nil {
			return a.NPC.NPCID
		}
	case ActionScriptedEvent:
		if a.Script != nil {
			return a.Script.ScriptID
		}
	}
	return ""
}

// ClientRequestID returns the tile payload's client request id, if any.
func (a *Action) ClientRequestID() string {
	if a.Type == ActionTilePlacement && a.Tile != nil {
		return a.Tile.Payload.ClientRequestID
	}
	return ""
}

// EffectiveTick is the tick the action targets: the requested tick when
// present, otherwise current.
func (a *Action) EffectiveTick(current int64) int64 {
	if a.RequestedTick != nil {
		return *a.RequestedTick
	}
	return current
}

// ---------------------------------------------------------------------------
// Ingress validation
// ---------------------------------------------------------------------------

// ErrInvalidAction is wrapped by every error returned from Validate and
// UnmarshalJSON.
var ErrInvalidAction = errors.New("invalid action")

// FieldError names the offending field of a malformed action.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidAction, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidAction }

func fieldErr(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// Validate checks the structural invariants of an action. It is called once
// at ingress; everything downstream operates on a validated Action.
func (a *Action) Validate() error {
	if a == nil {
		return fieldErr("action", "is required")
	}
	if a.ID == "" {
		return fieldErr("id", "is required")
	}
	if a.InstanceID == "" {
		return fieldErr("instanceId", "is required")
	}
	if a.Timestamp < 0 {
		return fieldErr("timestamp", "must not be negative")
	}
	if a.RequestedTick != nil && *a.RequestedTick < 0 {
		return fieldErr("requestedTick", "must not be negative")
	}
	if a.Metadata != nil && len(a.Metadata.Tags) > MaxTags {
		return fieldErr("metadata.tags", fmt.Sprintf("must have at most %d entries", MaxTags))
	}

	switch a.Type {
	case ActionTilePlacement:
		if a.Tile == nil || a.NPC != nil || a.Script != nil {
			return fieldErr("type", "does not match payload")
		}
		if a.Tile.PlayerID == "" {
			return fieldErr("playerId", "is required")
		}
	case ActionNPCEvent:
		if a.NPC == nil || a.Tile != nil || a.Script != nil {
			return fieldErr("type", "does not match payload")
		}
		if a.NPC.NPCID == "" {
			return fieldErr("npcId", "is required")
		}
		if a.NPC.Payload.EventType == "" {
			return fieldErr("payload.eventType", "is required")
		}
	case ActionScriptedEvent:
		if a.Script == nil || a.Tile != nil || a.NPC != nil {
			return fieldErr("type", "does not match payload")
		}
		if a.Script.ScriptID == "" {
			return fieldErr("scriptId", "is required")
		}
		if a.Script.Payload.TriggerID == "" {
			return fieldErr("payload.triggerId", "is required")
		}
		if a.Script.Payload.EventType == "" {
			return fieldErr("payload.eventType", "is required")
		}
	default:
		return fieldErr("type", fmt.Sprintf("unknown action type %q", a.Type))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Wire codec
// ---------------------------------------------------------------------------

// wireAction is the flat JSON shape shared by every variant.
type wireAction struct {
	ID            string          `json:"id"`
	InstanceID    string          `json:"instanceId"`
	Type          ActionType      `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	RequestedTick *int64          `json:"requestedTick,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload"`

	PlayerID         string   `json:"playerId,omitempty"`
	PlayerInitiative *int     `json:"playerInitiative,omitempty"`
	LastActionTick   *int64   `json:"lastActionTick,omitempty"`
	NPCID            string   `json:"npcId,omitempty"`
	ScriptID         string   `json:"scriptId,omitempty"`
	PriorityTier     *float64 `json:"priorityTier,omitempty"`
}

// MarshalJSON renders the flat tagged wire form.
func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{
		ID:            a.ID,
		InstanceID:    a.InstanceID,
		Type:          a.Type,
		Timestamp:     a.Timestamp,
		RequestedTick: a.RequestedTick,
		Metadata:      a.Metadata,
	}
	var payload any
	switch a.Type {
	case ActionTilePlacement:
		if a.Tile == nil {
			return nil, fieldErr("type", "does not match payload")
		}
		initiative := a.Tile.PlayerInitiative
		w.PlayerID = a.Tile.PlayerID
		w.PlayerInitiative = &initiative
		w.LastActionTick = a.Tile.LastActionTick
		payload = a.Tile.Payload
	case ActionNPCEvent:
		if a.NPC == nil {
			return nil, fieldErr("type", "does not match payload")
		}
		tier := a.NPC.PriorityTier
		w.NPCID = a.NPC.NPCID
		w.PriorityTier = &tier
		payload = a.NPC.Payload
	case ActionScriptedEvent:
		if a.Script == nil {
			return nil, fieldErr("type", "does not match payload")
		}
		tier := a.Script.PriorityTier
		w.ScriptID = a.Script.ScriptID
		w.PriorityTier = &tier
		payload = a.Script.Payload
	default:
		return nil, fieldErr("type", fmt.Sprintf("unknown action type %q", a.Type))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	w.Payload = raw
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat wire form, dispatching on "type".
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	decoded := Action{
		ID:            w.ID,
		InstanceID:    w.InstanceID,
		Type:          w.Type,
		Timestamp:     w.Timestamp,
		RequestedTick: w.RequestedTick,
		Metadata:      w.Metadata,
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return fieldErr("payload", "is required")
	}

	switch w.Type {
	case ActionTilePlacement:
		var p TilePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fieldErr("payload", err.Error())
		}
		if w.PlayerInitiative == nil {
			return fieldErr("playerInitiative", "is required")
		}
		decoded.Tile = &TilePlacement{
			PlayerID:         w.PlayerID,
			PlayerInitiative: *w.PlayerInitiative,
			LastActionTick:   w.LastActionTick,
			Payload:          p,
		}
	case ActionNPCEvent:
		var p NPCPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fieldErr("payload", err.Error())
		}
		if w.PriorityTier == nil {
			return fieldErr("priorityTier", "is required")
		}
		decoded.NPC = &NPCEvent{NPCID: w.NPCID, PriorityTier: *w.PriorityTier, Payload: p}
	case ActionScriptedEvent:
		var p ScriptPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fieldErr("payload", err.Error())
		}
		if w.PriorityTier == nil {
			return fieldErr("priorityTier", "is required")
		}
		decoded.Script = &ScriptedEvent{ScriptID: w.ScriptID, PriorityTier: *w.PriorityTier, Payload: p}
	default:
		return fieldErr("type", fmt.Sprintf("unknown action type %q", w.Type))
	}

	*a = decoded
	return nil
}
