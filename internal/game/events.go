package game

import (
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
)

// EventType is the wire name of an outbound instance event.
type EventType string

const (
	EventActionQueued       EventType = "action.queued"       // To submitter: action admitted.
	EventActionApplied      EventType = "action.applied"      // Broadcast: action mutated the instance.
	EventActionRejected     EventType = "action.rejected"     // To submitter, or broadcast when the actor is unknown.
	EventSnapshotUpdate     EventType = "snapshot.update"     // To one player: filtered snapshot.
	EventBoardDelta         EventType = "board.delta"         // Broadcast: cells changed since the last delta.
	EventPlayerJoined       EventType = "player.joined"       // Broadcast.
	EventPlayerLeft         EventType = "player.left"         // Broadcast: consented leave or grace expiry.
	EventPlayerDisconnected EventType = "player.disconnected" // Broadcast: grace period started.
	EventPlayerReconnected  EventType = "player.reconnected"  // Broadcast.
	EventInstanceStatus     EventType = "instance.status"     // Broadcast: lifecycle transition.
)

// Event is the envelope for everything an instance emits.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instanceId"`
	Tick       int64     `json:"tick"`
	Payload    any       `json:"payload,omitempty"`
}

// QueuedPayload answers a successful submission.
type QueuedPayload struct {
	ActionID  string              `json:"actionId"`
	RateLimit *ratelimit.Decision `json:"rateLimit"`
}

// AppliedPayload describes an applied action.
type AppliedPayload struct {
	ActionID  string  `json:"actionId"`
	Tick      int64   `json:"tick"`
	Effects   Effects `json:"effects"`
	RequestID *string `json:"requestId"`
}

// RejectedPayload describes a rejected submission or resolution. Error is
// the public rendering of the failure.
type RejectedPayload struct {
	ActionID  *string        `json:"actionId"`
	Reason    string         `json:"reason"`
	Error     map[string]any `json:"error"`
	RequestID *string        `json:"requestId"`
}

// PlayerPayload accompanies membership events.
type PlayerPayload struct {
	PlayerID          string `json:"playerId"`
	DisplayName       string `json:"displayName,omitempty"`
	Reason            string `json:"reason,omitempty"`
	ReconnectDeadline *int64 `json:"reconnectDeadline,omitempty"`
}

// StatusPayload accompanies lifecycle transitions.
type StatusPayload struct {
	Status InstanceStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// BoardDeltaPayload carries the cells changed by the last drain.
type BoardDeltaPayload struct {
	Cells []CellDelta `json:"cells"`
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
