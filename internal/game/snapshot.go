package game

import (
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/queue"
)

// BoardState is the wire form of a board.
type BoardState struct {
	Width  int           `json:"width"`
	Height int           `json:"height"`
	Cells  []engine.Cell `json:"cells"`
}

// Snapshot is a full projection of an instance at one moment.
type Snapshot struct {
	InstanceID     string                   `json:"instanceId"`
	RulesetVersion string                   `json:"rulesetVersion"`
	Status         InstanceStatus           `json:"status"`
	Tick           int64                    `json:"tick"`
	StartedAt      int64                    `json:"startedAt"`
	CapturedAt     int64                    `json:"capturedAt"`
	Board          BoardState               `json:"board"`
	Players        map[string]PlayerSession `json:"players"`
	NPCs           map[string]NPCAgent      `json:"npcs"`
	PendingActions []queue.PendingRecord    `json:"pendingActions"`
}

// CreateSnapshot captures the current state of in. The result shares no
// memory with the instance.
func CreateSnapshot(in *Instance) *Snapshot {
	pending := in.PendingActions()
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.snapshotLocked(pending)
}

func (in *Instance) snapshotLocked(pending []queue.PendingRecord) *Snapshot {
	cells := make([]engine.Cell, len(in.board.Cells))
	copy(cells, in.board.Cells)

	players := make(map[string]PlayerSession, len(in.players))
	for id, p := range in.players {
		players[id] = p.clone()
	}
	npcs := make(map[string]NPCAgent, len(in.npcs))
	for id, n := range in.npcs {
		cp := *n
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
		npcs[id] = cp
	}
	return &Snapshot{
		InstanceID:     in.ID,
		RulesetVersion: in.RulesetVersion,
		Status:         in.status,
		Tick:           in.tick,
		StartedAt:      in.StartedAt,
		CapturedAt:     in.now().UnixMilli(),
		Board:          BoardState{Width: in.board.Width, Height: in.board.Height, Cells: cells},
		Players:        players,
		NPCs:           npcs,
		PendingActions: pending,
	}
}

// ExtractPlayerView derives what playerID may see: its own record in full,
// other active players with lastActionTick zeroed and no reconnect
// deadline, and no disconnected players at all.
func ExtractPlayerView(s *Snapshot, playerID string) (*Snapshot, error) {
	self, ok := s.Players[playerID]
	if !ok {
		return nil, apperr.NotFound("player %s is not in snapshot of %s", playerID, s.InstanceID)
	}
	view := *s
	view.Players = make(map[string]PlayerSession, len(s.Players))
	view.Players[playerID] = self
	for id, p := range s.Players {
		if id == playerID || p.Status != PlayerActive {
			continue
		}
		p.LastActionTick = 0
		p.ReconnectDeadline = nil
		view.Players[id] = p
	}
	return &view, nil
}

// SendSnapshot unicasts playerID's view as snapshot.update.
func (in *Instance) SendSnapshot(playerID string) error {
	pending := in.PendingActions()
	in.mu.Lock()
	defer in.mu.Unlock()
	view, err := ExtractPlayerView(in.snapshotLocked(pending), playerID)
	if err != nil {
		return err
	}
	in.fireEventToPlayer(playerID, EventSnapshotUpdate, view)
	return nil
}

// SerializeSnapshot encodes s as JSON.
func SerializeSnapshot(s *Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}
	return b, nil
}

func formatError(field, format string, args ...any) error {
	return apperr.Validation(apperr.CodeInvalidFormat, format, args...).WithDetail("field", field)
}

// DeserializeSnapshot decodes a snapshot, first checking that the required
// fields are present with the right JSON kinds.
func DeserializeSnapshot(data []byte) (*Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, formatError("", "snapshot is not a JSON object: %v", err)
	}

	var instanceID string
	if err := json.Unmarshal(raw["instanceId"], &instanceID); err != nil || instanceID == "" {
		return nil, formatError("instanceId", "instanceId must be a non-empty string")
	}
	var tick any
	if err := json.Unmarshal(raw["tick"], &tick); err != nil {
		return nil, formatError("tick", "tick must be a number")
	}
	if _, ok := tick.(float64); !ok {
		return nil, formatError("tick", "tick must be a number")
	}
	var players map[string]json.RawMessage
	if err := json.Unmarshal(raw["players"], &players); err != nil || players == nil {
		return nil, formatError("players", "players must be an object")
	}
	var board map[string]json.RawMessage
	if err := json.Unmarshal(raw["board"], &board); err != nil || board == nil {
		return nil, formatError("board", "board must be an object")
	}
	var cells []json.RawMessage
	if err := json.Unmarshal(board["cells"], &cells); err != nil || cells == nil {
		return nil, formatError("board.cells", "board.cells must be an array")
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, formatError("", "snapshot does not decode: %v", err)
	}
	return &s, nil
}

// CellDelta is one changed cell.
type CellDelta struct {
	Index int         `json:"index"`
	X     int         `json:"x"`
	Y     int         `json:"y"`
	Cell  engine.Cell `json:"cell"`
}

// ComputeBoardDelta lists every cell whose tile type or update tick differs
// between prev and next. The boards must have the same dimensions.
func ComputeBoardDelta(prev, next *engine.Board) ([]CellDelta, error) {
	if prev.Width != next.Width || prev.Height != next.Height || len(prev.Cells) != len(next.Cells) {
		return nil, fmt.Errorf("board dimensions differ: %dx%d vs %dx%d", prev.Width, prev.Height, next.Width, next.Height)
	}
	out := []CellDelta{}
	for i := range next.Cells {
		a, b := prev.Cells[i], next.Cells[i]
		if a.TileType == b.TileType && a.LastUpdatedTick == b.LastUpdatedTick {
			continue
		}
		pos := next.Coord(i)
		out = append(out, CellDelta{Index: i, X: pos.X, Y: pos.Y, Cell: b})
	}
	return out, nil
}
