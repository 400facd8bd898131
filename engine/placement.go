package engine

import (
	"fmt"
	"slices"
)

// Defaults for PlacementRules.
const (
	DefaultMaxLookaheadTicks int64 = 5
	DefaultMinTickSpacing    int64 = 2
)

// PlacementRules configures which placements are legal.
type PlacementRules struct {
	AllowedTileTypes            []int `json:"allowedTileTypes"`
	AllowDiagonalAdjacency      bool  `json:"allowDiagonalAdjacency"`
	AllowFirstPlacementAnywhere bool  `json:"allowFirstPlacementAnywhere"`
	MaxLookaheadTicks           int64 `json:"maxLookaheadTicks"`
	MinTickSpacing              int64 `json:"minTickSpacing"`
}

// DefaultPlacementRules returns the standard rules: tile types 0-3,
// orthogonal adjacency, first placement anywhere.
func DefaultPlacementRules() PlacementRules {
	return PlacementRules{
		AllowedTileTypes:            []int{0, 1, 2, 3},
		AllowDiagonalAdjacency:      false,
		AllowFirstPlacementAnywhere: true,
		MaxLookaheadTicks:           DefaultMaxLookaheadTicks,
		MinTickSpacing:              DefaultMinTickSpacing,
	}
}

func (r PlacementRules) lookahead() int64 {
	if r.MaxLookaheadTicks <= 0 {
		return DefaultMaxLookaheadTicks
	}
	return r.MaxLookaheadTicks
}

func (r PlacementRules) spacing() int64 {
	if r.MinTickSpacing <= 0 {
		return DefaultMinTickSpacing
	}
	return r.MinTickSpacing
}

// Validation error codes.
const (
	CodeUnauthorized    = "unauthorized"
	CodeOutOfBounds     = "out_of_bounds"
	CodeInvalidTileType = "invalid_tile_type"
	CodeCellOccupied    = "cell_occupied"
	CodeTickOutOfRange  = "tick_out_of_range"
	CodeActionTooSoon   = "action_too_soon"
	CodeNotAdjacent     = "not_adjacent"
	CodeWrongActionType = "wrong_action_type"
)

// ValidationError is one violated placement rule.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// ValidationResult lists every violated rule; IsValid is true when none are.
type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationError `json:"errors"`
}

// Has reports whether the result contains the given code.
func (r ValidationResult) Has(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ValidationContext is the state a placement is judged against.
type ValidationContext struct {
	Board          *Board
	ActivePlayerID string
	CurrentTick    int64
	LastActionTick int64
	Rules          PlacementRules
}

// ValidatePlacement checks a tile_placement against every rule and collects
// all violations. It never mutates the board.
func ValidatePlacement(a *Action, ctx ValidationContext) ValidationResult {
	res := ValidationResult{Errors: []ValidationError{}}
	add := func(code, field, msg string) {
		res.Errors = append(res.Errors, ValidationError{Code: code, Message: msg, Field: field})
	}

	if a.Type != ActionTilePlacement || a.Tile == nil {
		add(CodeWrongActionType, "type", fmt.Sprintf("expected %s, got %s", ActionTilePlacement, a.Type))
		return res
	}
	tile := a.Tile
	pos := tile.Payload.Position
	board := ctx.Board

	// Authorization.
	if tile.PlayerID != ctx.ActivePlayerID {
		add(CodeUnauthorized, "playerId", "action player does not match the acting player")
	}

	// Bounds.
	inBounds := board.InBounds(pos.X, pos.Y)
	if !inBounds {
		add(CodeOutOfBounds, "payload.position",
			fmt.Sprintf("position (%d,%d) is outside the %dx%d board", pos.X, pos.Y, board.Width, board.Height))
	}

	// Tile type.
	if !slices.Contains(ctx.Rules.AllowedTileTypes, tile.Payload.TileType) {
		add(CodeInvalidTileType, "payload.tileType", fmt.Sprintf("tile type %d is not allowed", tile.Payload.TileType))
	}

	// Occupancy.
	if inBounds {
		if c, _ := board.CellAt(pos.X, pos.Y); !c.IsEmpty() {
			add(CodeCellOccupied, "payload.position", fmt.Sprintf("cell (%d,%d) is already occupied", pos.X, pos.Y))
		}
	}

	// Timing: bounded lookahead.
	tick := a.EffectiveTick(ctx.CurrentTick)
	if tick < ctx.CurrentTick || tick > ctx.CurrentTick+ctx.Rules.lookahead() {
		add(CodeTickOutOfRange, "requestedTick",
			fmt.Sprintf("tick %d outside [%d,%d]", tick, ctx.CurrentTick, ctx.CurrentTick+ctx.Rules.lookahead()))
	}

	// Spacing, independent of the rate limiter.
	if ctx.LastActionTick != NoActionTick && tick < ctx.LastActionTick+ctx.Rules.spacing() {
		add(CodeActionTooSoon, "requestedTick",
			fmt.Sprintf("next placement allowed at tick %d", ctx.LastActionTick+ctx.Rules.spacing()))
	}

	// Adjacency.
	if inBounds {
		if board.PlacedCount() == 0 {
			if !ctx.Rules.AllowFirstPlacementAnywhere {
				add(CodeNotAdjacent, "payload.position", "the first placement must touch an existing tile")
			}
		} else if !board.HasAdjacentTile(pos.X, pos.Y, ctx.Rules.AllowDiagonalAdjacency) {
			add(CodeNotAdjacent, "payload.position", "placement must be adjacent to an existing tile")
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
