package engine

import (
	"fmt"
	"sort"
)

const (
	// EmptyTile marks a cell without a tile.
	EmptyTile = -1
	// NoActionTick is the LastActionTick of a player that has not placed yet.
	NoActionTick int64 = -1
	// SystemActor owns initial tiles.
	SystemActor = "system"
)

// Cell is one square of the board.
type Cell struct {
	TileType        int    `json:"tileType"`
	LastUpdatedTick int64  `json:"lastUpdatedTick"`
	LastUpdatedBy   string `json:"lastUpdatedByPlayerId"`
}

// IsEmpty reports whether no tile occupies the cell.
func (c Cell) IsEmpty() bool { return c.TileType == EmptyTile }

// InitialTile is a tile placed by the system at tick 0.
type InitialTile struct {
	Position Position `json:"position"`
	TileType int      `json:"tileType"`
}

// Board is the row-major tile grid of an instance: index = y*Width + x.
// Mutations record the touched indices until ClearDirty is called.
type Board struct {
	Width  int
	Height int
	Cells  []Cell

	placed int
	dirty  map[int]struct{}
}

// NewBoard builds an empty width x height board.
func NewBoard(width, height int) (*Board, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid board dimensions %dx%d", width, height)
	}
	cells := make([]Cell, width*height)
	for i := range cells {
		cells[i] = Cell{TileType: EmptyTile}
	}
	return &Board{
		Width:  width,
		Height: height,
		Cells:  cells,
		dirty:  make(map[int]struct{}),
	}, nil
}

// InBounds reports whether (x, y) lies on the board.
func (b *Board) InBounds(x, y int) bool {
	return x >= 0 && x < b.Width && y >= 0 && y < b.Height
}

// Index converts a coordinate to its cell index. The caller checks bounds.
func (b *Board) Index(x, y int) int { return y*b.Width + x }

// Coord converts a cell index back to a coordinate.
func (b *Board) Coord(index int) Position {
	return Position{X: index % b.Width, Y: index / b.Width}
}

// CellAt returns the cell at (x, y) and whether it exists.
func (b *Board) CellAt(x, y int) (Cell, bool) {
	if !b.InBounds(x, y) {
		return Cell{}, false
	}
	return b.Cells[b.Index(x, y)], true
}

// PlacedCount is the number of occupied cells.
func (b *Board) PlacedCount() int { return b.placed }

// Place writes a tile into (x, y). It does not check game rules; see
// ValidatePlacement.
func (b *Board) Place(x, y, tileType int, tick int64, by string) error {
	if !b.InBounds(x, y) {
		return fmt.Errorf("position (%d,%d) outside %dx%d board", x, y, b.Width, b.Height)
	}
	idx := b.Index(x, y)
	if b.Cells[idx].IsEmpty() && tileType != EmptyTile {
		b.placed++
	} else if !b.Cells[idx].IsEmpty() && tileType == EmptyTile {
		b.placed--
	}
	b.Cells[idx] = Cell{TileType: tileType, LastUpdatedTick: tick, LastUpdatedBy: by}
	b.markDirty(idx)
	return nil
}

// ApplyInitialTiles places the ruleset's starting tiles at tick 0 as the
// system actor.
func (b *Board) ApplyInitialTiles(tiles []InitialTile) error {
	for _, t := range tiles {
		if err := b.Place(t.Position.X, t.Position.Y, t.TileType, 0, SystemActor); err != nil {
			return fmt.Errorf("initial tile: %w", err)
		}
	}
	return nil
}

var (
	orthogonal = []Position{{X: 0, Y: -1}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: -1, Y: 0}}
	diagonal   = []Position{{X: -1, Y: -1}, {X: 1, Y: -1}, {X: 1, Y: 1}, {X: -1, Y: 1}}
)

// HasAdjacentTile reports whether any neighbour of (x, y) holds a tile.
func (b *Board) HasAdjacentTile(x, y int, includeDiagonals bool) bool {
	check := func(offsets []Position) bool {
		for _, o := range offsets {
			if c, ok := b.CellAt(x+o.X, y+o.Y); ok && !c.IsEmpty() {
				return true
			}
		}
		return false
	}
	if check(orthogonal) {
		return true
	}
	return includeDiagonals && check(diagonal)
}

// Clone returns a deep copy including dirty state.
func (b *Board) Clone() *Board {
	cp := &Board{
		Width:  b.Width,
		Height: b.Height,
		Cells:  make([]Cell, len(b.Cells)),
		placed: b.placed,
		dirty:  make(map[int]struct{}, len(b.dirty)),
	}
	copy(cp.Cells, b.Cells)
	for idx := range b.dirty {
		cp.dirty[idx] = struct{}{}
	}
	return cp
}

// ---------------------------------------------------------------------------
// Dirty tracking
// ---------------------------------------------------------------------------

func (b *Board) markDirty(idx int) {
	if b.dirty == nil {
		b.dirty = make(map[int]struct{})
	}
	b.dirty[idx] = struct{}{}
}

// HasDirty reports whether cells changed since the last ClearDirty.
func (b *Board) HasDirty() bool { return len(b.dirty) > 0 }

// DirtyIndices returns the changed indices in ascending order.
func (b *Board) DirtyIndices() []int {
	out := make([]int, 0, len(b.dirty))
	for idx := range b.dirty {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// ClearDirty forgets recorded changes.
func (b *Board) ClearDirty() {
	clear(b.dirty)
}
