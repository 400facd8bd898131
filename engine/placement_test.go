package engine

import "testing"

func newTestBoard(t *testing.T, w, h int) *Board {
	t.Helper()
	b, err := NewBoard(w, h)
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	return b
}

func placeAt(id, player string, x, y, tileType int) *Action {
	a := tileAction(id, player, 1, 1)
	a.Tile.Payload.Position = Position{X: x, Y: y}
	a.Tile.Payload.TileType = tileType
	return a
}

func baseContext(b *Board) ValidationContext {
	return ValidationContext{
		Board:          b,
		ActivePlayerID: "p1",
		CurrentTick:    10,
		LastActionTick: NoActionTick,
		Rules:          DefaultPlacementRules(),
	}
}

func int64p(v int64) *int64 { return &v }

func TestValidatePlacementValid(t *testing.T) {
	b := newTestBoard(t, 4, 4)
	res := ValidatePlacement(placeAt("a", "p1", 2, 2, 1), baseContext(b))
	if !res.IsValid {
		t.Fatalf("expected valid placement, got %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %d", len(res.Errors))
	}
}

func TestValidatePlacementSingleRules(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *Board, a *Action, ctx *ValidationContext)
		code  string
	}{
		{"wrong player", func(b *Board, a *Action, ctx *ValidationContext) { ctx.ActivePlayerID = "p2" }, CodeUnauthorized},
		{"negative x", func(b *Board, a *Action, ctx *ValidationContext) { a.Tile.Payload.Position.X = -1 }, CodeOutOfBounds},
		{"y too large", func(b *Board, a *Action, ctx *ValidationContext) { a.Tile.Payload.Position.Y = 4 }, CodeOutOfBounds},
		{"bad tile type", func(b *Board, a *Action, ctx *ValidationContext) { a.Tile.Payload.TileType = 42 }, CodeInvalidTileType},
		{"occupied", func(b *Board, a *Action, ctx *ValidationContext) { _ = b.Place(1, 1, 0, 1, "p2") }, CodeCellOccupied},
		{"tick in past", func(b *Board, a *Action, ctx *ValidationContext) { a.RequestedTick = int64p(9) }, CodeTickOutOfRange},
		{"tick too far", func(b *Board, a *Action, ctx *ValidationContext) { a.RequestedTick = int64p(16) }, CodeTickOutOfRange},
		{"too soon", func(b *Board, a *Action, ctx *ValidationContext) { ctx.LastActionTick = 9 }, CodeActionTooSoon},
		{"not adjacent", func(b *Board, a *Action, ctx *ValidationContext) { _ = b.Place(3, 3, 0, 1, "p2") }, CodeNotAdjacent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBoard(t, 4, 4)
			a := placeAt("a", "p1", 1, 1, 1)
			ctx := baseContext(b)
			tc.setup(b, a, &ctx)
			res := ValidatePlacement(a, ctx)
			if res.IsValid {
				t.Fatal("expected invalid placement")
			}
			if !res.Has(tc.code) {
				t.Fatalf("expected code %s, got %+v", tc.code, res.Errors)
			}
		})
	}
}

func TestValidatePlacementLookaheadBoundary(t *testing.T) {
	b := newTestBoard(t, 4, 4)
	a := placeAt("a", "p1", 0, 0, 1)
	a.RequestedTick = int64p(15)
	if res := ValidatePlacement(a, baseContext(b)); !res.IsValid {
		t.Fatalf("tick currentTick+5 must be allowed, got %+v", res.Errors)
	}
}

func TestValidatePlacementSpacingBoundary(t *testing.T) {
	b := newTestBoard(t, 4, 4)
	ctx := baseContext(b)
	ctx.LastActionTick = 8
	if res := ValidatePlacement(placeAt("a", "p1", 0, 0, 1), ctx); !res.IsValid {
		t.Fatalf("tick lastActionTick+2 must be allowed, got %+v", res.Errors)
	}
}

func TestValidatePlacementCollectsAllErrors(t *testing.T) {
	b := newTestBoard(t, 4, 4)
	a := placeAt("a", "p9", 7, 7, 99)
	a.RequestedTick = int64p(100)
	ctx := baseContext(b)
	ctx.LastActionTick = 99

	res := ValidatePlacement(a, ctx)
	for _, code := range []string{CodeUnauthorized, CodeOutOfBounds, CodeInvalidTileType, CodeTickOutOfRange} {
		if !res.Has(code) {
			t.Errorf("expected %s among %+v", code, res.Errors)
		}
	}
	if len(res.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d", len(res.Errors))
	}
}

func TestValidatePlacementFirstTileAdjacency(t *testing.T) {
	b := newTestBoard(t, 5, 5)
	ctx := baseContext(b)
	ctx.Rules.AllowFirstPlacementAnywhere = false

	a := placeAt("a", "p1", 2, 2, 1)
	res := ValidatePlacement(a, ctx)
	if res.IsValid || !res.Has(CodeNotAdjacent) {
		t.Fatalf("expected adjacency rejection on empty board, got %+v", res)
	}

	if err := b.Place(2, 1, 0, 0, SystemActor); err != nil {
		t.Fatalf("Place: %v", err)
	}
	res = ValidatePlacement(a, ctx)
	if !res.IsValid {
		t.Fatalf("expected success next to existing tile, got %+v", res.Errors)
	}
}

func TestValidatePlacementDiagonalAdjacency(t *testing.T) {
	b := newTestBoard(t, 5, 5)
	if err := b.Place(1, 1, 0, 0, SystemActor); err != nil {
		t.Fatalf("Place: %v", err)
	}
	ctx := baseContext(b)
	a := placeAt("a", "p1", 2, 2, 1)

	if res := ValidatePlacement(a, ctx); !res.Has(CodeNotAdjacent) {
		t.Fatalf("diagonal neighbour must not count by default, got %+v", res.Errors)
	}
	ctx.Rules.AllowDiagonalAdjacency = true
	if res := ValidatePlacement(a, ctx); !res.IsValid {
		t.Fatalf("diagonal neighbour must count when enabled, got %+v", res.Errors)
	}
}

func TestValidatePlacementWrongType(t *testing.T) {
	b := newTestBoard(t, 3, 3)
	res := ValidatePlacement(npcAction("n", 1, 1), baseContext(b))
	if res.IsValid || !res.Has(CodeWrongActionType) {
		t.Fatalf("expected wrong type rejection, got %+v", res)
	}
}
