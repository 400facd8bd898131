package engine

import (
	"math"
	"sort"
	"strings"
)

// Category ranks. System work (npc/scripted) sorts ahead of player tiles.
const (
	CategorySystem = 0
	CategoryPlayer = 1
)

// Descriptor is the derived ordering key of an action. It is never stored.
// Infinite ranks make it unsuitable for encoding/json.
type Descriptor struct {
	PriorityTier   float64
	CategoryRank   int
	InitiativeRank float64
	Timestamp      int64
}

// Describe derives the priority descriptor of an action.
//
//   - npc_event / scripted_event: explicit tier, category 0, initiative +Inf.
//   - tile_placement: tier +Inf, category 1, initiative -playerInitiative so
//     that ascending order puts higher initiative first.
func Describe(a *Action) Descriptor {
	d := Descriptor{
		PriorityTier:   math.Inf(1),
		CategoryRank:   CategoryPlayer,
		InitiativeRank: math.Inf(1),
		Timestamp:      a.Timestamp,
	}
	switch a.Type {
	case ActionTilePlacement:
		if a.Tile != nil {
			d.InitiativeRank = -float64(a.Tile.PlayerInitiative)
		}
	case ActionNPCEvent:
		d.CategoryRank = CategorySystem
		if a.NPC != nil {
			d.PriorityTier = a.NPC.PriorityTier
		}
	case ActionScriptedEvent:
		d.CategoryRank = CategorySystem
		if a.Script != nil {
			d.PriorityTier = a.Script.PriorityTier
		}
	}
	return d
}

// CompareDescriptors orders two descriptors ascending by
// (tier, category, initiative, timestamp). Ties return 0.
func CompareDescriptors(a, b Descriptor) int {
	if c := compareFloat(a.PriorityTier, b.PriorityTier); c != 0 {
		return c
	}
	if a.CategoryRank != b.CategoryRank {
		if a.CategoryRank < b.CategoryRank {
			return -1
		}
		return 1
	}
	if c := compareFloat(a.InitiativeRank, b.InitiativeRank); c != 0 {
		return c
	}
	return compareInt(a.Timestamp, b.Timestamp)
}

// Compare totally orders actions: descriptor first, then (timestamp, id).
// It returns 0 only when both actions carry the same id.
func Compare(a, b *Action) int {
	if c := CompareDescriptors(Describe(a), Describe(b)); c != 0 {
		return c
	}
	if c := compareInt(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortActions sorts in place by Compare.
func SortActions(actions []*Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return Compare(actions[i], actions[j]) < 0
	})
}

// compareFloat treats equal infinities as equal. NaN never appears here
// because tiers come from validated JSON numbers.
func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
