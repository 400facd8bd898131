// Package ruleset supplies the versioned configuration an instance is built
// from: board dimensions, initial tiles, player capacity, placement rules and
// the starting NPC roster.
package ruleset

import (
	"fmt"
	"sync"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
)

// DefaultVersion is the ruleset served when a caller asks for "".
const DefaultVersion = "v1"

// BoardConfig sizes the board and seeds it.
type BoardConfig struct {
	Width        int                  `json:"width"`
	Height       int                  `json:"height"`
	InitialTiles []engine.InitialTile `json:"initialTiles,omitempty"`
}

// NPCSpec describes an NPC spawned with the instance.
type NPCSpec struct {
	NPCID        string            `json:"npcId"`
	Archetype    string            `json:"archetype"`
	PriorityTier float64           `json:"priorityTier"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Ruleset is one immutable ruleset version.
type Ruleset struct {
	Version    string                `json:"version"`
	Board      BoardConfig           `json:"board"`
	MaxPlayers int                   `json:"maxPlayers"`
	Placement  engine.PlacementRules `json:"placement"`
	NPCs       []NPCSpec             `json:"npcs,omitempty"`
}

// Validate checks the ruleset is usable to build an instance.
func (r Ruleset) Validate() error {
	if r.Version == "" {
		return fmt.Errorf("ruleset: missing version")
	}
	if r.Board.Width <= 0 || r.Board.Height <= 0 {
		return fmt.Errorf("ruleset %s: invalid board %dx%d", r.Version, r.Board.Width, r.Board.Height)
	}
	if r.MaxPlayers <= 0 {
		return fmt.Errorf("ruleset %s: maxPlayers must be positive", r.Version)
	}
	if len(r.Placement.AllowedTileTypes) == 0 {
		return fmt.Errorf("ruleset %s: no allowed tile types", r.Version)
	}
	for _, t := range r.Board.InitialTiles {
		if t.Position.X < 0 || t.Position.X >= r.Board.Width || t.Position.Y < 0 || t.Position.Y >= r.Board.Height {
			return fmt.Errorf("ruleset %s: initial tile (%d,%d) out of bounds", r.Version, t.Position.X, t.Position.Y)
		}
	}
	seen := make(map[string]struct{}, len(r.NPCs))
	for _, n := range r.NPCs {
		if n.NPCID == "" {
			return fmt.Errorf("ruleset %s: npc without id", r.Version)
		}
		if _, dup := seen[n.NPCID]; dup {
			return fmt.Errorf("ruleset %s: duplicate npc %s", r.Version, n.NPCID)
		}
		seen[n.NPCID] = struct{}{}
	}
	return nil
}

// Default returns the v1 ruleset: a 16x16 board seeded with one centre
// tile, eight players and a single sentinel NPC.
func Default() Ruleset {
	return Ruleset{
		Version: DefaultVersion,
		Board: BoardConfig{
			Width:  16,
			Height: 16,
			InitialTiles: []engine.InitialTile{
				{Position: engine.Position{X: 8, Y: 8}, TileType: 0},
			},
		},
		MaxPlayers: 8,
		Placement:  engine.DefaultPlacementRules(),
		NPCs: []NPCSpec{
			{NPCID: "warden", Archetype: "sentinel", PriorityTier: 1},
		},
	}
}

// Provider resolves ruleset versions.
type Provider interface {
	Get(version string) (Ruleset, error)
}

// Static is an in-memory Provider.
type Static struct {
	mu   sync.RWMutex
	sets map[string]Ruleset
}

// NewStatic builds a provider holding Default plus any extra rulesets.
// Later entries replace earlier ones with the same version.
func NewStatic(extra ...Ruleset) (*Static, error) {
	s := &Static{sets: make(map[string]Ruleset)}
	for _, r := range append([]Ruleset{Default()}, extra...) {
		if err := s.Register(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds or replaces a ruleset.
func (s *Static) Register(r Ruleset) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[r.Version] = r
	return nil
}

// Get returns the ruleset for version, or the default for "".
func (s *Static) Get(version string) (Ruleset, error) {
	if version == "" {
		version = DefaultVersion
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sets[version]
	if !ok {
		return Ruleset{}, apperr.NotFound("unknown ruleset version %q", version)
	}
	return r, nil
}
