package ruleset

import (
	"testing"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	r := Default()
	require.NoError(t, r.Validate())
	assert.Equal(t, 16, r.Board.Width)
	assert.Equal(t, 8, r.MaxPlayers)
	assert.Equal(t, engine.DefaultMinTickSpacing, r.Placement.MinTickSpacing)
}

func TestStaticGet(t *testing.T) {
	small := Default()
	small.Version = "small"
	small.Board = BoardConfig{Width: 4, Height: 4}
	small.MaxPlayers = 2

	p, err := NewStatic(small)
	require.NoError(t, err)

	r, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, r.Version)

	r, err = p.Get("small")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Board.Width)

	_, err = p.Get("v9")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNotFound, e.Code)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Ruleset){
		"no version":     func(r *Ruleset) { r.Version = "" },
		"zero width":     func(r *Ruleset) { r.Board.Width = 0 },
		"no players":     func(r *Ruleset) { r.MaxPlayers = 0 },
		"no tile types":  func(r *Ruleset) { r.Placement.AllowedTileTypes = nil },
		"tile off board": func(r *Ruleset) { r.Board.InitialTiles = []engine.InitialTile{{Position: engine.Position{X: 99}}} },
		"duplicate npc":  func(r *Ruleset) { r.NPCs = append(r.NPCs, r.NPCs[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := Default()
			mutate(&r)
			assert.Error(t, r.Validate())

			_, err := NewStatic(r)
			assert.Error(t, err)
		})
	}
}
