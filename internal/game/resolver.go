package game

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/sirupsen/logrus"
)

// Scripted and NPC event types with built-in effects.
const (
	ScriptEventInstanceEnd = "instance.end"
	NPCEventDespawn        = "despawn"
)

// OutcomeStatus is the result of resolving one action.
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeRejected OutcomeStatus = "rejected"
)

// CellEffect is the tile written by a placement.
type CellEffect struct {
	Position engine.Position `json:"position"`
	TileType int             `json:"tileType"`
	PlayerID string          `json:"playerId"`
}

// NPCEffect is the change an npc_event made.
type NPCEffect struct {
	NPCID     string         `json:"npcId"`
	EventType string         `json:"eventType"`
	Despawned bool           `json:"despawned,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ScriptEffect echoes an applied scripted_event.
type ScriptEffect struct {
	ScriptID  string         `json:"scriptId"`
	TriggerID string         `json:"triggerId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// Effects lists what an applied action changed. Exactly one field is set.
type Effects struct {
	Cell   *CellEffect   `json:"cell,omitempty"`
	NPC    *NPCEffect    `json:"npc,omitempty"`
	Script *ScriptEffect `json:"script,omitempty"`
}

// Outcome is the result of Resolve.
type Outcome struct {
	Status     OutcomeStatus
	ActionID   string
	Tick       int64
	Effects    Effects
	Reason     apperr.Code
	Err        *apperr.Error
	Validation *engine.ValidationResult
}

func rejected(a *engine.Action, tick int64, err *apperr.Error) Outcome {
	return Outcome{Status: OutcomeRejected, ActionID: a.ID, Tick: tick, Reason: err.Code, Err: err}
}

// Resolver validates drained actions against the live instance state and
// applies the ones that pass.
type Resolver struct {
	rules engine.PlacementRules
	log   logrus.FieldLogger
}

// NewResolver creates a resolver for one ruleset's placement rules.
func NewResolver(rules engine.PlacementRules, log logrus.FieldLogger) *Resolver {
	return &Resolver{rules: rules, log: log}
}

// Resolve applies or rejects one entry. A panic while resolving becomes an
// internal rejection of that entry only. Assumes the instance lock is held.
func (r *Resolver) Resolve(ctx context.Context, in *Instance, entry queue.Entry) (out Outcome) {
	a := entry.Action
	defer func() {
		if rec := recover(); rec != nil {
			err := apperr.Internal(fmt.Errorf("panic resolving action %s: %v", a.ID, rec))
			r.log.WithField("action_id", a.ID).WithError(err).Error("recovered from resolver panic")
			out = rejected(a, in.tick, err)
		}
	}()

	if in.status == StatusEnded || in.status == StatusTerminated {
		return rejected(a, in.tick, apperr.State(apperr.CodeInstanceNotActive, "instance %s is %s", in.ID, in.status))
	}

	switch a.Type {
	case engine.ActionTilePlacement:
		return r.resolveTile(in, a)
	case engine.ActionNPCEvent:
		return r.resolveNPC(in, a)
	case engine.ActionScriptedEvent:
		return r.resolveScript(in, a)
	}
	return rejected(a, in.tick, apperr.Validation(apperr.CodeInvalidAction, "unknown action type %q", a.Type))
}

func (r *Resolver) resolveTile(in *Instance, a *engine.Action) Outcome {
	tile := a.Tile
	p, ok := in.players[tile.PlayerID]
	if !ok {
		return rejected(a, in.tick, apperr.Unauthorized("player %s is not in instance %s", tile.PlayerID, in.ID))
	}
	if p.Status == PlayerDisconnected && !in.graceLiveLocked(p) {
		return rejected(a, in.tick, apperr.State(apperr.CodeGracePeriodExpired, "grace period of player %s has expired", p.PlayerID))
	}

	actor := a.SubmittedBy
	if actor == "" {
		actor = tile.PlayerID
	}
	vr := engine.ValidatePlacement(a, engine.ValidationContext{
		Board:          in.board,
		ActivePlayerID: actor,
		CurrentTick:    in.tick,
		LastActionTick: p.LastActionTick,
		Rules:          r.rules,
	})
	if !vr.IsValid {
		err := apperr.Validation(apperr.CodeValidationFailed, "%s", vr.Errors[0].Message).
			WithDetail("errors", vr.Errors)
		if vr.Has(engine.CodeUnauthorized) {
			err.Kind = apperr.KindAuthorization
		}
		out := rejected(a, in.tick, err)
		out.Validation = &vr
		return out
	}

	tick := a.EffectiveTick(in.tick)
	pos := tile.Payload.Position
	if err := in.board.Place(pos.X, pos.Y, tile.Payload.TileType, tick, tile.PlayerID); err != nil {
		return rejected(a, in.tick, apperr.Internal(err))
	}
	p.LastActionTick = tick
	return Outcome{
		Status:   OutcomeApplied,
		ActionID: a.ID,
		Tick:     tick,
		Effects: Effects{Cell: &CellEffect{
			Position: pos,
			TileType: tile.Payload.TileType,
			PlayerID: tile.PlayerID,
		}},
	}
}

func (r *Resolver) resolveNPC(in *Instance, a *engine.Action) Outcome {
	ev := a.NPC
	npc, ok := in.npcs[ev.NPCID]
	if !ok {
		return rejected(a, in.tick, apperr.Validation(apperr.CodeInvalidAction, "unknown npc %s", ev.NPCID).
			WithDetail("field", "npcId"))
	}
	if in.tick > npc.CurrentTick {
		npc.CurrentTick = in.tick
	}
	eff := &NPCEffect{NPCID: npc.NPCID, EventType: ev.Payload.EventType, Data: ev.Payload.Data}
	if ev.Payload.EventType == NPCEventDespawn {
		delete(in.npcs, npc.NPCID)
		eff.Despawned = true
	}
	return Outcome{Status: OutcomeApplied, ActionID: a.ID, Tick: in.tick, Effects: Effects{NPC: eff}}
}

func (r *Resolver) resolveScript(in *Instance, a *engine.Action) Outcome {
	ev := a.Script
	if ev.Payload.EventType == ScriptEventInstanceEnd && in.status == StatusActive {
		in.setStatusLocked(StatusEnding, "script "+ev.ScriptID)
	}
	return Outcome{
		Status:   OutcomeApplied,
		ActionID: a.ID,
		Tick:     in.tick,
		Effects: Effects{Script: &ScriptEffect{
			ScriptID:  ev.ScriptID,
			TriggerID: ev.Payload.TriggerID,
			EventType: ev.Payload.EventType,
			Data:      ev.Payload.Data,
		}},
	}
}

// graceLiveLocked reports whether a disconnected player is still inside its
// grace period. The store answer comes from the lookup Drain made before
// taking the lock; a player that disconnected after that lookup has a fresh
// session. Assumes lock is held by caller.
func (in *Instance) graceLiveLocked(p *PlayerSession) bool {
	if p.ReconnectDeadline == nil || in.now().UnixMilli() > *p.ReconnectDeadline {
		return false
	}
	if in.sessions == nil {
		return false
	}
	live, checked := in.graceLive[p.PlayerID]
	if !checked {
		return true
	}
	return live
}
