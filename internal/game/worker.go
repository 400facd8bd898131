package game

import (
	"context"
	"fmt"
	"time"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/sirupsen/logrus"
)

// Drain resolves one batch of queued actions in priority order. It is not
// re-entrant: a call made while another drain is in flight returns 0 at
// once. It returns the number of actions resolved.
func (in *Instance) Drain(ctx context.Context) int {
	if !in.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer in.draining.Store(false)

	entries := in.queue.DrainBatch(in.batchSize)
	live := in.graceSessions(ctx, entries)
	in.mu.Lock()
	in.graceLive = live
	in.mu.Unlock()

	applied := 0
	for _, e := range entries {
		if in.resolveEntry(ctx, e) == OutcomeApplied {
			applied++
		}
	}
	in.finishBatch()

	if len(entries) > 0 {
		in.log.WithFields(logrus.Fields{"resolved": len(entries), "applied": applied}).Debug("drained batch")
	}
	return len(entries)
}

// resolveEntry resolves and announces one entry under the instance lock. A
// panic while announcing costs only this entry.
func (in *Instance) resolveEntry(ctx context.Context, e queue.Entry) (status OutcomeStatus) {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer in.recoverLocked("announcing action", e.Action.ID)

	out := in.resolver.Resolve(ctx, in, e)
	status = out.Status
	in.emitOutcomeLocked(e.Action, out)
	return status
}

// finishBatch publishes the board delta and completes an ending instance
// once its queue is empty.
func (in *Instance) finishBatch() {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer in.recoverLocked("finishing batch", "")

	in.graceLive = nil
	in.publishDeltaLocked()
	if in.status == StatusEnding && in.queue.Len() == 0 {
		in.setStatusLocked(StatusEnded, "queue drained")
	}
}

// recoverLocked logs a panic raised by a callback while the lock is held so
// the deferred unlock still runs. It must be deferred directly.
func (in *Instance) recoverLocked(stage, actionID string) {
	rec := recover()
	if rec == nil {
		return
	}
	log := in.log.WithField("stage", stage)
	if actionID != "" {
		log = log.WithField("action_id", actionID)
	}
	log.WithError(fmt.Errorf("panic: %v", rec)).Error("recovered from panic during drain")
}

// graceSessions asks the reconnect store, without the instance lock, whether
// each disconnected tile actor in entries still holds a grace session.
func (in *Instance) graceSessions(ctx context.Context, entries []queue.Entry) map[string]bool {
	if in.sessions == nil || len(entries) == 0 {
		return nil
	}
	in.mu.Lock()
	var ids []string
	seen := make(map[string]struct{})
	for _, e := range entries {
		a := e.Action
		if a == nil || a.Type != engine.ActionTilePlacement || a.Tile == nil {
			continue
		}
		p, ok := in.players[a.Tile.PlayerID]
		if !ok || p.Status != PlayerDisconnected {
			continue
		}
		if _, dup := seen[p.PlayerID]; dup {
			continue
		}
		seen[p.PlayerID] = struct{}{}
		ids = append(ids, p.PlayerID)
	}
	in.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		sctx, cancel := in.storeCtx(ctx)
		s, err := in.sessions.GetSession(sctx, in.ID, id)
		cancel()
		if err != nil {
			in.log.WithError(err).WithField("player_id", id).Warn("grace check failed, treating session as expired")
		}
		live[id] = err == nil && s != nil
	}
	return live
}

// emitOutcomeLocked announces a resolution. Applied actions are broadcast;
// rejections go to the submitter, or to everyone when the actor is unknown.
// Assumes lock is held by caller.
func (in *Instance) emitOutcomeLocked(a *engine.Action, out Outcome) {
	requestID := optionalString(a.ClientRequestID())
	if out.Status == OutcomeApplied {
		in.fireEvent(EventActionApplied, AppliedPayload{
			ActionID:  out.ActionID,
			Tick:      out.Tick,
			Effects:   out.Effects,
			RequestID: requestID,
		})
		return
	}

	fields := logrus.Fields{"action_id": a.ID, "reason": out.Reason}
	if out.Err != nil && out.Err.Err != nil {
		in.log.WithFields(fields).WithError(out.Err.Err).Error("action rejected")
	} else {
		in.log.WithFields(fields).Debug("action rejected")
	}

	payload := RejectedPayload{
		ActionID:  optionalString(out.ActionID),
		Reason:    string(out.Reason),
		RequestID: requestID,
	}
	if out.Err != nil {
		payload.Error = out.Err.Public()
	}
	target := a.SubmittedBy
	if target == "" && a.Type == engine.ActionTilePlacement && a.Tile != nil {
		if _, known := in.players[a.Tile.PlayerID]; known {
			target = a.Tile.PlayerID
		}
	}
	if target != "" {
		in.fireEventToPlayer(target, EventActionRejected, payload)
		return
	}
	in.fireEvent(EventActionRejected, payload)
}

// publishDeltaLocked broadcasts the cells changed since the last delta.
// Assumes lock is held by caller.
func (in *Instance) publishDeltaLocked() {
	if !in.board.HasDirty() {
		return
	}
	cells, err := ComputeBoardDelta(in.published, in.board)
	if err != nil {
		in.log.WithError(err).Error("board delta failed")
		return
	}
	in.published = in.board.Clone()
	in.board.ClearDirty()
	if len(cells) > 0 {
		in.fireEvent(EventBoardDelta, BoardDeltaPayload{Cells: cells})
	}
}

// Run is the instance loop: every tick interval it advances the logical
// clock and drains, and a submission nudges an early drain. It returns when
// ctx is done or the instance ends.
func (in *Instance) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.tickInterval)
	defer ticker.Stop()
	in.log.WithField("tick_interval", in.tickInterval).Info("instance loop started")
	defer in.log.Info("instance loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-in.done:
			return nil
		case <-ticker.C:
			in.AdvanceTick()
			in.Drain(ctx)
		case <-in.nudge:
			in.Drain(ctx)
		}
	}
}
