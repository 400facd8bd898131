// Package game runs battle instances: membership, admission, ordered
// resolution of queued actions, and the snapshots and deltas sent to
// players.
package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/jason-s-yu/tileclash/internal/reconnect"
	"github.com/jason-s-yu/tileclash/internal/ruleset"
	"github.com/sirupsen/logrus"
)

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	StatusActive     InstanceStatus = "active"
	StatusEnding     InstanceStatus = "ending"
	StatusEnded      InstanceStatus = "ended"
	StatusTerminated InstanceStatus = "terminated"
)

// PlayerStatus is the connection state of a player.
type PlayerStatus string

const (
	PlayerActive       PlayerStatus = "active"
	PlayerDisconnected PlayerStatus = "disconnected"
)

// PlayerSession is a player's membership record in one instance.
type PlayerSession struct {
	PlayerID          string       `json:"playerId"`
	DisplayName       string       `json:"displayName"`
	Status            PlayerStatus `json:"status"`
	Initiative        int          `json:"initiative"`
	LastActionTick    int64        `json:"lastActionTick"`
	ReconnectDeadline *int64       `json:"reconnectDeadline"` // unix ms, set while disconnected
}

func (p *PlayerSession) clone() PlayerSession {
	cp := *p
	if p.ReconnectDeadline != nil {
		d := *p.ReconnectDeadline
		cp.ReconnectDeadline = &d
	}
	return cp
}

// NPCAgent is a non-player actor living in the instance.
type NPCAgent struct {
	NPCID        string            `json:"npcId"`
	Archetype    string            `json:"archetype"`
	PriorityTier float64           `json:"priorityTier"`
	CurrentTick  int64             `json:"currentTick"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sessions is the slice of the reconnect manager an instance depends on.
type Sessions interface {
	CreateSession(ctx context.Context, p reconnect.CreateParams) (*reconnect.Session, error)
	GetSession(ctx context.Context, instanceID, playerID string) (*reconnect.Session, error)
	AttemptReconnect(ctx context.Context, instanceID, playerID, transportSessionID string) (*reconnect.Session, error)
	RemoveSession(ctx context.Context, instanceID, playerID string) error
}

// Defaults for Params.
const (
	DefaultTickInterval = 250 * time.Millisecond
	DefaultGracePeriod  = 30 * time.Second
	DefaultStoreTimeout = 2 * time.Second
)

// Params configures NewInstance.
type Params struct {
	ID      string
	Ruleset ruleset.Ruleset

	Limiter  queue.Limiter // nil admits every action
	Sessions Sessions      // nil disables grace periods: disconnected players cannot act

	QueueCapacity int
	BatchSize     int
	TickInterval  time.Duration
	GracePeriod   time.Duration
	StoreTimeout  time.Duration

	Clock  func() time.Time
	Logger logrus.FieldLogger
}

// Instance is one authoritative battle. All exported methods are safe for
// concurrent use; board mutation happens only inside Drain.
type Instance struct {
	ID             string
	RulesetVersion string
	StartedAt      int64

	mu       sync.Mutex
	status   InstanceStatus
	tick     int64
	board    *engine.Board
	players  map[string]*PlayerSession
	npcs     map[string]*NPCAgent
	rules    ruleset.Ruleset
	resolver *Resolver

	// published is the board as of the last board.delta.
	published *engine.Board

	pendingMu sync.Mutex
	pending   []queue.PendingRecord

	queue    *queue.Queue
	sessions Sessions
	draining atomic.Bool
	// graceLive holds reconnect store answers for the batch being drained.
	graceLive map[string]bool
	nudge     chan struct{}
	done      chan struct{}
	doneOnce  sync.Once

	batchSize    int
	tickInterval time.Duration
	gracePeriod  time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	log          logrus.FieldLogger

	// Communication callbacks. Both are called with the instance lock held
	// and must not block or call back into the instance.
	BroadcastFn         func(ev Event)                  // Sends an event to every connected player.
	BroadcastToPlayerFn func(playerID string, ev Event) // Sends an event to one player.
}

// NewInstance builds an active instance from its ruleset: the board with
// initial tiles placed at tick 0 by the system actor, and the NPC roster.
func NewInstance(p Params) (*Instance, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if err := p.Ruleset.Validate(); err != nil {
		return nil, err
	}
	board, err := engine.NewBoard(p.Ruleset.Board.Width, p.Ruleset.Board.Height)
	if err != nil {
		return nil, err
	}
	if err := board.ApplyInitialTiles(p.Ruleset.Board.InitialTiles); err != nil {
		return nil, err
	}
	board.ClearDirty()

	in := &Instance{
		ID:             p.ID,
		RulesetVersion: p.Ruleset.Version,
		status:         StatusActive,
		board:          board,
		published:      board.Clone(),
		players:        make(map[string]*PlayerSession),
		npcs:           make(map[string]*NPCAgent, len(p.Ruleset.NPCs)),
		rules:          p.Ruleset,
		sessions:       p.Sessions,
		nudge:          make(chan struct{}, 1),
		done:           make(chan struct{}),
		batchSize:      p.BatchSize,
		tickInterval:   p.TickInterval,
		gracePeriod:    p.GracePeriod,
		storeTimeout:   p.StoreTimeout,
		now:            p.Clock,
		log:            p.Logger,
	}
	if in.batchSize <= 0 {
		in.batchSize = queue.DefaultBatchSize
	}
	if in.tickInterval <= 0 {
		in.tickInterval = DefaultTickInterval
	}
	if in.gracePeriod <= 0 {
		in.gracePeriod = DefaultGracePeriod
	}
	if in.storeTimeout <= 0 {
		in.storeTimeout = DefaultStoreTimeout
	}
	if in.now == nil {
		in.now = time.Now
	}
	if in.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		in.log = discard
	}
	in.log = in.log.WithField("instance_id", p.ID)
	in.StartedAt = in.now().UnixMilli()

	for _, npc := range p.Ruleset.NPCs {
		meta := make(map[string]string, len(npc.Metadata))
		for k, v := range npc.Metadata {
			meta[k] = v
		}
		in.npcs[npc.NPCID] = &NPCAgent{
			NPCID:        npc.NPCID,
			Archetype:    npc.Archetype,
			PriorityTier: npc.PriorityTier,
			Metadata:     meta,
		}
	}

	in.queue = queue.New(p.Limiter,
		queue.WithCapacity(p.QueueCapacity),
		queue.WithBatchSize(in.batchSize),
		queue.WithClock(in.now),
		queue.WithLogger(in.log),
		queue.WithObserver(in.mirrorPending),
	)
	in.resolver = NewResolver(p.Ruleset.Placement, in.log)
	return in, nil
}

// mirrorPending is the queue observer keeping PendingActions in sync.
func (in *Instance) mirrorPending(records []queue.PendingRecord) {
	in.pendingMu.Lock()
	in.pending = records
	in.pendingMu.Unlock()
}

// PendingActions returns the mirror of the admission queue.
func (in *Instance) PendingActions() []queue.PendingRecord {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()
	out := make([]queue.PendingRecord, len(in.pending))
	copy(out, in.pending)
	return out
}

// Status returns the lifecycle state.
func (in *Instance) Status() InstanceStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Tick returns the current logical tick.
func (in *Instance) Tick() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.tick
}

// Player returns a copy of a player's record.
func (in *Instance) Player(playerID string) (PlayerSession, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	p, ok := in.players[playerID]
	if !ok {
		return PlayerSession{}, false
	}
	return p.clone(), true
}

// PlayerCount returns the number of members, connected or not.
func (in *Instance) PlayerCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.players)
}

// QueueLen reports how many actions wait for the next drain.
func (in *Instance) QueueLen() int { return in.queue.Len() }

// Done is closed once the instance reaches ended or terminated.
func (in *Instance) Done() <-chan struct{} { return in.done }

// AdvanceTick moves the logical clock forward by one.
func (in *Instance) AdvanceTick() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tick++
	return in.tick
}

// fireEvent broadcasts ev. Assumes lock is held by caller.
func (in *Instance) fireEvent(typ EventType, payload any) {
	if in.BroadcastFn == nil {
		in.log.WithField("event", typ).Debug("BroadcastFn is nil, dropping event")
		return
	}
	in.BroadcastFn(Event{Type: typ, InstanceID: in.ID, Tick: in.tick, Payload: payload})
}

// fireEventToPlayer unicasts ev. Assumes lock is held by caller.
func (in *Instance) fireEventToPlayer(playerID string, typ EventType, payload any) {
	if in.BroadcastToPlayerFn == nil {
		in.log.WithField("event", typ).Debug("BroadcastToPlayerFn is nil, dropping event")
		return
	}
	in.BroadcastToPlayerFn(playerID, Event{Type: typ, InstanceID: in.ID, Tick: in.tick, Payload: payload})
}

func (in *Instance) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, in.storeTimeout)
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// JoinRequest identifies a player entering the instance.
type JoinRequest struct {
	PlayerID    string
	DisplayName string
	Initiative  int
}

// Join adds a new player or reactivates a known one. Reactivation clears the
// reconnect deadline and drops any grace session. A disconnected player whose
// deadline has passed is removed first and joins as a new seat.
func (in *Instance) Join(ctx context.Context, req JoinRequest) (PlayerSession, error) {
	if req.PlayerID == "" {
		return PlayerSession{}, apperr.Validation(apperr.CodeInvalidAction, "player id is required")
	}

	in.mu.Lock()
	if in.status != StatusActive {
		status := in.status
		in.mu.Unlock()
		return PlayerSession{}, apperr.State(apperr.CodeInstanceNotActive, "instance %s is %s", in.ID, status)
	}
	p, known := in.players[req.PlayerID]
	if known && p.Status == PlayerDisconnected && p.ReconnectDeadline != nil && in.now().UnixMilli() > *p.ReconnectDeadline {
		// Grace ran out before the sweep: the old seat is gone, join fresh.
		in.mu.Unlock()
		in.removeExpired([]string{req.PlayerID})
		in.dropGraceSession(ctx, req.PlayerID)
		return in.Join(ctx, req)
	}
	wasDisconnected := false
	if known {
		wasDisconnected = p.Status == PlayerDisconnected
		p.Status = PlayerActive
		p.ReconnectDeadline = nil
		if req.DisplayName != "" {
			p.DisplayName = req.DisplayName
		}
	} else {
		if len(in.players) >= in.rules.MaxPlayers {
			in.mu.Unlock()
			return PlayerSession{}, apperr.Capacity(apperr.CodeInstanceFull, "instance %s is full (%d players)", in.ID, in.rules.MaxPlayers)
		}
		p = &PlayerSession{
			PlayerID:       req.PlayerID,
			DisplayName:    req.DisplayName,
			Status:         PlayerActive,
			Initiative:     req.Initiative,
			LastActionTick: engine.NoActionTick,
		}
		in.players[req.PlayerID] = p
	}
	typ := EventPlayerJoined
	if wasDisconnected {
		typ = EventPlayerReconnected
	}
	in.fireEvent(typ, PlayerPayload{PlayerID: p.PlayerID, DisplayName: p.DisplayName})
	out := p.clone()
	in.mu.Unlock()

	in.log.WithFields(logrus.Fields{"player_id": req.PlayerID, "rejoin": known}).Info("player joined")
	if wasDisconnected {
		in.dropGraceSession(ctx, req.PlayerID)
	}
	return out, nil
}

func (in *Instance) dropGraceSession(ctx context.Context, playerID string) {
	if in.sessions == nil {
		return
	}
	sctx, cancel := in.storeCtx(ctx)
	defer cancel()
	if err := in.sessions.RemoveSession(sctx, in.ID, playerID); err != nil {
		in.log.WithError(err).WithField("player_id", playerID).Warn("failed to remove reconnect session")
	}
}

// HasGraceSession reports whether playerID may resume through Reconnect.
func (in *Instance) HasGraceSession(ctx context.Context, playerID string) bool {
	if in.sessions == nil {
		return false
	}
	sctx, cancel := in.storeCtx(ctx)
	defer cancel()
	s, err := in.sessions.GetSession(sctx, in.ID, playerID)
	if err != nil {
		in.log.WithError(err).WithField("player_id", playerID).Warn("reconnect session lookup failed")
		return false
	}
	return s != nil
}

// Reconnect resumes a disconnected player's seat inside its grace period.
// When the grace period is over the player is removed and the returned error
// wraps reconnect.ErrGracePeriodExpired.
func (in *Instance) Reconnect(ctx context.Context, playerID, transportSessionID string) (PlayerSession, error) {
	if in.sessions == nil {
		return PlayerSession{}, apperr.State(apperr.CodeGracePeriodExpired, "reconnect is not available")
	}
	sctx, cancel := in.storeCtx(ctx)
	sess, err := in.sessions.AttemptReconnect(sctx, in.ID, playerID, transportSessionID)
	cancel()
	if err != nil {
		if errors.Is(err, reconnect.ErrGracePeriodExpired) {
			in.removeExpired([]string{playerID})
		}
		return PlayerSession{}, err
	}

	in.mu.Lock()
	if in.status != StatusActive {
		status := in.status
		in.mu.Unlock()
		return PlayerSession{}, apperr.State(apperr.CodeInstanceNotActive, "instance %s is %s", in.ID, status)
	}
	p, ok := in.players[playerID]
	if !ok {
		// Swept locally while the grace record was still live: restore the
		// seat from the cached state.
		if len(in.players) >= in.rules.MaxPlayers {
			in.mu.Unlock()
			return PlayerSession{}, apperr.Capacity(apperr.CodeInstanceFull, "instance %s is full (%d players)", in.ID, in.rules.MaxPlayers)
		}
		p = &PlayerSession{
			PlayerID:       playerID,
			DisplayName:    sess.PlayerState.DisplayName,
			Initiative:     sess.PlayerState.Initiative,
			LastActionTick: sess.PlayerState.LastActionTick,
		}
		in.players[playerID] = p
	}
	p.Status = PlayerActive
	p.ReconnectDeadline = nil
	in.fireEvent(EventPlayerReconnected, PlayerPayload{PlayerID: playerID, DisplayName: p.DisplayName})
	out := p.clone()
	in.mu.Unlock()

	in.log.WithField("player_id", playerID).Info("player reconnected")
	in.dropGraceSession(ctx, playerID)
	return out, nil
}

// Leave handles a player going away. A consented leave deletes the player
// and its queued actions at once; reconnect cleanup runs detached. An
// ungraceful leave starts the grace period instead.
func (in *Instance) Leave(ctx context.Context, playerID string, consented bool) error {
	in.mu.Lock()
	p, ok := in.players[playerID]
	if !ok {
		in.mu.Unlock()
		return apperr.NotFound("player %s is not in instance %s", playerID, in.ID)
	}

	if consented {
		delete(in.players, playerID)
		in.fireEvent(EventPlayerLeft, PlayerPayload{PlayerID: playerID, Reason: "left"})
		in.mu.Unlock()

		removed := in.queue.RemoveWhere(func(a *engine.Action) bool { return a.ActorID() == playerID })
		in.log.WithFields(logrus.Fields{"player_id": playerID, "dropped_actions": removed}).Info("player left")
		in.cleanupDetached(playerID)
		return nil
	}

	if p.Status == PlayerDisconnected {
		in.mu.Unlock()
		return nil
	}
	deadline := in.now().Add(in.gracePeriod).UnixMilli()
	p.Status = PlayerDisconnected
	p.ReconnectDeadline = &deadline
	state := reconnect.PlayerState{
		DisplayName:    p.DisplayName,
		Initiative:     p.Initiative,
		LastActionTick: p.LastActionTick,
	}
	in.fireEvent(EventPlayerDisconnected, PlayerPayload{PlayerID: playerID, ReconnectDeadline: &deadline})
	in.mu.Unlock()

	in.log.WithField("player_id", playerID).Info("player disconnected, grace period started")
	if in.sessions == nil {
		return nil
	}
	sctx, cancel := in.storeCtx(ctx)
	defer cancel()
	_, err := in.sessions.CreateSession(sctx, reconnect.CreateParams{
		PlayerID:    playerID,
		InstanceID:  in.ID,
		SessionID:   transportSessionID(ctx),
		GracePeriod: in.gracePeriod,
		PlayerState: state,
	})
	if err != nil {
		in.log.WithError(err).WithField("player_id", playerID).Error("failed to create reconnect session")
		return err
	}
	return nil
}

// cleanupDetached removes a departed player's reconnect records in the
// background. It is best effort: failures are only logged.
func (in *Instance) cleanupDetached(playerID string) {
	if in.sessions == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), in.storeTimeout)
		defer cancel()
		if err := in.sessions.RemoveSession(ctx, in.ID, playerID); err != nil {
			in.log.WithError(err).WithField("player_id", playerID).Warn("reconnect cleanup after leave failed")
		}
	}()
}

// ExpireDisconnected removes every disconnected player whose deadline has
// passed, together with their queued actions, and returns their ids.
func (in *Instance) ExpireDisconnected(ctx context.Context) []string {
	nowMs := in.now().UnixMilli()
	in.mu.Lock()
	var expired []string
	for id, p := range in.players {
		if p.Status == PlayerDisconnected && p.ReconnectDeadline != nil && nowMs > *p.ReconnectDeadline {
			expired = append(expired, id)
		}
	}
	in.mu.Unlock()
	if len(expired) == 0 {
		return nil
	}
	in.removeExpired(expired)
	for _, id := range expired {
		in.dropGraceSession(ctx, id)
	}
	return expired
}

// removeExpired drops players whose grace ran out. Players that came back
// in the meantime are kept.
func (in *Instance) removeExpired(playerIDs []string) {
	in.mu.Lock()
	gone := make(map[string]struct{}, len(playerIDs))
	for _, id := range playerIDs {
		p, ok := in.players[id]
		if !ok || p.Status != PlayerDisconnected {
			continue
		}
		delete(in.players, id)
		gone[id] = struct{}{}
		in.fireEvent(EventPlayerLeft, PlayerPayload{PlayerID: id, Reason: "expired"})
	}
	in.mu.Unlock()
	if len(gone) == 0 {
		return
	}
	in.queue.RemoveWhere(func(a *engine.Action) bool {
		_, ok := gone[a.ActorID()]
		return ok
	})
	for id := range gone {
		in.log.WithField("player_id", id).Info("grace period expired, player removed")
	}
}

type sessionIDKey struct{}

// WithTransportSession tags ctx with the transport session id recorded in
// reconnect sessions created under it.
func WithTransportSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func transportSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Submit validates a at ingress and admits it into the queue. The submitter
// (a.SubmittedBy) receives action.queued or action.rejected.
func (in *Instance) Submit(ctx context.Context, a *engine.Action) (queue.Result, error) {
	if err := a.Validate(); err != nil {
		e := apperr.Validation(apperr.CodeInvalidAction, "%v", err)
		var fe *engine.FieldError
		if errors.As(err, &fe) {
			e.WithDetail("field", fe.Field)
		}
		in.reject(a, e)
		return queue.Result{Reason: e.Code}, e
	}

	in.mu.Lock()
	status := in.status
	in.mu.Unlock()
	if status != StatusActive {
		e := apperr.State(apperr.CodeInstanceNotActive, "instance %s is %s", in.ID, status)
		in.reject(a, e)
		return queue.Result{Reason: e.Code}, e
	}
	if a.InstanceID != in.ID {
		e := apperr.Validation(apperr.CodeInvalidAction, "action targets instance %s, not %s", a.InstanceID, in.ID).
			WithDetail("field", "instanceId")
		in.reject(a, e)
		return queue.Result{Reason: e.Code}, e
	}

	res, err := in.queue.Enqueue(ctx, a)
	if err != nil {
		e := apperr.From(err)
		if e.Kind == apperr.KindInternal {
			in.log.WithError(err).WithField("action_id", a.ID).Error("enqueue failed")
		}
		in.reject(a, e)
		return res, e
	}

	in.mu.Lock()
	if a.SubmittedBy != "" {
		in.fireEventToPlayer(a.SubmittedBy, EventActionQueued, QueuedPayload{ActionID: a.ID, RateLimit: res.RateLimit})
	}
	in.mu.Unlock()

	select {
	case in.nudge <- struct{}{}:
	default:
	}
	return res, nil
}

// reject emits action.rejected for a failed submission.
func (in *Instance) reject(a *engine.Action, e *apperr.Error) {
	var actionID, requestID *string
	submitter := ""
	if a != nil {
		actionID = optionalString(a.ID)
		requestID = optionalString(a.ClientRequestID())
		submitter = a.SubmittedBy
	}
	payload := RejectedPayload{ActionID: actionID, Reason: string(e.Code), Error: e.Public(), RequestID: requestID}

	in.mu.Lock()
	defer in.mu.Unlock()
	if submitter != "" {
		in.fireEventToPlayer(submitter, EventActionRejected, payload)
		return
	}
	in.fireEvent(EventActionRejected, payload)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// setStatusLocked transitions the instance. Assumes lock is held by caller.
func (in *Instance) setStatusLocked(status InstanceStatus, reason string) {
	if in.status == status {
		return
	}
	in.status = status
	in.fireEvent(EventInstanceStatus, StatusPayload{Status: status, Reason: reason})
	in.log.WithFields(logrus.Fields{"status": status, "reason": reason}).Info("instance status changed")
	if status == StatusEnded || status == StatusTerminated {
		in.doneOnce.Do(func() { close(in.done) })
	}
}

// End starts a graceful shutdown: new submissions are refused and the
// instance becomes ended once the queue is drained.
func (in *Instance) End(reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.status == StatusActive {
		in.setStatusLocked(StatusEnding, reason)
	}
}

// Terminate stops the instance immediately and discards queued actions.
func (in *Instance) Terminate(reason string) {
	in.mu.Lock()
	if in.status == StatusTerminated || in.status == StatusEnded {
		in.mu.Unlock()
		return
	}
	in.setStatusLocked(StatusTerminated, reason)
	in.mu.Unlock()
	in.queue.Clear()
}
