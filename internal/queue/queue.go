// Package queue implements the per-instance action admission queue.
package queue

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity  = 512
	DefaultBatchSize = 32
)

// Limiter is the admission gate consulted for player actions.
type Limiter interface {
	Enforce(ctx context.Context, channel ratelimit.Channel, actorID string) (ratelimit.Decision, error)
}

// Entry is a drained or peeked action paired with its priority descriptor.
type Entry struct {
	Action     *engine.Action
	Descriptor engine.Descriptor
}

// PendingRecord mirrors one queued action for observers.
type PendingRecord struct {
	ActionID   string            `json:"actionId"`
	Type       engine.ActionType `json:"type"`
	EnqueuedAt int64             `json:"enqueuedAt"`
}

// Result reports the outcome of Enqueue.
type Result struct {
	Accepted  bool
	Reason    apperr.Code
	RateLimit *ratelimit.Decision
}

type queued struct {
	action     *engine.Action
	enqueuedAt int64
}

// Queue admits actions (dedup, capacity, rate limit) and hands them out in
// priority order. It is safe for concurrent producers and a single consumer.
type Queue struct {
	mu       sync.Mutex
	items    []queued
	byID     map[string]struct{}
	byDedupe map[string]string // dedupe key -> action id

	capacity  int
	batchSize int
	limiter   Limiter
	now       func() time.Time
	log       logrus.FieldLogger
	observer  func([]PendingRecord)
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the maximum number of queued actions.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithBatchSize sets the default DrainBatch/Peek limit.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithClock overrides the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithObserver registers a callback receiving the pending mirror after every
// mutation. It runs under the queue lock and must not call back into the
// queue.
func WithObserver(fn func([]PendingRecord)) Option {
	return func(q *Queue) { q.observer = fn }
}

// New creates a queue. A nil limiter admits every action.
func New(limiter Limiter, opts ...Option) *Queue {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	q := &Queue{
		byID:      make(map[string]struct{}),
		byDedupe:  make(map[string]string),
		capacity:  DefaultCapacity,
		batchSize: DefaultBatchSize,
		limiter:   limiter,
		now:       time.Now,
		log:       discard,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Enqueue admits a into the queue. On failure the returned error is an
// *apperr.Error and Result.Reason carries its code.
func (q *Queue) Enqueue(ctx context.Context, a *engine.Action) (Result, error) {
	if a == nil {
		err := apperr.Validation(apperr.CodeInvalidAction, "action is required")
		return Result{Reason: err.Code}, err
	}

	q.mu.Lock()
	err := q.admissibleLocked(a)
	q.mu.Unlock()
	if err != nil {
		return Result{Reason: err.Code}, err
	}

	// The limiter call is store I/O and runs without the queue lock.
	var decision *ratelimit.Decision
	if a.Type == engine.ActionTilePlacement && q.limiter != nil && a.Tile != nil {
		d, lerr := q.limiter.Enforce(ctx, ratelimit.ChannelTileAction, a.Tile.PlayerID)
		if lerr != nil {
			e := apperr.From(lerr)
			res := Result{Reason: e.Code}
			if e.Kind == apperr.KindRateLimit {
				res.RateLimit = &d
			} else {
				q.log.WithError(lerr).WithField("action_id", a.ID).Error("rate limiter failure")
			}
			return res, e
		}
		decision = &d
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Re-check: another producer may have queued the same id or filled the
	// queue while the limiter ran.
	if err := q.admissibleLocked(a); err != nil {
		return Result{Reason: err.Code, RateLimit: decision}, err
	}
	q.items = append(q.items, queued{action: a, enqueuedAt: q.now().UnixMilli()})
	q.byID[a.ID] = struct{}{}
	if key := a.DedupeKey(); key != "" {
		q.byDedupe[key] = a.ID
	}
	q.notifyLocked()
	return Result{Accepted: true, RateLimit: decision}, nil
}

func (q *Queue) admissibleLocked(a *engine.Action) *apperr.Error {
	if _, dup := q.byID[a.ID]; dup {
		return apperr.Conflict(apperr.CodeDuplicate, "action %s is already queued", a.ID)
	}
	if key := a.DedupeKey(); key != "" {
		if _, dup := q.byDedupe[key]; dup {
			return apperr.Conflict(apperr.CodeDuplicate, "dedupe key %s is already queued", key).
				WithDetail("dedupeKey", key)
		}
	}
	if len(q.items) >= q.capacity {
		return apperr.Capacity(apperr.CodeQueueFull, "queue is full (%d actions)", q.capacity)
	}
	return nil
}

// sortLocked re-sorts the whole queue by the action comparator.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return engine.Compare(q.items[i].action, q.items[j].action) < 0
	})
}

func (q *Queue) limit(n int) int {
	if n <= 0 {
		n = q.batchSize
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	return n
}

func entriesOf(items []queued) []Entry {
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = Entry{Action: it.action, Descriptor: engine.Describe(it.action)}
	}
	return out
}

// Peek returns up to limit actions in priority order without removing them.
func (q *Queue) Peek(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
	return entriesOf(q.items[:q.limit(limit)])
}

// DrainBatch re-sorts the entire queue and removes the first limit actions.
func (q *Queue) DrainBatch(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	q.sortLocked()
	n := q.limit(limit)
	out := entriesOf(q.items[:n])
	rest := make([]queued, len(q.items)-n)
	copy(rest, q.items[n:])
	q.items = rest
	q.rebuildLocked()
	q.notifyLocked()
	return out
}

// RemoveWhere drops every queued action matching pred and returns how many
// were removed.
func (q *Queue) RemoveWhere(pred func(*engine.Action) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if pred(it.action) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = queued{}
	}
	q.items = kept
	if removed > 0 {
		q.rebuildLocked()
		q.notifyLocked()
	}
	return removed
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.rebuildLocked()
	q.notifyLocked()
}

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the pending mirror in arrival order.
func (q *Queue) Pending() []PendingRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() []PendingRecord {
	out := make([]PendingRecord, len(q.items))
	for i, it := range q.items {
		out[i] = PendingRecord{ActionID: it.action.ID, Type: it.action.Type, EnqueuedAt: it.enqueuedAt}
	}
	return out
}

func (q *Queue) rebuildLocked() {
	q.byID = make(map[string]struct{}, len(q.items))
	q.byDedupe = make(map[string]string)
	for _, it := range q.items {
		q.byID[it.action.ID] = struct{}{}
		if key := it.action.DedupeKey(); key != "" {
			q.byDedupe[key] = it.action.ID
		}
	}
}

func (q *Queue) notifyLocked() {
	if q.observer != nil {
		q.observer(q.pendingLocked())
	}
}
