// Package ratelimit implements the sliding-window admission gate.
//
// Each (channel, actor, window) owns a sorted set in a shared Store whose
// scores are event timestamps in milliseconds. Evaluation purges expired
// entries, counts the survivors and, when no window is exhausted, records one
// new entry in every window.
//
// The purge, count and insert steps are separate store calls. Two callers
// racing on the same actor can both pass the count check, so a burst may
// briefly overshoot a limit by the number of concurrent callers.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/sirupsen/logrus"
)

// Store is the shared key/TTL/sorted-set backend.
type Store interface {
	// Cleanup removes entries with score <= cutoff.
	Cleanup(ctx context.Context, key string, cutoff int64) error
	// Count returns the number of entries under key.
	Count(ctx context.Context, key string) (int64, error)
	// Add inserts member with score and refreshes the key TTL.
	Add(ctx context.Context, key string, score int64, member string, ttl time.Duration) error
	// OldestScore returns the lowest score under key.
	OldestScore(ctx context.Context, key string) (int64, bool, error)
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed           bool    `json:"allowed"`
	Channel           Channel `json:"channel"`
	Limit             int     `json:"limit"`
	WindowMs          int64   `json:"windowMs"`
	Count             int     `json:"count"`
	Remaining         int     `json:"remaining"`
	RetryAfterSeconds int     `json:"retryAfterSeconds,omitempty"`
}

// Limiter evaluates channel limits against a Store.
type Limiter struct {
	store  Store
	config Config
	prefix string
	now    func() time.Time
	log    logrus.FieldLogger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithKeyPrefix changes the store key prefix (default "ratelimit").
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New constructs a Limiter. A nil config uses DefaultConfig.
func New(store Store, config Config, opts ...Option) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	l := &Limiter{
		store:  store,
		config: config,
		prefix: "ratelimit",
		now:    time.Now,
		log:    discard,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Windows returns the configured windows for channel.
func (l *Limiter) Windows(channel Channel) (Windows, bool) {
	ws, ok := l.config[channel]
	return ws, ok && len(ws) > 0
}

func (l *Limiter) key(channel Channel, actorID string, w Window) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.prefix, channel, actorID, w.Millis())
}

type windowState struct {
	window Window
	key    string
	count  int
}

// Evaluate checks every window of channel for actorID and, when none is
// exhausted, records the event.
func (l *Limiter) Evaluate(ctx context.Context, channel Channel, actorID string) (Decision, error) {
	windows, ok := l.Windows(channel)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown channel %q", channel)
	}
	now := l.now().UnixMilli()

	states := make([]windowState, len(windows))
	for i, w := range windows {
		key := l.key(channel, actorID, w)
		if err := l.store.Cleanup(ctx, key, now-w.Millis()); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: cleanup %s: %w", key, err)
		}
		n, err := l.store.Count(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: count %s: %w", key, err)
		}
		states[i] = windowState{window: w, key: key, count: int(n)}
	}

	var (
		violator *windowState
		maxWait  int64
	)
	for i := range states {
		st := &states[i]
		if st.count < st.window.Limit {
			continue
		}
		wait := st.window.Millis()
		oldest, found, err := l.store.OldestScore(ctx, st.key)
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: oldest %s: %w", st.key, err)
		}
		if found {
			wait = st.window.Millis() - (now - oldest)
		}
		if wait > maxWait {
			maxWait = wait
		}
		if violator == nil ||
			st.window.Duration > violator.window.Duration ||
			(st.window.Duration == violator.window.Duration && st.count > violator.count) {
			violator = st
		}
	}

	if violator != nil {
		retryAfter := int((maxWait + 999) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:           false,
			Channel:           channel,
			Limit:             violator.window.Limit,
			WindowMs:          violator.window.Millis(),
			Count:             violator.count,
			Remaining:         0,
			RetryAfterSeconds: retryAfter,
		}, nil
	}

	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	for _, st := range states {
		if err := l.store.Add(ctx, st.key, now, member, st.window.Duration); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: add %s: %w", st.key, err)
		}
	}

	limiting := &states[0]
	for i := 1; i < len(states); i++ {
		st := &states[i]
		stLeft := st.window.Limit - st.count
		curLeft := limiting.window.Limit - limiting.count
		if stLeft < curLeft || (stLeft == curLeft && st.window.Duration > limiting.window.Duration) {
			limiting = st
		}
	}
	return Decision{
		Allowed:   true,
		Channel:   channel,
		Limit:     limiting.window.Limit,
		WindowMs:  limiting.window.Millis(),
		Count:     limiting.count + 1,
		Remaining: limiting.window.Limit - (limiting.count + 1),
	}, nil
}

// Enforce evaluates and converts a denial into a retryable rate_limit error.
func (l *Limiter) Enforce(ctx context.Context, channel Channel, actorID string) (Decision, error) {
	d, err := l.Evaluate(ctx, channel, actorID)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		l.log.WithFields(logrus.Fields{
			"channel":     channel,
			"actor_id":    actorID,
			"limit":       d.Limit,
			"window_ms":   d.WindowMs,
			"retry_after": d.RetryAfterSeconds,
		}).Debug("rate limit exceeded")
		return d, apperr.RateLimited(string(channel), d.RetryAfterSeconds, d.Limit, d.WindowMs)
	}
	return d, nil
}
