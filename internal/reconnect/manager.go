package reconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod applies when CreateParams.GracePeriod is zero.
const DefaultGracePeriod = 30 * time.Second

// Manager drives the grace-period state machine on top of a Store.
type Manager struct {
	store       Store
	now         func() time.Time
	log         logrus.FieldLogger
	gracePeriod time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDefaultGracePeriod sets the grace applied when a caller passes none.
func WithDefaultGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gracePeriod = d
		}
	}
}

// NewManager builds a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &Manager{
		store:       store,
		now:         time.Now,
		log:         discard,
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GracePeriod returns the default grace window.
func (m *Manager) GracePeriod() time.Duration { return m.gracePeriod }

func (m *Manager) nowMs() int64 { return m.now().UnixMilli() }

// CreateParams describes a new disconnect.
type CreateParams struct {
	PlayerID    string
	InstanceID  string
	SessionID   string
	GracePeriod time.Duration
	PlayerState PlayerState
	Metadata    map[string]string
}

// CreateSession records an ungraceful disconnect. Grace periods below
// MinGracePeriod are raised to it.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	grace := p.GracePeriod
	if grace == 0 {
		grace = m.gracePeriod
	}
	if grace < MinGracePeriod {
		grace = MinGracePeriod
	}
	s := &Session{
		PlayerID:       p.PlayerID,
		InstanceID:     p.InstanceID,
		SessionID:      p.SessionID,
		DisconnectedAt: m.nowMs(),
		GracePeriodMs:  grace.Milliseconds(),
		PlayerState:    p.PlayerState,
		Metadata:       p.Metadata,
	}
	if err := s.validate(); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidFormat, "reconnect session: %v", err)
	}
	if _, err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"instance_id": s.InstanceID,
		"player_id":   s.PlayerID,
		"grace_ms":    s.GracePeriodMs,
	}).Debug("reconnect session created")
	return s, nil
}

// persist writes the session and its pointer with the remaining grace as
// TTL. When nothing remains both records are deleted and false is returned.
func (m *Manager) persist(ctx context.Context, s *Session) (bool, error) {
	key := SessionKey(s.InstanceID, s.PlayerID)
	ttl := s.Remaining(m.nowMs())
	if ttl <= 0 {
		return false, m.evict(ctx, key, s.PlayerID)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("encode reconnect session: %w", err))
	}
	ptr, err := json.Marshal(playerPointer{InstanceID: s.InstanceID, SessionKey: key})
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("encode reconnect pointer: %w", err))
	}
	if err := m.store.Set(ctx, key, body, ttl); err != nil {
		return false, apperr.Internal(fmt.Errorf("store reconnect session: %w", err))
	}
	if err := m.store.Set(ctx, PlayerKey(s.PlayerID), ptr, ttl); err != nil {
		return false, apperr.Internal(fmt.Errorf("store reconnect pointer: %w", err))
	}
	return true, nil
}

// evict deletes a session record and the player's pointer if it still
// refers to that record.
func (m *Manager) evict(ctx context.Context, key, playerID string) error {
	keys := []string{key}
	if playerID != "" {
		ptr, ok, err := m.loadPointer(ctx, playerID)
		if err != nil {
			return err
		}
		if ok && ptr.SessionKey == key {
			keys = append(keys, PlayerKey(playerID))
		}
	}
	if err := m.store.Delete(ctx, keys...); err != nil {
		return apperr.Internal(fmt.Errorf("delete reconnect session: %w", err))
	}
	return nil
}

func (m *Manager) loadPointer(ctx context.Context, playerID string) (playerPointer, bool, error) {
	raw, ok, err := m.store.Get(ctx, PlayerKey(playerID))
	if err != nil {
		return playerPointer{}, false, apperr.Internal(fmt.Errorf("load reconnect pointer: %w", err))
	}
	if !ok {
		return playerPointer{}, false, nil
	}
	var ptr playerPointer
	if err := json.Unmarshal(raw, &ptr); err != nil || ptr.SessionKey == "" || ptr.InstanceID == "" {
		m.log.WithField("player_id", playerID).Warn("dropping unreadable reconnect pointer")
		if derr := m.store.Delete(ctx, PlayerKey(playerID)); derr != nil {
			return playerPointer{}, false, apperr.Internal(fmt.Errorf("delete reconnect pointer: %w", derr))
		}
		return playerPointer{}, false, nil
	}
	return ptr, true, nil
}

// loadKey reads a session record. Unparseable, invalid and expired records
// are deleted and reported as absent with evicted set.
func (m *Manager) loadKey(ctx context.Context, key string) (s *Session, evicted bool, err error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, false, apperr.Internal(fmt.Errorf("load reconnect session: %w", err))
	}
	if !ok {
		return nil, false, nil
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		m.log.WithField("key", key).WithError(err).Warn("dropping unreadable reconnect session")
		return nil, true, m.evict(ctx, key, "")
	}
	if err := sess.validate(); err != nil {
		m.log.WithField("key", key).WithError(err).Warn("dropping invalid reconnect session")
		return nil, true, m.evict(ctx, key, sess.PlayerID)
	}
	if sess.Expired(m.nowMs()) {
		return nil, true, m.evict(ctx, key, sess.PlayerID)
	}
	return &sess, false, nil
}

// GetSession returns the live session of playerID in instanceID, or nil.
func (m *Manager) GetSession(ctx context.Context, instanceID, playerID string) (*Session, error) {
	s, _, err := m.loadKey(ctx, SessionKey(instanceID, playerID))
	return s, err
}

// GetSessionForPlayer follows the by-player pointer. A dangling pointer is
// removed.
func (m *Manager) GetSessionForPlayer(ctx context.Context, playerID string) (*Session, error) {
	ptr, ok, err := m.loadPointer(ctx, playerID)
	if err != nil || !ok {
		return nil, err
	}
	s, _, err := m.loadKey(ctx, ptr.SessionKey)
	if err != nil {
		return nil, err
	}
	if s == nil {
		if err := m.store.Delete(ctx, PlayerKey(playerID)); err != nil {
			return nil, apperr.Internal(fmt.Errorf("delete reconnect pointer: %w", err))
		}
	}
	return s, nil
}

func expiredError(instanceID, playerID string) *apperr.Error {
	e := apperr.State(apperr.CodeGracePeriodExpired, "grace period expired for player %s in %s", playerID, instanceID)
	e.Err = ErrGracePeriodExpired
	return e
}

// AttemptReconnect hands a live session over to a new transport session.
// The record keeps its original deadline.
func (m *Manager) AttemptReconnect(ctx context.Context, instanceID, playerID, transportSessionID string) (*Session, error) {
	s, err := m.GetSession(ctx, instanceID, playerID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, expiredError(instanceID, playerID)
	}
	if transportSessionID != "" {
		s.SessionID = transportSessionID
	}
	kept, err := m.persist(ctx, s)
	if err != nil {
		return nil, err
	}
	if !kept {
		return nil, expiredError(instanceID, playerID)
	}
	m.log.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"player_id":   playerID,
	}).Debug("reconnect accepted")
	return s, nil
}

func (m *Manager) patch(ctx context.Context, instanceID, playerID string, fn func(*Session)) (*Session, error) {
	s, err := m.GetSession(ctx, instanceID, playerID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		e := apperr.NotFound("no reconnect session for player %s in %s", playerID, instanceID)
		e.Err = ErrSessionNotFound
		return nil, e
	}
	fn(s)
	kept, err := m.persist(ctx, s)
	if err != nil {
		return nil, err
	}
	if !kept {
		return nil, expiredError(instanceID, playerID)
	}
	return s, nil
}

// UpdatePlayerState replaces the cached player state.
func (m *Manager) UpdatePlayerState(ctx context.Context, instanceID, playerID string, state PlayerState) (*Session, error) {
	return m.patch(ctx, instanceID, playerID, func(s *Session) { s.PlayerState = state })
}

// ExtendGracePeriod adds extra to the session's grace window.
func (m *Manager) ExtendGracePeriod(ctx context.Context, instanceID, playerID string, extra time.Duration) (*Session, error) {
	return m.patch(ctx, instanceID, playerID, func(s *Session) { s.GracePeriodMs += extra.Milliseconds() })
}

// RemoveSession deletes the session and its pointer.
func (m *Manager) RemoveSession(ctx context.Context, instanceID, playerID string) error {
	return m.evict(ctx, SessionKey(instanceID, playerID), playerID)
}

func scanPattern(instanceID string) string {
	if instanceID == "" {
		return sessionPrefix + "*"
	}
	return sessionPrefix + instanceID + ":*"
}

// ListActiveSessions returns the live sessions of instanceID, or of every
// instance when instanceID is empty, oldest disconnect first. Expired
// records found on the way are deleted.
func (m *Manager) ListActiveSessions(ctx context.Context, instanceID string) ([]*Session, error) {
	keys, err := m.store.Scan(ctx, scanPattern(instanceID))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("scan reconnect sessions: %w", err))
	}
	var out []*Session
	for _, key := range keys {
		s, _, err := m.loadKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisconnectedAt != out[j].DisconnectedAt {
			return out[i].DisconnectedAt < out[j].DisconnectedAt
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out, nil
}

// CleanupExpiredSessions sweeps every session record and dangling pointer
// and returns how many sessions were evicted.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	keys, err := m.store.Scan(ctx, sessionPrefix+"*")
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("scan reconnect sessions: %w", err))
	}
	evicted := 0
	for _, key := range keys {
		_, gone, err := m.loadKey(ctx, key)
		if err != nil {
			return evicted, err
		}
		if gone {
			evicted++
		}
	}

	ptrKeys, err := m.store.Scan(ctx, playerPrefix+"*")
	if err != nil {
		return evicted, apperr.Internal(fmt.Errorf("scan reconnect pointers: %w", err))
	}
	for _, pk := range ptrKeys {
		playerID := pk[len(playerPrefix):]
		if _, err := m.GetSessionForPlayer(ctx, playerID); err != nil {
			return evicted, err
		}
	}
	if evicted > 0 {
		m.log.WithField("evicted", evicted).Info("expired reconnect sessions removed")
	}
	return evicted, nil
}

// Stats summarizes the live sessions.
type Stats struct {
	Active               int            `json:"active"`
	ByInstance           map[string]int `json:"byInstance"`
	OldestDisconnectedAt int64          `json:"oldestDisconnectedAt,omitempty"`
	Evicted              int            `json:"evicted"`
}

// Stats scans every session, evicting expired ones as it goes.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByInstance: make(map[string]int)}
	keys, err := m.store.Scan(ctx, sessionPrefix+"*")
	if err != nil {
		return st, apperr.Internal(fmt.Errorf("scan reconnect sessions: %w", err))
	}
	for _, key := range keys {
		s, gone, err := m.loadKey(ctx, key)
		if err != nil {
			return st, err
		}
		if gone {
			st.Evicted++
			continue
		}
		if s == nil {
			continue
		}
		st.Active++
		st.ByInstance[s.InstanceID]++
		if st.OldestDisconnectedAt == 0 || s.DisconnectedAt < st.OldestDisconnectedAt {
			st.OldestDisconnectedAt = s.DisconnectedAt
		}
	}
	return st, nil
}
