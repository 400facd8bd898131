package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	return NewManager(store, WithClock(clock.Now), WithDefaultGracePeriod(10*time.Second)), store, clock
}

func create(t *testing.T, m *Manager, instanceID, playerID string, grace time.Duration) *Session {
	t.Helper()
	s, err := m.CreateSession(context.Background(), CreateParams{
		PlayerID:    playerID,
		InstanceID:  instanceID,
		SessionID:   "conn-" + playerID,
		GracePeriod: grace,
		PlayerState: PlayerState{DisplayName: "name-" + playerID, Initiative: 3, LastActionTick: 4},
	})
	require.NoError(t, err)
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	created := create(t, m, "inst-1", "p1", 0)
	assert.Equal(t, int64(10_000), created.GracePeriodMs)
	assert.Equal(t, clock.Now().UnixMilli(), created.DisconnectedAt)

	got, err := m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conn-p1", got.SessionID)
	assert.Equal(t, 3, got.PlayerState.Initiative)

	byPlayer, err := m.GetSessionForPlayer(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, byPlayer)
	assert.Equal(t, "inst-1", byPlayer.InstanceID)

	missing, err := m.GetSession(ctx, "inst-1", "p2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSessionEnforcesMinimumGrace(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := create(t, m, "inst-1", "p1", 10*time.Millisecond)
	assert.Equal(t, MinGracePeriod.Milliseconds(), s.GracePeriodMs)
}

func TestCreateSessionRejectsMissingIDs(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateSession(context.Background(), CreateParams{InstanceID: "inst-1", SessionID: "c"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSessionExpires(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	create(t, m, "inst-1", "p1", 2*time.Second)

	clock.Advance(1999 * time.Millisecond)
	s, err := m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	assert.NotNil(t, s)

	clock.Advance(2 * time.Millisecond)
	s, err = m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, ok, _ := store.Get(ctx, PlayerKey("p1"))
	assert.False(t, ok)
}

func TestCorruptSessionIsTreatedAsAbsent(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, SessionKey("inst-1", "p1"), []byte("{not json"), time.Minute))
	s, err := m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, s)
	_, ok, _ := store.Get(ctx, SessionKey("inst-1", "p1"))
	assert.False(t, ok, "unreadable record must be deleted")

	require.NoError(t, store.Set(ctx, SessionKey("inst-1", "p2"), []byte(`{"playerId":"p2"}`), time.Minute))
	s, err = m.GetSession(ctx, "inst-1", "p2")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestAttemptReconnect(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	create(t, m, "inst-1", "p1", 5*time.Second)

	clock.Advance(2 * time.Second)
	s, err := m.AttemptReconnect(ctx, "inst-1", "p1", "conn-new")
	require.NoError(t, err)
	assert.Equal(t, "conn-new", s.SessionID)
	assert.Equal(t, 3*time.Second, s.Remaining(clock.Now().UnixMilli()))

	stored, err := m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "conn-new", stored.SessionID)

	clock.Advance(4 * time.Second)
	_, err = m.AttemptReconnect(ctx, "inst-1", "p1", "conn-late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGracePeriodExpired))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeGracePeriodExpired, e.Code)
}

func TestAttemptReconnectWithoutSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.AttemptReconnect(context.Background(), "inst-1", "ghost", "c")
	assert.ErrorIs(t, err, ErrGracePeriodExpired)
}

func TestUpdatePlayerStateAndExtend(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	create(t, m, "inst-1", "p1", 2*time.Second)

	s, err := m.UpdatePlayerState(ctx, "inst-1", "p1", PlayerState{DisplayName: "renamed", Initiative: 9, LastActionTick: 12})
	require.NoError(t, err)
	assert.Equal(t, "renamed", s.PlayerState.DisplayName)

	s, err = m.ExtendGracePeriod(ctx, "inst-1", "p1", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), s.GracePeriodMs)

	clock.Advance(4 * time.Second)
	s, err = m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	require.NotNil(t, s, "extended session must outlive the original deadline")
	assert.Equal(t, 12, int(s.PlayerState.LastActionTick))

	_, err = m.UpdatePlayerState(ctx, "inst-1", "nobody", PlayerState{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRemoveSession(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	create(t, m, "inst-1", "p1", 0)

	require.NoError(t, m.RemoveSession(ctx, "inst-1", "p1"))
	s, err := m.GetSession(ctx, "inst-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, s)
	_, ok, _ := store.Get(ctx, PlayerKey("p1"))
	assert.False(t, ok)
}

func TestRemoveSessionKeepsNewerPointer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	create(t, m, "inst-1", "p1", 0)
	create(t, m, "inst-2", "p1", 0)

	require.NoError(t, m.RemoveSession(ctx, "inst-1", "p1"))
	s, err := m.GetSessionForPlayer(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "inst-2", s.InstanceID)
}

func TestListCleanupAndStats(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	create(t, m, "inst-1", "p1", 2*time.Second)
	clock.Advance(10 * time.Millisecond)
	create(t, m, "inst-1", "p2", 20*time.Second)
	create(t, m, "inst-2", "p3", 20*time.Second)

	list, err := m.ListActiveSessions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].PlayerID)

	all, err := m.ListActiveSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Active)
	assert.Equal(t, 2, st.ByInstance["inst-1"])

	clock.Advance(3 * time.Second)
	n, err := m.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	// The memory store TTL already dropped p1, so nothing is left to evict.
	assert.Equal(t, 0, n)

	list, err = m.ListActiveSessions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p2", list[0].PlayerID)
}

func TestCleanupEvictsRecordsPastDeadline(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	// Store TTL outlives the grace window.
	stale := []byte(`{"playerId":"p1","instanceId":"inst-1","sessionId":"c","disconnectedAt":1700000000000,"gracePeriodMs":1000}`)
	require.NoError(t, store.Set(ctx, SessionKey("inst-1", "p1"), stale, time.Hour))
	require.NoError(t, store.Set(ctx, PlayerKey("p1"), []byte(`{"instanceId":"inst-1","sessionKey":"reconnect:session:inst-1:p1"}`), time.Hour))

	clock.Advance(5 * time.Second)
	n, err := m.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := store.Get(ctx, PlayerKey("p1"))
	assert.False(t, ok)
}

func TestManagerOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	m := NewManager(NewRedisStore(client), WithClock(clock.Now))
	ctx := context.Background()

	create(t, m, "inst-1", "p1", 5*time.Second)
	create(t, m, "inst-1", "p2", 5*time.Second)

	ttl := mr.TTL(SessionKey("inst-1", "p1"))
	assert.Equal(t, 5*time.Second, ttl)
	assert.Equal(t, 5*time.Second, mr.TTL(PlayerKey("p1")))

	list, err := m.ListActiveSessions(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	s, err := m.AttemptReconnect(ctx, "inst-1", "p1", "conn-2")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", s.SessionID)
	require.NoError(t, m.RemoveSession(ctx, "inst-1", "p1"))
	assert.False(t, mr.Exists(SessionKey("inst-1", "p1")))
	assert.False(t, mr.Exists(PlayerKey("p1")))

	mr.FastForward(6 * time.Second)
	s, err = m.GetSession(ctx, "inst-1", "p2")
	require.NoError(t, err)
	assert.Nil(t, s)
}
