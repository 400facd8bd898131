package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/tileclash/internal/auth"
	"github.com/jason-s-yu/tileclash/internal/game"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
	"github.com/jason-s-yu/tileclash/internal/reconnect"
	"github.com/jason-s-yu/tileclash/internal/ruleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireEvent struct {
	Type       game.EventType  `json:"type"`
	InstanceID string          `json:"instanceId"`
	Tick       int64           `json:"tick"`
	Payload    json.RawMessage `json:"payload"`
}

type wsEnv struct {
	srv      *httptest.Server
	in       *game.Instance
	sessions *reconnect.Manager
	verifier *auth.Verifier
}

func setupWS(t *testing.T, limiter queue.Limiter) *wsEnv {
	t.Helper()
	hub := NewHub(0, nil)
	rulesets, err := ruleset.NewStatic()
	require.NoError(t, err)
	sessions := reconnect.NewManager(reconnect.NewMemoryStore(time.Now))
	reg := game.NewRegistry(game.RegistryConfig{
		Rulesets:     rulesets,
		Limiter:      limiter,
		Sessions:     sessions,
		Transport:    hub,
		TickInterval: time.Hour,
		GracePeriod:  30 * time.Second,
	})
	in, err := reg.Create("lobby-1", "")
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("secret")
	require.NoError(t, err)

	h := NewHandler(HandlerConfig{Hub: hub, Instances: reg, Verifier: verifier, Limiter: limiter})
	srv := httptest.NewServer(NewMux(h))
	t.Cleanup(srv.Close)
	return &wsEnv{srv: srv, in: in, sessions: sessions, verifier: verifier}
}

func (e *wsEnv) ticket(t *testing.T, playerID, instance string) string {
	t.Helper()
	tk, err := e.verifier.Sign(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name:       "name-" + playerID,
		Instance:   instance,
		Initiative: 3,
	})
	require.NoError(t, err)
	return tk
}

func (e *wsEnv) dial(t *testing.T, playerID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?ticket=" + e.ticket(t, playerID, "lobby-1")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := map[string]any{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

// readUntil reads events until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ game.EventType) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var ev wireEvent
		err := wsjson.Read(ctx, conn, &ev)
		require.NoError(t, err, "waiting for %s", typ)
		if ev.Type == typ {
			return ev
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func tilePayload(x, y int) map[string]any {
	return map[string]any{
		"type":             "tile_placement",
		"playerInitiative": 99,
		"payload": map[string]any{
			"position":        map[string]int{"x": x, "y": y},
			"tileType":        1,
			"clientRequestId": "req-1",
		},
	}
}

func TestRejectsBadTicketAndUnknownInstance(t *testing.T) {
	env := setupWS(t, nil)

	resp, err := http.Get(env.srv.URL + "/ws?ticket=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/ws?ticket=" + env.ticket(t, "p1", "nowhere"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := setupWS(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestConnectJoinsAndSendsView(t *testing.T) {
	env := setupWS(t, nil)
	conn := env.dial(t, "p1")

	ev := readUntil(t, conn, game.EventSnapshotUpdate)
	snap := decode[game.Snapshot](t, ev.Payload)
	assert.Equal(t, "lobby-1", snap.InstanceID)
	require.Contains(t, snap.Players, "p1")
	assert.Equal(t, "name-p1", snap.Players["p1"].DisplayName)

	p, ok := env.in.Player("p1")
	require.True(t, ok)
	assert.Equal(t, 3, p.Initiative)

	send(t, conn, MsgSnapshotRequest, nil)
	readUntil(t, conn, game.EventSnapshotUpdate)
}

func TestSubmitPlacement(t *testing.T) {
	env := setupWS(t, nil)
	conn := env.dial(t, "p1")
	readUntil(t, conn, game.EventSnapshotUpdate)

	send(t, conn, MsgActionSubmit, tilePayload(9, 8))
	queued := decode[game.QueuedPayload](t, readUntil(t, conn, game.EventActionQueued).Payload)
	assert.NotEmpty(t, queued.ActionID, "a missing id is assigned by the server")

	env.in.Drain(context.Background())
	applied := decode[game.AppliedPayload](t, readUntil(t, conn, game.EventActionApplied).Payload)
	assert.Equal(t, queued.ActionID, applied.ActionID)
	require.NotNil(t, applied.RequestID)
	assert.Equal(t, "req-1", *applied.RequestID)

	delta := decode[game.BoardDeltaPayload](t, readUntil(t, conn, game.EventBoardDelta).Payload)
	require.Len(t, delta.Cells, 1)
	assert.Equal(t, "p1", delta.Cells[0].Cell.LastUpdatedBy)
}

func TestSubmitRejections(t *testing.T) {
	env := setupWS(t, nil)
	conn := env.dial(t, "p1")
	readUntil(t, conn, game.EventSnapshotUpdate)

	send(t, conn, MsgActionSubmit, map[string]any{
		"type":         "npc_event",
		"npcId":        "warden",
		"priorityTier": 0,
		"payload":      map[string]any{"eventType": "despawn"},
	})
	rej := decode[game.RejectedPayload](t, readUntil(t, conn, game.EventActionRejected).Payload)
	assert.Equal(t, "unauthorized", rej.Reason)

	send(t, conn, MsgActionSubmit, map[string]any{"type": "teleport", "payload": map[string]any{}})
	rej = decode[game.RejectedPayload](t, readUntil(t, conn, game.EventActionRejected).Payload)
	assert.Equal(t, "invalid_action", rej.Reason)
	assert.Equal(t, "type", rej.Error["field"])

	send(t, conn, "dance", nil)
	perr := decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "invalid_format", perr.Reason)

	assert.Equal(t, 0, env.in.QueueLen())
}

func TestSubmitAsAnotherPlayerIsRefused(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(time.Now), ratelimit.Config{
		ratelimit.ChannelTileAction: {{Duration: time.Minute, Limit: 1}},
	})
	env := setupWS(t, limiter)
	alice := env.dial(t, "alice")
	readUntil(t, alice, game.EventSnapshotUpdate)
	mallory := env.dial(t, "mallory")
	readUntil(t, mallory, game.EventSnapshotUpdate)

	spoofed := tilePayload(9, 8)
	spoofed["playerId"] = "alice"
	send(t, mallory, MsgActionSubmit, spoofed)
	rej := decode[game.RejectedPayload](t, readUntil(t, mallory, game.EventActionRejected).Payload)
	assert.Equal(t, "unauthorized", rej.Reason)
	assert.Equal(t, 0, env.in.QueueLen())

	// Alice's own budget is untouched.
	send(t, alice, MsgActionSubmit, tilePayload(9, 8))
	queued := decode[game.QueuedPayload](t, readUntil(t, alice, game.EventActionQueued).Payload)
	assert.NotEmpty(t, queued.ActionID)
	assert.Equal(t, 1, env.in.QueueLen())
}

func TestPrivateMessages(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(time.Now), ratelimit.Config{
		ratelimit.ChannelPrivateMessage: {{Duration: time.Minute, Limit: 1}},
	})
	env := setupWS(t, limiter)
	c1 := env.dial(t, "p1")
	readUntil(t, c1, game.EventSnapshotUpdate)
	c2 := env.dial(t, "p2")
	readUntil(t, c2, game.EventSnapshotUpdate)

	send(t, c1, MsgPrivateMessage, PrivateMessage{To: "p2"})
	perr := decode[ErrorPayload](t, readUntil(t, c1, EventError).Payload)
	assert.Equal(t, "invalid_format", perr.Reason)

	send(t, c1, MsgPrivateMessage, PrivateMessage{To: "p2", Body: "hi"})
	got := decode[PrivateDelivery](t, readUntil(t, c2, EventPrivateMessage).Payload)
	assert.Equal(t, PrivateDelivery{From: "p1", Body: "hi"}, got)

	send(t, c1, MsgPrivateMessage, PrivateMessage{To: "p2", Body: "again"})
	perr = decode[ErrorPayload](t, readUntil(t, c1, EventError).Payload)
	assert.Equal(t, "rate_limited", perr.Reason)
	assert.Equal(t, true, perr.Error["retryable"])
}

func TestSessionLeaveRemovesPlayer(t *testing.T) {
	env := setupWS(t, nil)
	conn := env.dial(t, "p1")
	readUntil(t, conn, game.EventSnapshotUpdate)

	send(t, conn, MsgSessionLeave, nil)
	assert.Eventually(t, func() bool {
		_, ok := env.in.Player("p1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := env.sessions.GetSession(context.Background(), "lobby-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestDropStartsGraceAndReconnectResumes(t *testing.T) {
	env := setupWS(t, nil)
	conn := env.dial(t, "p1")
	readUntil(t, conn, game.EventSnapshotUpdate)
	conn.CloseNow()

	assert.Eventually(t, func() bool {
		p, ok := env.in.Player("p1")
		return ok && p.Status == game.PlayerDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return env.in.HasGraceSession(context.Background(), "p1")
	}, 2*time.Second, 10*time.Millisecond)

	again := env.dial(t, "p1")
	readUntil(t, again, game.EventPlayerReconnected)
	readUntil(t, again, game.EventSnapshotUpdate)

	p, ok := env.in.Player("p1")
	require.True(t, ok)
	assert.Equal(t, game.PlayerActive, p.Status)
	assert.False(t, env.in.HasGraceSession(context.Background(), "p1"))
}

func TestNewConnectionReplacesOld(t *testing.T) {
	env := setupWS(t, nil)
	first := env.dial(t, "p1")
	readUntil(t, first, game.EventSnapshotUpdate)
	second := env.dial(t, "p1")
	readUntil(t, second, game.EventSnapshotUpdate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var ev wireEvent
		if err := wsjson.Read(ctx, first, &ev); err != nil {
			break
		}
	}
	assert.Never(t, func() bool {
		p, ok := env.in.Player("p1")
		return !ok || p.Status != game.PlayerActive
	}, 100*time.Millisecond, 10*time.Millisecond)
}
