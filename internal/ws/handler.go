package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/tileclash/engine"
	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/auth"
	"github.com/jason-s-yu/tileclash/internal/game"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
	"github.com/jason-s-yu/tileclash/internal/reconnect"
	"github.com/sirupsen/logrus"
)

// Inbound message types.
const (
	MsgActionSubmit    = "action.submit"
	MsgSnapshotRequest = "snapshot.request"
	MsgSessionLeave    = "session.leave"
	MsgPrivateMessage  = "message.private"
)

// Transport-level events that do not originate in an instance.
const (
	EventError          game.EventType = "error"
	EventPrivateMessage game.EventType = "message.private"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	MaxMessageBytes     = 16 << 10
	MaxPrivateBody      = 500
)

// Inbound is a client message.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PrivateMessage is the payload of message.private from a client.
type PrivateMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// PrivateDelivery is what the recipient of a private message receives.
type PrivateDelivery struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Reason string         `json:"reason"`
	Error  map[string]any `json:"error"`
}

// Instances looks up live instances; *game.Registry satisfies it.
type Instances interface {
	Get(id string) (*game.Instance, error)
}

// TicketVerifier checks connection tickets; *auth.Verifier satisfies it.
type TicketVerifier interface {
	Verify(ticket string) (*auth.Claims, error)
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Hub          *Hub
	Instances    Instances
	Verifier     TicketVerifier
	Limiter      queue.Limiter // private_message channel; nil disables the limit
	WriteTimeout time.Duration
	Accept       *websocket.AcceptOptions
	Clock        func() time.Time
	Logger       logrus.FieldLogger
}

// Handler serves GET /ws?ticket=<jwt>.
type Handler struct {
	cfg HandlerConfig
	log logrus.FieldLogger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(0, log)
	}
	return &Handler{cfg: cfg, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.cfg.Verifier.Verify(r.URL.Query().Get("ticket"))
	if err != nil {
		h.log.WithError(err).Debug("ticket rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	in, err := h.cfg.Instances.Get(claims.Instance)
	if err != nil {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, h.cfg.Accept)
	if err != nil {
		h.log.WithError(err).Warn("websocket accept failed")
		return
	}
	conn.SetReadLimit(MaxMessageBytes)

	connID := uuid.NewString()
	s := &session{
		h:        h,
		conn:     conn,
		in:       in,
		claims:   claims,
		playerID: claims.PlayerID(),
		c:        h.cfg.Hub.register(connID, in.ID, claims.PlayerID()),
		log: h.log.WithFields(logrus.Fields{
			"instance_id": in.ID,
			"player_id":   claims.PlayerID(),
			"conn_id":     connID,
		}),
	}
	ctx := game.WithTransportSession(r.Context(), connID)
	go s.writeLoop(context.WithoutCancel(ctx))

	if err := s.admit(ctx); err != nil {
		e := apperr.From(err)
		s.log.WithError(err).Info("connection refused by instance")
		h.cfg.Hub.unregister(s.c)
		conn.Close(websocket.StatusPolicyViolation, string(e.Code))
		return
	}
	s.log.Info("connection established")
	s.readLoop(ctx)
}

// session is one accepted connection.
type session struct {
	h        *Handler
	conn     *websocket.Conn
	c        *client
	in       *game.Instance
	claims   *auth.Claims
	playerID string
	log      logrus.FieldLogger
}

// admit seats the player, resuming a grace session when one is live, and
// sends the initial view.
func (s *session) admit(ctx context.Context) error {
	if s.in.HasGraceSession(ctx, s.playerID) {
		_, err := s.in.Reconnect(ctx, s.playerID, s.c.id)
		if err == nil {
			return s.in.SendSnapshot(s.playerID)
		}
		if !errors.Is(err, reconnect.ErrGracePeriodExpired) {
			return err
		}
	}
	_, err := s.in.Join(ctx, game.JoinRequest{
		PlayerID:    s.playerID,
		DisplayName: s.claims.Name,
		Initiative:  s.claims.Initiative,
	})
	if err != nil {
		return err
	}
	return s.in.SendSnapshot(s.playerID)
}

// writeLoop drains the hub queue onto the socket and closes the socket once
// the hub drops the connection.
func (s *session) writeLoop(ctx context.Context) {
	for ev := range s.c.send {
		wctx, cancel := context.WithTimeout(ctx, s.h.cfg.WriteTimeout)
		err := wsjson.Write(wctx, s.conn, ev)
		cancel()
		if err != nil {
			s.log.WithError(err).Debug("write failed")
			s.conn.CloseNow()
			return
		}
	}
	s.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop dispatches client messages until the socket fails or the player
// leaves. A failure without session.leave starts the grace period.
func (s *session) readLoop(ctx context.Context) {
	for {
		var msg Inbound
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			s.log.WithError(err).WithField("close_status", status).Debug("read loop ended")
			break
		}
		if left := s.dispatch(ctx, msg); left {
			return
		}
	}

	if !s.h.cfg.Hub.unregister(s.c) {
		// Replaced by a newer connection of the same player.
		return
	}
	if err := s.in.Leave(context.WithoutCancel(ctx), s.playerID, false); err != nil {
		s.log.WithError(err).Debug("disconnect after read failure")
	}
}

// dispatch handles one message and reports whether the session ended.
func (s *session) dispatch(ctx context.Context, msg Inbound) bool {
	switch msg.Type {
	case MsgActionSubmit:
		s.submit(ctx, msg.Payload)
	case MsgSnapshotRequest:
		if err := s.in.SendSnapshot(s.playerID); err != nil {
			s.sendError(err)
		}
	case MsgSessionLeave:
		if err := s.in.Leave(context.WithoutCancel(ctx), s.playerID, true); err != nil {
			s.log.WithError(err).Debug("leave failed")
		}
		s.h.cfg.Hub.unregister(s.c)
		s.log.Info("player left")
		return true
	case MsgPrivateMessage:
		s.privateMessage(ctx, msg.Payload)
	default:
		s.sendError(apperr.Validation(apperr.CodeInvalidFormat, "unknown message type %q", msg.Type).
			WithDetail("field", "type"))
	}
	return false
}

// submit decodes an action and hands it to the instance, which answers with
// action.queued or action.rejected. Players may only place tiles.
func (s *session) submit(ctx context.Context, payload json.RawMessage) {
	var a engine.Action
	if err := json.Unmarshal(payload, &a); err != nil {
		e := apperr.Validation(apperr.CodeInvalidAction, "%v", err)
		var fe *engine.FieldError
		if errors.As(err, &fe) {
			e.WithDetail("field", fe.Field)
		}
		s.rejectAction(&a, e)
		return
	}
	if a.Type != engine.ActionTilePlacement {
		s.rejectAction(&a, apperr.Unauthorized("players may only submit %s actions", engine.ActionTilePlacement))
		return
	}
	// The limiter charges the tile's player, so a seat may only act as itself.
	if a.Tile.PlayerID != "" && a.Tile.PlayerID != s.playerID {
		s.rejectAction(&a, apperr.Unauthorized("player %s may not act as %s", s.playerID, a.Tile.PlayerID))
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.InstanceID == "" {
		a.InstanceID = s.in.ID
	}
	if a.Timestamp == 0 {
		a.Timestamp = s.h.cfg.Clock().UnixMilli()
	}
	a.Tile.PlayerID = s.playerID
	// Initiative comes from the ticket, not from the client.
	a.Tile.PlayerInitiative = s.claims.Initiative
	a.SubmittedBy = s.playerID

	if _, err := s.in.Submit(ctx, &a); err != nil {
		s.log.WithError(err).WithField("action_id", a.ID).Debug("submission refused")
	}
}

func (s *session) rejectAction(a *engine.Action, e *apperr.Error) {
	var actionID *string
	if a.ID != "" {
		id := a.ID
		actionID = &id
	}
	s.h.cfg.Hub.sendDirect(s.c, game.Event{
		Type:       game.EventActionRejected,
		InstanceID: s.in.ID,
		Tick:       s.in.Tick(),
		Payload:    game.RejectedPayload{ActionID: actionID, Reason: string(e.Code), Error: e.Public()},
	})
}

// privateMessage relays a rate-limited message to another connected player.
func (s *session) privateMessage(ctx context.Context, payload json.RawMessage) {
	var pm PrivateMessage
	if err := json.Unmarshal(payload, &pm); err != nil {
		s.sendError(apperr.Validation(apperr.CodeInvalidFormat, "malformed private message: %v", err))
		return
	}
	switch {
	case pm.To == "":
		s.sendError(apperr.Validation(apperr.CodeInvalidFormat, "recipient is required").WithDetail("field", "to"))
		return
	case pm.Body == "" || len(pm.Body) > MaxPrivateBody:
		s.sendError(apperr.Validation(apperr.CodeInvalidFormat, "body must be 1-%d bytes", MaxPrivateBody).WithDetail("field", "body"))
		return
	}
	if s.h.cfg.Limiter != nil {
		if _, err := s.h.cfg.Limiter.Enforce(ctx, ratelimit.ChannelPrivateMessage, s.playerID); err != nil {
			s.sendError(err)
			return
		}
	}
	if !s.h.cfg.Hub.Connected(s.in.ID, pm.To) {
		s.sendError(apperr.NotFound("player %s is not connected", pm.To))
		return
	}
	s.h.cfg.Hub.SendTo(s.in.ID, pm.To, game.Event{
		Type:       EventPrivateMessage,
		InstanceID: s.in.ID,
		Tick:       s.in.Tick(),
		Payload:    PrivateDelivery{From: s.playerID, Body: pm.Body},
	})
}

func (s *session) sendError(err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindInternal {
		s.log.WithError(err).Error("request failed")
	}
	s.h.cfg.Hub.sendDirect(s.c, game.Event{
		Type:       EventError,
		InstanceID: s.in.ID,
		Tick:       s.in.Tick(),
		Payload:    ErrorPayload{Reason: string(e.Code), Error: e.Public()},
	})
}

// NewMux routes /ws to h and serves /healthz.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": h.cfg.Hub.ConnectionCount(),
		})
	})
	return mux
}
