// Package reconnect tracks the grace period during which a player who
// dropped without leaving may come back to the same instance.
//
// A player moves none -> disconnected (grace) -> active (reconnected) or
// removed (expired). Sessions live in a Store with a TTL equal to the
// remaining grace so that an abandoned record disappears on its own even if
// no sweep runs.
package reconnect

import (
	"errors"
	"fmt"
	"time"
)

const (
	sessionPrefix = "reconnect:session:"
	playerPrefix  = "reconnect:player:"

	// MinGracePeriod is the shortest grace window a session can be created with.
	MinGracePeriod = time.Second
)

var (
	// ErrGracePeriodExpired is wrapped by errors returned when a player tries
	// to resume a session that is gone or past its deadline.
	ErrGracePeriodExpired = errors.New("grace period expired")
	// ErrSessionNotFound is wrapped when a patch targets a missing session.
	ErrSessionNotFound = errors.New("reconnect session not found")
)

// PlayerState is the slice of a player's instance state cached with the
// session so it can be restored on reconnect.
type PlayerState struct {
	DisplayName    string `json:"displayName"`
	Initiative     int    `json:"initiative"`
	LastActionTick int64  `json:"lastActionTick"`
}

// Session is the persisted record of one disconnected player.
type Session struct {
	PlayerID       string            `json:"playerId"`
	InstanceID     string            `json:"instanceId"`
	SessionID      string            `json:"sessionId"`
	DisconnectedAt int64             `json:"disconnectedAt"` // unix ms
	GracePeriodMs  int64             `json:"gracePeriodMs"`
	PlayerState    PlayerState       `json:"playerState"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Deadline is the unix ms instant after which the session is expired.
func (s *Session) Deadline() int64 { return s.DisconnectedAt + s.GracePeriodMs }

// Remaining returns the grace left at nowMs, never negative.
func (s *Session) Remaining(nowMs int64) time.Duration {
	left := s.Deadline() - nowMs
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Millisecond
}

// Expired reports whether nowMs is past the deadline.
func (s *Session) Expired(nowMs int64) bool { return nowMs > s.Deadline() }

func (s *Session) validate() error {
	switch {
	case s.PlayerID == "":
		return fmt.Errorf("missing playerId")
	case s.InstanceID == "":
		return fmt.Errorf("missing instanceId")
	case s.SessionID == "":
		return fmt.Errorf("missing sessionId")
	case s.DisconnectedAt <= 0:
		return fmt.Errorf("invalid disconnectedAt %d", s.DisconnectedAt)
	case s.GracePeriodMs <= 0:
		return fmt.Errorf("invalid gracePeriodMs %d", s.GracePeriodMs)
	}
	return nil
}

// playerPointer is the secondary by-player record.
type playerPointer struct {
	InstanceID string `json:"instanceId"`
	SessionKey string `json:"sessionKey"`
}

// SessionKey is the store key of the (instance, player) session record.
func SessionKey(instanceID, playerID string) string {
	return sessionPrefix + instanceID + ":" + playerID
}

// PlayerKey is the store key of a player's pointer record.
func PlayerKey(playerID string) string {
	return playerPrefix + playerID
}
