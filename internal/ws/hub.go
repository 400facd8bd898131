// Package ws is the WebSocket transport: it authenticates connections,
// dispatches inbound messages to instances and delivers instance events.
package ws

import (
	"io"
	"sync"

	"github.com/jason-s-yu/tileclash/internal/game"
	"github.com/sirupsen/logrus"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 64

// client is one registered connection of a player.
type client struct {
	id         string
	instanceID string
	playerID   string
	send       chan game.Event
	closed     bool // guarded by Hub.mu
}

// Hub tracks the live connection of every player and implements
// game.Transport.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[string]*client // instanceID -> playerID -> client
	sendBuffer int
	log        logrus.FieldLogger
}

// NewHub creates an empty hub. sendBuffer <= 0 selects DefaultSendBuffer.
func NewHub(sendBuffer int, log logrus.FieldLogger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Hub{rooms: make(map[string]map[string]*client), sendBuffer: sendBuffer, log: log}
}

// register makes c the player's current connection. A previous connection
// of the same player is closed.
func (h *Hub) register(connID, instanceID, playerID string) *client {
	c := &client{id: connID, instanceID: instanceID, playerID: playerID, send: make(chan game.Event, h.sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[instanceID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[instanceID] = room
	}
	if old, ok := room[playerID]; ok {
		h.closeLocked(old)
		h.log.WithFields(logrus.Fields{"instance_id": instanceID, "player_id": playerID, "conn_id": old.id}).
			Info("connection replaced")
	}
	room[playerID] = c
	return c
}

// unregister removes c and reports whether it was still the player's current
// connection.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.instanceID]
	current := room != nil && room[c.playerID] == c
	if current {
		delete(room, c.playerID)
		if len(room) == 0 {
			delete(h.rooms, c.instanceID)
		}
	}
	h.closeLocked(c)
	return current
}

// closeLocked closes c's send channel once. Assumes h.mu is held for writing.
func (h *Hub) closeLocked(c *client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// deliverLocked queues ev without blocking. Assumes h.mu is held.
func (h *Hub) deliverLocked(c *client, ev game.Event) {
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		h.log.WithFields(logrus.Fields{
			"instance_id": c.instanceID,
			"player_id":   c.playerID,
			"event":       ev.Type,
		}).Warn("send buffer full, dropping event")
	}
}

// Broadcast implements game.Transport.
func (h *Hub) Broadcast(instanceID string, ev game.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[instanceID] {
		h.deliverLocked(c, ev)
	}
}

// SendTo implements game.Transport.
func (h *Hub) SendTo(instanceID, playerID string, ev game.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.rooms[instanceID][playerID]; ok {
		h.deliverLocked(c, ev)
	}
}

// sendDirect queues ev on one specific connection.
func (h *Hub) sendDirect(c *client, ev game.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(c, ev)
}

// Connected reports whether playerID has a live connection to instanceID.
func (h *Hub) Connected(instanceID, playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[instanceID][playerID]
	return ok
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}
