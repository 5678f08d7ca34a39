// Package realtime tracks live client connections, the users behind them,
// and the thread rooms they are subscribed to.
package realtime

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/pkg/metrics"
)

// ErrNotRegistered is returned when a connection that never authenticated
// tries to join a room.
var ErrNotRegistered = errors.New("realtime: connection not registered")

// Hub is the in-process connection registry and room multiplexer.
// A user may hold several connections; the user is online while at least
// one is registered.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connID -> connection
	users     map[string]map[string]*Connection // userID -> connID -> connection
	rooms     map[string]map[string]*Connection // threadID -> connID -> connection
	connRooms map[string]map[string]struct{}    // connID -> set of threadIDs
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Connection),
		users:     make(map[string]map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Register binds id to conn and subscribes it to the user's channel.
// first reports whether the user just went from offline to online.
// Registering an already registered connection rebinds it.
func (h *Hub) Register(conn *Connection, id model.Identity) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; ok {
		h.detachLocked(conn)
	}

	conn.bind(id)
	h.conns[conn.ID] = conn

	sessions := h.users[id.UserID]
	if sessions == nil {
		sessions = make(map[string]*Connection)
		h.users[id.UserID] = sessions
		first = true
	}
	sessions[conn.ID] = conn

	h.updateGaugesLocked()
	return first
}

// Unregister removes conn from every room and its user channel.
// last reports whether the user just went offline.
func (h *Hub) Unregister(conn *Connection) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	last = h.detachLocked(conn)
	h.updateGaugesLocked()
	return last
}

// IsOnline reports whether the user has at least one registered connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Join subscribes conn to the thread room. Joining twice is a no-op.
func (h *Hub) Join(threadID string, conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return ErrNotRegistered
	}

	room := h.rooms[threadID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[threadID] = room
	}
	room[conn.ID] = conn

	memberships := h.connRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.connRooms[conn.ID] = memberships
	}
	memberships[threadID] = struct{}{}
	return nil
}

// Leave unsubscribes conn from the thread room.
func (h *Hub) Leave(threadID string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(threadID, conn.ID)
	h.mu.Unlock()
}

// Members returns the number of connections subscribed to the room.
func (h *Hub) Members(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[threadID])
}

// Broadcast delivers payload to every connection in the room except those
// owned by excludeUserID. It returns the number of connections reached.
func (h *Hub) Broadcast(threadID string, payload []byte, excludeUserID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, conn := range h.rooms[threadID] {
		if excludeUserID != "" && conn.UserID() == excludeUserID {
			continue
		}
		if conn.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// NotifyUser delivers payload to every connection of the user.
func (h *Hub) NotifyUser(userID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, conn := range h.users[userID] {
		if conn.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll delivers payload to every registered connection.
func (h *Hub) BroadcastAll(payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, conn := range h.conns {
		if conn.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// Close terminates all tracked connections and clears state.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
		conn.unbind()
	}
	h.conns = make(map[string]*Connection)
	h.users = make(map[string]map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.updateGaugesLocked()
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) detachLocked(conn *Connection) (last bool) {
	userID := conn.UserID()
	delete(h.conns, conn.ID)
	conn.unbind()

	if sessions, ok := h.users[userID]; ok {
		delete(sessions, conn.ID)
		if len(sessions) == 0 {
			delete(h.users, userID)
			last = true
		}
	}

	for threadID := range h.connRooms[conn.ID] {
		h.leaveLocked(threadID, conn.ID)
	}
	delete(h.connRooms, conn.ID)
	return last
}

func (h *Hub) leaveLocked(threadID, connID string) {
	room := h.rooms[threadID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, threadID)
	}
	if memberships, ok := h.connRooms[connID]; ok {
		delete(memberships, threadID)
		if len(memberships) == 0 {
			delete(h.connRooms, connID)
		}
	}
}

func (h *Hub) updateGaugesLocked() {
	metrics.SetConnections(len(h.conns), len(h.users))
}
