package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-matching/internal/models"
)

// ErrNoSession means the guardian has no live WebSocket connection.
var ErrNoSession = errors.New("dispatch: no websocket session")

// WSSession is one connected guardian. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(view *models.GuardianView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(view)
}

// WSRegistry holds guardian sessions keyed by guardian id. A guardian
// reconnecting replaces the old session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(guardianID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[guardianID]; ok {
		old.conn.Close()
	}
	r.sessions[guardianID] = &WSSession{conn: conn}
}

// Remove drops the session only if conn is still the registered one, so
// a reconnect is not torn down by the old connection's reader exiting.
func (r *WSRegistry) Remove(guardianID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guardianID]; ok && s.conn == conn {
		delete(r.sessions, guardianID)
	}
}

// Notify pushes a view to the guardian's live session, if any.
func (r *WSRegistry) Notify(guardianID string, view *models.GuardianView) error {
	r.mu.RLock()
	s, ok := r.sessions[guardianID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(view)
}
