package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/assist-dispatch/internal/models"
)

var ErrNoSession = errors.New("no websocket session for worker")

// WSSession is a connected worker's offer channel.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(notice models.OfferNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(notice)
}

// WSRegistry holds the live worker sessions the engine pushes offers to.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(workerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workerID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workerID)
}

func (r *WSRegistry) Offer(workerID string, notice models.OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[workerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(notice)
}
