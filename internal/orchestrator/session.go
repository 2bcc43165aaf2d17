package orchestrator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/store"
)

const defaultSessionID = "default"

// Session owns one result store. Its mutex serializes request processing so
// no two ProcessRequest calls ever share the store concurrently.
type Session struct {
	ID         string
	Store      *store.Store
	LastActive time.Time

	mu sync.Mutex
}

// SessionManager hands out per-session stores, creating them on first use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	oracle   oracle.Oracle
	clock    clockwork.Clock
}

func NewSessionManager(o oracle.Oracle, clock clockwork.Clock) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		oracle:   o,
		clock:    clock,
	}
}

// Get returns the session for id, creating it when missing. An empty id
// maps to the shared default session.
func (m *SessionManager) Get(id string) *Session {
	if id == "" {
		id = defaultSessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		sess = &Session{
			ID:    id,
			Store: store.New(m.oracle, m.clock),
		}
		m.sessions[id] = sess
	}
	sess.LastActive = m.clock.Now()
	return sess
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PurgeIdle drops sessions with no activity for maxIdle and returns how
// many were removed.
func (m *SessionManager) PurgeIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-maxIdle)
	removed := 0
	for id, sess := range m.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
