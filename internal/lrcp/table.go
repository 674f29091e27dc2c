package lrcp

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Table is the session table: a guarded map from session id to Session, so
// that the server driver's ingress goroutines and the scheduler's timer
// pass always see a consistent view. The table is the only state shared
// across sessions; everything inside a Session is otherwise owned
// exclusively by whichever worker is currently handling it.
type Table struct {
	mu              sync.RWMutex
	sessions        map[int]*Session
	clock           clockwork.Clock
	sessionTimeout  time.Duration
	retransInterval time.Duration
}

// NewTable returns an empty session table using clock for all new sessions'
// timing fields. A sessionTimeout or retransInterval of zero falls back to
// the package defaults.
func NewTable(clock clockwork.Clock, sessionTimeout, retransInterval time.Duration) *Table {
	return &Table{
		sessions:        make(map[int]*Session),
		clock:           clock,
		sessionTimeout:  sessionTimeout,
		retransInterval: retransInterval,
	}
}

// Get returns the session for id, if open.
func (t *Table) Get(id int) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// GetOrCreate returns the existing session for id, or creates and stores a
// fresh one owned by peer. created reports which happened. Per §3, a
// session is addressable only by id — a pre-existing session's peer is not
// touched here; callers update it separately once they've confirmed the
// datagram is otherwise valid for that session.
func (t *Table) GetOrCreate(id int, peer *net.UDPAddr) (s *Session, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s, false
	}
	s = NewSession(id, peer, t.clock, t.sessionTimeout, t.retransInterval)
	t.sessions[id] = s
	return s, true
}

// Delete removes id from the table, if present.
func (t *Table) Delete(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Len reports the number of open sessions, for the active-sessions gauge.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// UpdatePeer records addr as the current peer for id's session, since UDP
// peers are nomadic: a later datagram for an existing id may legitimately
// arrive from a different address.
func (t *Table) UpdatePeer(id int, addr *net.UDPAddr) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.Peer = addr
		s.mu.Unlock()
	}
}
