package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle of a registered connection.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

type entry struct {
	conn  Conn
	state State
}

// Registry keeps at most one connection per remote peer. Closed and
// errored connections are removed, not kept around, so the next
// connect to that peer starts fresh.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
	log   *logrus.Logger
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		log:   log,
	}
}

// Track registers an outbound connection under the opening state. It
// reports false without registering if the peer already has a
// connection; a second concurrent attempt to the same peer is a no-op.
func (r *Registry) Track(peerID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[peerID]; exists {
		return false
	}
	r.conns[peerID] = &entry{conn: conn, state: StateOpening}
	return true
}

// AcceptInbound registers an inbound connection, replacing any
// existing one for the peer. The far end reconnecting supersedes
// whatever we were holding.
func (r *Registry) AcceptInbound(peerID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.conns[peerID]; exists {
		r.log.Warnf("replacing %s connection to %s with inbound", old.state, peerID)
		_ = old.conn.Close()
	}
	r.conns[peerID] = &entry{conn: conn, state: StateOpening}
}

// MarkOpen transitions the peer's connection to open, if it is still
// the one registered.
func (r *Registry) MarkOpen(peerID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[peerID]
	if !exists || e.conn != conn {
		return
	}
	e.state = StateOpen
}

// Evict removes the peer's connection after a close or error, so a
// later connect creates fresh state. It is a no-op if conn is no
// longer the registered connection (it may have been superseded).
func (r *Registry) Evict(peerID string, conn Conn, reason State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[peerID]
	if !exists || e.conn != conn {
		return
	}
	delete(r.conns, peerID)
	r.log.Debugf("evicted connection to %s (%s)", peerID, reason)
}

// Get returns the registered connection and state for a peer.
func (r *Registry) Get(peerID string) (Conn, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[peerID]
	if !exists {
		return nil, StateClosed, false
	}
	return e.conn, e.state, true
}

// OpenConn returns the peer's connection only if it is open.
func (r *Registry) OpenConn(peerID string) (Conn, bool) {
	conn, state, exists := r.Get(peerID)
	if !exists || state != StateOpen {
		return nil, false
	}
	return conn, true
}

// Peers lists the ids with a registered connection.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]string, 0, len(r.conns))
	for id := range r.conns {
		peers = append(peers, id)
	}
	return peers
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
