package server

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"huddle/protocol"
)

// ErrHandleTaken is returned by Register when the handle is already in use.
var ErrHandleTaken = errors.New("username already taken")

// Session binds a registered handle to its live transport. The heartbeat
// timestamp is owned by the Registry and only touched inside its critical
// section; writes to the transport are serialized by the session's own
// write mutex so relaying goroutines never interleave records.
type Session struct {
	Handle string

	conn         net.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex

	lastSeen time.Time
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one record to the session's transport. Safe for concurrent
// use from any connection's goroutine.
func (s *Session) Send(rec protocol.Record) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return protocol.Write(s.conn, rec)
}

// Close closes the underlying transport. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Registry is the single source of truth for who is online: a mapping
// from handle to live session. Every operation runs under one mutex so a
// late Register can never race a concurrent Remove of the same handle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register atomically claims handle for sess. It fails with
// ErrHandleTaken when the handle is currently registered.
func (r *Registry) Register(handle string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[handle]; ok {
		return ErrHandleTaken
	}
	sess.Handle = handle
	sess.lastSeen = time.Now()
	r.sessions[handle] = sess
	return nil
}

// Touch refreshes the handle's heartbeat timestamp. No-op if the handle
// is not registered.
func (r *Registry) Touch(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[handle]; ok {
		sess.lastSeen = time.Now()
	}
}

// Remove deletes the handle and closes its transport. Idempotent: it
// reports whether the handle was still registered, so the caller can
// broadcast the roster change exactly once per departure.
func (r *Registry) Remove(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[handle]
	if !ok {
		return false
	}
	delete(r.sessions, handle)
	sess.Close()
	return true
}

// Lookup returns the live session for handle, if any.
func (r *Registry) Lookup(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[handle]
	return sess, ok
}

// Snapshot returns the current roster, sorted for deterministic
// broadcasts.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.sessions))
	for handle := range r.sessions {
		users = append(users, handle)
	}
	sort.Strings(users)
	return users
}

// All returns the live sessions at this instant. The slice is a copy;
// senders must not hold the registry lock while writing to transports.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictStale removes every session whose heartbeat is older than timeout,
// closing its transport, and returns the evicted handles. Closing the
// transport unblocks that connection's read loop, whose own cleanup then
// finds the handle already gone.
func (r *Registry) EvictStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var evicted []string
	for handle, sess := range r.sessions {
		if now.Sub(sess.lastSeen) > timeout {
			delete(r.sessions, handle)
			sess.Close()
			evicted = append(evicted, handle)
		}
	}
	sort.Strings(evicted)
	return evicted
}
