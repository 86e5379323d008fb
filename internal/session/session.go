// Package session keeps per-conversation chat history in memory.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a history entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Entry is one message in a session history.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var (
	// ErrNotFound is returned for operations on an unknown or expired session.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidRole is returned by Append for roles outside user/agent/system.
	ErrInvalidRole = errors.New("invalid role")
)

// Eviction reasons passed to Options.OnEvict.
const (
	EvictExpired  = "expired"
	EvictCapacity = "capacity"
)

// Defaults applied by New for zero option values.
const (
	DefaultTTL           = 24 * time.Hour
	DefaultMaxSessions   = 10000
	DefaultSweepInterval = 5 * time.Minute
)

// Options configures a Store.
type Options struct {
	// TTL is how long a session may stay idle before it is dropped.
	TTL time.Duration
	// MaxSessions bounds the number of live sessions; the least recently
	// used one is evicted past it.
	MaxSessions int
	// SweepInterval is the janitor period used by Run.
	SweepInterval time.Duration
	// OnEvict, when set, is called once per evicted session.
	OnEvict func(reason string)
	// Now overrides the clock in tests.
	Now func() time.Time
}

type session struct {
	id string

	// turn serializes Turn, Append and Reset for this id.
	turn sync.Mutex

	// Guarded by Store.mu.
	history  []Entry
	lastSeen time.Time
	elem     *list.Element
	removed  bool
}

// Store is a process-wide, concurrency-safe mapping from session id to
// history. Operations on one id are serialized; different ids proceed in
// parallel.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	lru      *list.List // front is most recently used

	ttl     time.Duration
	max     int
	sweep   time.Duration
	onEvict func(string)
	now     func() time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	s := &Store{
		sessions: make(map[string]*session),
		lru:      list.New(),
		ttl:      opts.TTL,
		max:      opts.MaxSessions,
		sweep:    opts.SweepInterval,
		onEvict:  opts.OnEvict,
		now:      opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.max <= 0 {
		s.max = DefaultMaxSessions
	}
	if s.sweep <= 0 {
		s.sweep = DefaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GetOrCreate returns the id and a copy of the history for a live session.
// An empty, unknown or expired id registers a fresh session with a new id
// and empty history.
func (s *Store) GetOrCreate(id string) (string, []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.lookupLocked(id)
	if sess == nil {
		sess = s.createLocked()
	}
	return sess.id, cloneHistory(sess.history)
}

// History returns a copy of the session history without touching its
// last-used time.
func (s *Store) History(id string) ([]Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		return nil, false
	}
	return cloneHistory(sess.history), true
}

// Append adds one entry to an existing session.
func (s *Store) Append(id string, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()
	sess := s.lookupLocked(id)
	s.mu.Unlock()
	if sess == nil {
		return ErrNotFound
	}

	sess.turn.Lock()
	defer sess.turn.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.removed {
		return ErrNotFound
	}
	sess.history = append(sess.history, Entry{Role: role, Content: content})
	s.touchLocked(sess)
	return nil
}

// Reset removes the session. It reports false when the id is unknown.
func (s *Store) Reset(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	sess.turn.Lock()
	defer sess.turn.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.removed {
		return false
	}
	s.removeLocked(sess)
	return true
}

// TurnFunc receives the session id and a history snapshot and returns the
// entries to append.
type TurnFunc func(id string, history []Entry) ([]Entry, error)

// Turn runs fn while holding the session's lock, so concurrent turns on one
// id never interleave. The returned entries are appended only when fn
// succeeds; on error the history is left as it was. The session is resolved
// like GetOrCreate and its id is returned in both cases. A session created
// by a failed turn is discarded.
func (s *Store) Turn(id string, fn TurnFunc) (string, error) {
	var sess *session
	var created bool
	for {
		s.mu.Lock()
		sess = s.lookupLocked(id)
		created = sess == nil
		if created {
			sess = s.createLocked()
		}
		s.mu.Unlock()

		sess.turn.Lock()
		s.mu.Lock()
		if !sess.removed {
			break
		}
		// Reset won the race for the lock; resolve again.
		s.mu.Unlock()
		sess.turn.Unlock()
	}
	snapshot := cloneHistory(sess.history)
	s.mu.Unlock()
	defer sess.turn.Unlock()

	entries, err := fn(sess.id, snapshot)
	if err == nil {
		for _, e := range entries {
			if !e.Role.Valid() {
				err = fmt.Errorf("%w: %q", ErrInvalidRole, e.Role)
				break
			}
		}
	}
	if err != nil {
		if created {
			// Nobody learns the id of a session minted by a failed turn.
			s.mu.Lock()
			if !sess.removed {
				s.removeLocked(sess)
			}
			s.mu.Unlock()
		}
		return sess.id, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.removed {
		// Expired or evicted while fn ran; the turn still belongs to it.
		sess.removed = false
		s.sessions[sess.id] = sess
		sess.elem = s.lru.PushFront(sess)
	}
	sess.history = append(sess.history, entries...)
	s.touchLocked(sess)
	s.evictOverflowLocked()
	return sess.id, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes every session idle for longer than the TTL and returns how
// many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	// Oldest sessions sit at the back of the list.
	for e := s.lru.Back(); e != nil; {
		sess := e.Value.(*session)
		prev := e.Prev()
		if !s.expiredLocked(sess) {
			break
		}
		s.removeLocked(sess)
		s.evicted(EvictExpired)
		n++
		e = prev
	}
	return n
}

// Run sweeps expired sessions every SweepInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// lookupLocked returns the live session for id, dropping it if expired.
func (s *Store) lookupLocked(id string) *session {
	if id == "" {
		return nil
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.expiredLocked(sess) {
		s.removeLocked(sess)
		s.evicted(EvictExpired)
		return nil
	}
	s.touchLocked(sess)
	return sess
}

func (s *Store) createLocked() *session {
	sess := &session{id: uuid.NewString(), lastSeen: s.now()}
	sess.elem = s.lru.PushFront(sess)
	s.sessions[sess.id] = sess
	s.evictOverflowLocked()
	return sess
}

func (s *Store) touchLocked(sess *session) {
	sess.lastSeen = s.now()
	if sess.elem != nil {
		s.lru.MoveToFront(sess.elem)
	}
}

func (s *Store) expiredLocked(sess *session) bool {
	return s.now().Sub(sess.lastSeen) > s.ttl
}

func (s *Store) removeLocked(sess *session) {
	sess.removed = true
	delete(s.sessions, sess.id)
	if sess.elem != nil {
		s.lru.Remove(sess.elem)
		sess.elem = nil
	}
}

func (s *Store) evictOverflowLocked() {
	for len(s.sessions) > s.max {
		back := s.lru.Back()
		if back == nil {
			return
		}
		s.removeLocked(back.Value.(*session))
		s.evicted(EvictCapacity)
	}
}

func (s *Store) evicted(reason string) {
	if s.onEvict != nil {
		s.onEvict(reason)
	}
}

func cloneHistory(h []Entry) []Entry {
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}
