// Package session holds conversation state for all live sessions. Membership
// is guarded by one RWMutex; each session additionally carries its own lock,
// held for a full advance+compose cycle, so operations on the same session
// serialize while unrelated sessions proceed independently.
package session

import (
	"context"
	"errors"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/aokimidori/kaiwa/internal/logging"
)

var ErrNotFound = errors.New("session not found")

type entry struct {
	mu      sync.Mutex
	sess    *Session
	deleted bool
}

// Store is the concurrency-safe keyed session store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	idleTimeout time.Duration
	onEvict     func(*Session)
}

func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Store{
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
	}
}

// SetEvictHook registers a callback invoked after a session is evicted.
func (st *Store) SetEvictHook(hook func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onEvict = hook
}

// Create registers a new session for the app and returns a clone of it. The
// generated id is collision-checked against existing keys. missing seeds the
// outstanding required fields so a session reads correctly before its first
// message.
func (st *Store) Create(appID string, missing []string) *Session {
	now := time.Now().UTC()

	st.mu.Lock()
	defer st.mu.Unlock()

	id := uuid.NewString()
	for _, exists := st.entries[id]; exists; _, exists = st.entries[id] {
		id = uuid.NewString()
	}

	s := &Session{
		ID:             id,
		AppID:          appID,
		CreatedAt:      now,
		LastActivityAt: now,
		NextAction:     ActionStart,
		Extracted:      make(map[string]string),
		Missing:        append([]string(nil), missing...),
	}
	st.entries[id] = &entry{sess: s}
	return s.Clone()
}

func (st *Store) lookup(sessionID string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[sessionID]
}

// Get returns a clone of the session.
func (st *Store) Get(sessionID string) (*Session, error) {
	e := st.lookup(sessionID)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Update runs mutate on a working copy of the session under its lock. Only a
// nil error commits the copy back (and bumps last activity); any error leaves
// the stored session exactly as it was, so a failed message is retryable.
// The lock is held for the whole call, serializing same-session updates in
// arrival order.
func (st *Store) Update(sessionID string, mutate func(*Session) error) error {
	e := st.lookup(sessionID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}

	working := e.sess.Clone()
	if err := mutate(working); err != nil {
		return err
	}
	working.LastActivityAt = time.Now().UTC()
	e.sess = working
	return nil
}

// Delete removes a session. Waiters blocked on the session's lock observe
// ErrNotFound once they acquire it.
func (st *Store) Delete(sessionID string) error {
	e := st.lookup(sessionID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.deleted = true
	e.mu.Unlock()

	st.mu.Lock()
	if st.entries[sessionID] == e {
		delete(st.entries, sessionID)
	}
	st.mu.Unlock()
	return nil
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// EvictIdle removes every session idle longer than the store's timeout. The
// idle check runs under each session's own lock, never against a stale
// snapshot, so a session that was updated while the sweep ran survives.
func (st *Store) EvictIdle() int {
	type candidate struct {
		id string
		e  *entry
	}

	st.mu.RLock()
	candidates := make([]candidate, 0, len(st.entries))
	for id, e := range st.entries {
		candidates = append(candidates, candidate{id: id, e: e})
	}
	hook := st.onEvict
	st.mu.RUnlock()

	now := time.Now().UTC()
	var expired []candidate
	var evictedSessions []*Session
	for _, c := range candidates {
		c.e.mu.Lock()
		if !c.e.deleted && now.Sub(c.e.sess.LastActivityAt) >= st.idleTimeout {
			c.e.deleted = true
			expired = append(expired, c)
			evictedSessions = append(evictedSessions, c.e.sess.Clone())
		}
		c.e.mu.Unlock()
	}

	if len(expired) > 0 {
		st.mu.Lock()
		for _, c := range expired {
			if st.entries[c.id] == c.e {
				delete(st.entries, c.id)
			}
		}
		st.mu.Unlock()
	}

	if hook != nil {
		for _, s := range evictedSessions {
			hook(s)
		}
	}
	return len(expired)
}

// StartJanitor sweeps idle sessions until ctx is done.
func (st *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := st.EvictIdle(); n > 0 {
					logging.Info().Int("evicted", n).Msg("idle sessions evicted")
				}
			}
		}
	}()
}
