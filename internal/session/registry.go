package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ErrNotFound is returned when a session id is not registered.
var ErrNotFound = errors.New("session not found")

// StoredSession is the durable ownership record of one session.
//
// A session is created by createSession, gains HadWrites on its first
// accepted syncData and is destroyed by endSession, by the hand-off
// algorithm, or when it is discarded as an orphan after the warm-up window.
//
// Example:
//
//	s := StoredSession{
//	    SessionID: "s1",
//	    DataID:    "p1",
//	    AccountID: "lobby",
//	    NodeName:  "lobby-1",
//	    ScopeIDs:  []string{"stats"},
//	    CreatedAt: time.Now(),
//	}
type StoredSession struct {
	// SessionID is chosen by the node and unique across all sessions.
	SessionID string `json:"sessionId"`

	// DataID identifies the entity (player) whose data the session locks.
	// Uniqueness across live sessions is enforced by the hand-off
	// algorithm, not by the registry.
	DataID string `json:"dataId"`

	// AccountID is the account of the node that created the session. Only
	// nodes of the same account may re-claim it after a reconnect.
	AccountID string `json:"account"`

	// NodeName is the human-readable name of the creating node.
	NodeName string `json:"node"`

	// Realm is the game realm the node reported for this session.
	Realm string `json:"realm,omitempty"`

	// ScopeIDs is the locked scope set. Writes outside it are rejected.
	ScopeIDs []string `json:"scopes"`

	// CreatedAt orders competing sessions of the same entity.
	CreatedAt time.Time `json:"time"`

	// HadWrites flips to true on the first accepted write and never back.
	HadWrites bool `json:"hadWrites"`
}

// HasScope reports whether scope is part of the locked scope set.
func (s StoredSession) HasScope(scope string) bool {
	for _, id := range s.ScopeIDs {
		if id == scope {
			return true
		}
	}
	return false
}

func (s StoredSession) clone() StoredSession {
	s.ScopeIDs = append([]string(nil), s.ScopeIDs...)
	return s
}

// Log is the durable keyed log behind the registry. Put and Delete append
// entries; Load replays them in order; Compact replaces the whole log with
// one entry per live session.
type Log interface {
	Load(ctx context.Context) ([]StoredSession, error)
	Put(ctx context.Context, s StoredSession) error
	Delete(ctx context.Context, sessionID string) error
	Compact(ctx context.Context, live []StoredSession) error
}

// Registry holds every known session in memory and mirrors each mutation
// to a Log before applying it.
//
// Durability contract:
//   - Write and Remove return only after the Log accepted the entry
//   - the in-memory map changes only when the Log write succeeded
//   - Open replays the Log and compacts it to the resulting snapshot
//
// Thread Safety:
// All methods are safe for concurrent use. Returned records are copies.
type Registry struct {
	sessions map[string]*StoredSession
	log      Log
	mu       sync.RWMutex
}

// Open rehydrates a registry from log and compacts the log.
//
// Stale entries left behind by an earlier run are loaded as-is; whether
// their owners are still around is decided later by the hand-off algorithm.
//
// Example:
//
//	reg, err := session.Open(ctx, store.SessionLog())
//	if err != nil {
//	    glog.Exitf("session registry: %v", err)
//	}
func Open(ctx context.Context, log Log) (*Registry, error) {
	entries, err := log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay session log: %w", err)
	}

	r := &Registry{
		sessions: make(map[string]*StoredSession, len(entries)),
		log:      log,
	}
	for _, s := range entries {
		s := s.clone()
		r.sessions[s.SessionID] = &s
	}

	if err := log.Compact(ctx, r.All()); err != nil {
		return nil, fmt.Errorf("compact session log: %w", err)
	}

	glog.Infof("There were %d sessions left in the session log", len(r.sessions))
	return r, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (StoredSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return StoredSession{}, false
	}
	return s.clone(), true
}

// ByDataID returns every session, live or stale, that references dataID,
// oldest first.
//
// Performance:
// O(n) over all sessions. The registry holds one entry per online entity so
// a scan is cheap compared with the network round trips around it.
func (r *Registry) ByDataID(dataID string) []StoredSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []StoredSession
	for _, s := range r.sessions {
		if s.DataID == dataID {
			out = append(out, s.clone())
		}
	}
	sortByCreation(out)
	return out
}

// CountByDataID returns how many sessions reference dataID.
func (r *Registry) CountByDataID(dataID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.DataID == dataID {
			n++
		}
	}
	return n
}

// LatestWithWrites returns the most recently created session of dataID that
// has accepted at least one write. That session is the only one still
// allowed to save.
func (r *Registry) LatestWithWrites(dataID string) (StoredSession, bool) {
	var latest *StoredSession
	for _, s := range r.ByDataID(dataID) {
		if !s.HadWrites {
			continue
		}
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			s := s
			latest = &s
		}
	}
	if latest == nil {
		return StoredSession{}, false
	}
	return *latest, true
}

// Write upserts s. It never clears HadWrites on an existing record.
func (r *Registry) Write(ctx context.Context, s StoredSession) error {
	if s.SessionID == "" {
		return errors.New("session id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[s.SessionID]; ok && prev.HadWrites {
		s.HadWrites = true
	}
	s = s.clone()

	if err := r.log.Put(ctx, s); err != nil {
		return fmt.Errorf("persist session %s: %w", s.SessionID, err)
	}
	r.sessions[s.SessionID] = &s
	return nil
}

// MarkWritten sets HadWrites on an existing session and persists it.
func (r *Registry) MarkWritten(ctx context.Context, sessionID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	if s.HadWrites {
		return nil
	}
	s.HadWrites = true
	return r.Write(ctx, s)
}

// Remove deletes a session. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return nil
	}
	if err := r.log.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	delete(r.sessions, sessionID)
	return nil
}

// All returns every session, oldest first.
func (r *Registry) All() []StoredSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StoredSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sortByCreation(out)
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sortByCreation(sessions []StoredSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
