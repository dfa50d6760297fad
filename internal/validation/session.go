// Package validation compares source and destination values for a config
// and reports discrepancies with severities.
package validation

import (
	"sync"
	"time"

	"github.com/ternarybob/migro/internal/models"
)

// Session is one validation run. The owning goroutine is the only writer;
// readers snapshot through the accessors.
type Session struct {
	mu     sync.RWMutex
	result models.ValidationResult
}

func newSession(sessionID, configID string) *Session {
	return &Session{
		result: models.ValidationResult{
			SessionID: sessionID,
			ConfigID:  configID,
			Status:    models.ValidationRunning,
			StartedAt: time.Now(),
		},
	}
}

// Snapshot returns a copy of the current result.
func (s *Session) Snapshot() models.ValidationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.result
	out.Discrepancies = append([]models.Discrepancy(nil), s.result.Discrepancies...)
	return out
}

func (s *Session) setProgress(processed, total, found int) {
	s.mu.Lock()
	s.result.Progress = models.ValidationProgress{
		RecordsProcessed:   processed,
		TotalRecords:       total,
		DiscrepanciesFound: found,
	}
	s.mu.Unlock()
}

func (s *Session) complete(result models.ValidationResult) {
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.result.Status = models.ValidationFailed
	s.result.DestinationFetchError = err.Error()
	s.result.CompletedAt = time.Now()
	s.mu.Unlock()
}

// SessionStore holds validation sessions with a TTL. Completed sessions stay
// readable until swept so operators can fetch results after the run.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
}

type sessionEntry struct {
	session   *Session
	createdAt time.Time
}

// NewSessionStore creates a store whose sessions expire after ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
	}
}

// Create registers a new running session.
func (st *SessionStore) Create(sessionID, configID string) *Session {
	s := newSession(sessionID, configID)
	st.mu.Lock()
	st.sessions[sessionID] = &sessionEntry{session: s, createdAt: time.Now()}
	st.mu.Unlock()
	return s
}

// Get returns a session by ID.
func (st *SessionStore) Get(sessionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// ForConfig returns the most recent session for a config, if any.
func (st *SessionStore) ForConfig(configID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var newest *sessionEntry
	for _, entry := range st.sessions {
		if entry.session.Snapshot().ConfigID != configID {
			continue
		}
		if newest == nil || entry.createdAt.After(newest.createdAt) {
			newest = entry
		}
	}
	if newest == nil {
		return nil, false
	}
	return newest.session, true
}

// Sweep drops sessions older than the TTL, returning the count removed.
func (st *SessionStore) Sweep() int {
	cutoff := time.Now().Add(-st.ttl)
	removed := 0
	st.mu.Lock()
	for id, entry := range st.sessions {
		if entry.createdAt.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	st.mu.Unlock()
	return removed
}
