package service

import (
	"sort"
	"sync"

	"evcentral/internal/models"
)

// SessionStore holds in-flight sessions, the CP to active-session index and
// the pending-stop set. The 1:1 index is only mutated from inside the owning
// CP's critical section, which is what keeps one-session-per-CP true under
// concurrent authorizations.
type SessionStore struct {
	mu          sync.RWMutex
	byID        map[string]*models.Session
	byCP        map[string]string
	pendingStop map[string]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:        make(map[string]*models.Session),
		byCP:        make(map[string]string),
		pendingStop: make(map[string]struct{}),
	}
}

func (s *SessionStore) put(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := sess
	s.byID[sess.SessionID] = &copied
	s.byCP[sess.CPID] = sess.SessionID
}

func (s *SessionStore) Get(sessionID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return *sess, true
}

// remove drops a session from the live index. It reports false when the id
// is no longer live, which is how duplicate end events become no-ops.
func (s *SessionStore) remove(sessionID string) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return models.Session{}, false
	}
	delete(s.byID, sessionID)
	if s.byCP[sess.CPID] == sessionID {
		delete(s.byCP, sess.CPID)
	}
	delete(s.pendingStop, sessionID)
	return *sess, true
}

// updateTotals overwrites the cumulative counters with the reported values.
// The engine owns the totals, but a report below the current value is
// rejected to keep the counters monotonic while the session is open.
func (s *SessionStore) updateTotals(sessionID string, kwh, eur float64) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return models.Session{}, false
	}
	if kwh < sess.KWh || eur < sess.EUR {
		return *sess, false
	}
	sess.KWh = kwh
	sess.EUR = eur
	return *sess, true
}

func (s *SessionStore) markStopRequested(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sessionID]; ok {
		s.pendingStop[sessionID] = struct{}{}
	}
}

func (s *SessionStore) takeStopRequested(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pendingStop[sessionID]
	delete(s.pendingStop, sessionID)
	return ok
}

// Snapshot returns a copy of every live session, ordered by start time.
func (s *SessionStore) Snapshot() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
