package models

import (
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"

	"github.com/sableworks/exportstream/types"
)

// DefaultSessionTTL bounds how long an idle session (and its retained file
// body) survives without activity.
var DefaultSessionTTL = 30 * time.Minute

// SessionStore holds export sessions keyed by (userId, exportId), TTL-bounded.
// Exactly one producer writes a given key for its lifetime, so no
// transactional guarantee is needed; the mutex only protects the
// read-modify-write of progress updates against control-plane cancel flips.
type SessionStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions *ttlworker.Cache[string, types.ExportSession]
	bodies   *ttlworker.Cache[string, []byte]
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: ttlworker.NewCache[string, types.ExportSession](ttl),
		bodies:   ttlworker.NewCache[string, []byte](ttl),
	}
}

func (s *SessionStore) TTL() time.Duration { return s.ttl }

func sessionKey(userId, exportId string) string {
	return userId + "/" + exportId
}

// Put stores a session record as-is. Used for session creation; progress
// updates go through UpdateProgress so cancellation flips are never clobbered.
func (s *SessionStore) Put(session types.ExportSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Set(sessionKey(session.UserId, session.ExportId), session)
}

// Get returns the session record, or ok=false when absent or expired.
func (s *SessionStore) Get(userId, exportId string) (types.ExportSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.sessions.Get(sessionKey(userId, exportId))
	if sess.ExportId == "" {
		return types.ExportSession{}, false
	}
	return sess, true
}

// UpdateProgress persists a new processed-row count. The processed count is
// monotonic: a smaller value than the stored one is ignored. A session that
// was flipped to cancelled keeps that status so the producer's next check
// observes it.
func (s *SessionStore) UpdateProgress(userId, exportId string, processed int, headerEmitted bool) (types.ExportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userId, exportId)
	sess := s.sessions.Get(key)
	if sess.ExportId == "" {
		return types.ExportSession{}, false
	}
	if processed > sess.ProcessedRows {
		sess.ProcessedRows = processed
	}
	sess.Percentage = types.Percent(sess.ProcessedRows, sess.TotalRows)
	if headerEmitted {
		sess.HeaderEmitted = true
	}
	if sess.Status == types.StatusStarting {
		sess.Status = types.StatusProcessing
	}
	sess.ExpiresAt = time.Now().Add(s.ttl)
	s.sessions.Set(key, sess)
	return sess, true
}

// SetStatus transitions the session to a new status. Transitions away from a
// terminal status are ignored, and a cancelled session is only ever
// overwritten by cancelled itself.
func (s *SessionStore) SetStatus(userId, exportId string, status types.ExportStatus, message string) (types.ExportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userId, exportId)
	sess := s.sessions.Get(key)
	if sess.ExportId == "" {
		return types.ExportSession{}, false
	}
	if sess.Status.IsTerminal() && sess.Status != status {
		return sess, false
	}
	sess.Status = status
	if message != "" {
		sess.Message = message
	}
	s.sessions.Set(key, sess)
	return sess, true
}

// SetComplete marks the session complete with its final file name.
func (s *SessionStore) SetComplete(userId, exportId, fileName string) (types.ExportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userId, exportId)
	sess := s.sessions.Get(key)
	if sess.ExportId == "" || sess.Status.IsTerminal() {
		return sess, false
	}
	sess.Status = types.StatusComplete
	sess.FileName = fileName
	sess.Percentage = types.Percent(sess.ProcessedRows, sess.TotalRows)
	s.sessions.Set(key, sess)
	return sess, true
}

// AppendBody appends a chunk to the retained body and advances progress in
// one step, so the stored body always covers exactly the stored row count.
// The producer calls this before emitting the matching data frame: if the
// frame is then lost in flight, the copy here still covers those rows and a
// reconnecting client can recover them from the download endpoint.
func (s *SessionStore) AppendBody(userId, exportId string, chunk []byte, processed int, headerEmitted bool) (types.ExportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userId, exportId)
	sess := s.sessions.Get(key)
	if sess.ExportId == "" {
		return types.ExportSession{}, false
	}
	body := s.bodies.Get(key)
	s.bodies.Set(key, append(body, chunk...))
	if processed > sess.ProcessedRows {
		sess.ProcessedRows = processed
	}
	sess.Percentage = types.Percent(sess.ProcessedRows, sess.TotalRows)
	if headerEmitted {
		sess.HeaderEmitted = true
	}
	if sess.Status == types.StatusStarting {
		sess.Status = types.StatusProcessing
	}
	sess.ExpiresAt = time.Now().Add(s.ttl)
	s.sessions.Set(key, sess)
	return sess, true
}

// Delete removes the session and any retained file body.
func (s *SessionStore) Delete(userId, exportId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Delete(sessionKey(userId, exportId))
	s.bodies.Delete(sessionKey(userId, exportId))
}

// DeleteFileBody drops the retained body but keeps the session. Used when a
// resume offset jumps past the stored copy and it can no longer be completed.
func (s *SessionStore) DeleteFileBody(userId, exportId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies.Delete(sessionKey(userId, exportId))
}

// GetFileBody returns the retained body, or ok=false when absent or expired.
func (s *SessionStore) GetFileBody(userId, exportId string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body := s.bodies.Get(sessionKey(userId, exportId))
	if body == nil {
		return nil, false
	}
	return body, true
}
