package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionCookie is the cookie carrying the operator session id.
const sessionCookie = "webtrap_session"

// sessionTTL bounds how long an operator session stays valid.
const sessionTTL = 12 * time.Hour

// Session is one authenticated operator session. LoginTime doubles as the
// default lower bound for event visibility: a fresh session only sees what
// arrives after it.
type Session struct {
	ID        string
	LoginTime time.Time
	Expires   time.Time
}

// SessionStore keeps operator sessions in memory. Sessions do not survive a
// restart, which forces a fresh login and with it a fresh visibility window.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create starts a new session and returns it.
func (ss *SessionStore) Create() *Session {
	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		LoginTime: now,
		Expires:   now.Add(sessionTTL),
	}
	ss.mu.Lock()
	ss.sessions[sess.ID] = sess
	ss.prune(now)
	ss.mu.Unlock()
	return sess
}

// Get returns the live session for id, or nil.
func (ss *SessionStore) Get(id string) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	sess, ok := ss.sessions[id]
	if !ok {
		return nil
	}
	if time.Now().After(sess.Expires) {
		delete(ss.sessions, id)
		return nil
	}
	return sess
}

// Delete ends a session.
func (ss *SessionStore) Delete(id string) {
	ss.mu.Lock()
	delete(ss.sessions, id)
	ss.mu.Unlock()
}

// prune drops expired sessions; called under the lock.
func (ss *SessionStore) prune(now time.Time) {
	for id, sess := range ss.sessions {
		if now.After(sess.Expires) {
			delete(ss.sessions, id)
		}
	}
}

// FromRequest resolves the session attached to a request, or nil.
func (ss *SessionStore) FromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return ss.Get(cookie.Value)
}
