package chatsync

import "sync"

// Session is the identity and credential of one signed-in user. It is
// built by the host and handed to NewEngine; the engine holds no global
// state.
type Session struct {
	mu     sync.RWMutex
	userID string
	token  string
	user   *User
}

func NewSession(userID, token string) *Session {
	return &Session{userID: userID, token: token}
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns the resolved user record, nil before resolution or after
// the identity was cleared.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Role returns the resolved role, empty when unresolved.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Role
}

func (s *Session) setUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// clear drops the resolved identity. The credential is kept so the host
// can decide whether to sign out.
func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
}
