// Package identity supplies the id of the signed-in user.
package identity

import "sync"

// Provider returns the current user id, or false when nobody is signed in.
type Provider interface {
	CurrentUserID() (string, bool)
}

// Static is a fixed identity. The empty string means signed out.
type Static string

func (s Static) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// Session is an identity that can change at runtime, fed by the remote
// authentication handshake.
type Session struct {
	mu     sync.RWMutex
	userID string
}

// NewSession creates a signed-out session.
func NewSession() *Session { return &Session{} }

// SetUser records the authenticated user. An empty id signs out.
func (s *Session) SetUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

func (s *Session) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}
