package identity

import "testing"

func TestStatic(t *testing.T) {
	if id, ok := Static("u1").CurrentUserID(); !ok || id != "u1" {
		t.Errorf("got %q, %v", id, ok)
	}
	if _, ok := Static("").CurrentUserID(); ok {
		t.Error("empty static identity should be signed out")
	}
}

func TestSession(t *testing.T) {
	s := NewSession()
	if _, ok := s.CurrentUserID(); ok {
		t.Fatal("new session should be signed out")
	}
	s.SetUser("u2")
	if id, ok := s.CurrentUserID(); !ok || id != "u2" {
		t.Errorf("got %q, %v", id, ok)
	}
	s.SetUser("")
	if _, ok := s.CurrentUserID(); ok {
		t.Error("SetUser(\"\") should sign out")
	}
}
