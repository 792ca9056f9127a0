package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := New(time.Minute, nil)
	a := r.Create(RoleAuthenticator)
	b := r.Create(RoleWidget)

	if a.ClientID == b.ClientID {
		t.Fatalf("expected distinct client IDs")
	}
	if a.SessionID == b.SessionID {
		t.Fatalf("expected distinct session IDs")
	}
	if got, ok := r.FindByClientID(a.ClientID); !ok || got != a {
		t.Fatalf("FindByClientID did not return the created session")
	}
	if got, ok := r.FindBySessionID(b.SessionID); !ok || got != b {
		t.Fatalf("FindBySessionID did not return the created session")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(time.Minute, nil)
	s := r.Create(RoleWidget)
	r.Remove(s.ClientID)
	r.Remove(s.ClientID)

	if _, ok := r.FindByClientID(s.ClientID); ok {
		t.Fatalf("expected session to be gone after Remove")
	}
}

func TestLinkIsSymmetric(t *testing.T) {
	r := New(time.Minute, nil)
	widget := r.Create(RoleWidget)
	auth := r.Create(RoleAuthenticator)

	if err := r.Link(widget, auth); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if widget.Peer != auth.ClientID {
		t.Fatalf("widget.Peer not set to authenticator's clientId")
	}
	if auth.Peer != widget.ClientID {
		t.Fatalf("authenticator.Peer not set to widget's clientId")
	}
}

func TestLinkRejectsAlreadyPaired(t *testing.T) {
	r := New(time.Minute, nil)
	widget := r.Create(RoleWidget)
	auth := r.Create(RoleAuthenticator)
	other := r.Create(RoleAuthenticator)

	if err := r.Link(widget, auth); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := r.Link(widget, other); err == nil {
		t.Fatalf("expected Link to reject an already-paired widget")
	}
}

func TestIndexClientSessionID(t *testing.T) {
	r := New(time.Minute, nil)
	widget := r.Create(RoleWidget)
	id := uuid.New()
	widget.ClientSessionID = id
	r.IndexClientSessionID(widget, id)

	got, ok := r.FindByClientSessionID(id)
	if !ok || got != widget {
		t.Fatalf("expected to find widget by its client session id")
	}
}

func TestAuthorizationWindowReapsSession(t *testing.T) {
	var mu sync.Mutex
	var expired *Session
	done := make(chan struct{})

	r := New(20*time.Millisecond, func(s *Session) {
		mu.Lock()
		expired = s
		mu.Unlock()
		close(done)
	})
	s := r.Create(RoleAuthenticator)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reaper")
	}

	mu.Lock()
	defer mu.Unlock()
	if expired == nil || expired.ClientID != s.ClientID {
		t.Fatalf("expected the created session to be reaped")
	}
	if _, ok := r.FindByClientID(s.ClientID); ok {
		t.Fatalf("expected session to be removed from the registry after reaping")
	}
}

func TestRemoveCancelsReaper(t *testing.T) {
	var called bool
	r := New(20*time.Millisecond, func(s *Session) {
		called = true
	})
	s := r.Create(RoleWidget)
	r.Remove(s.ClientID)

	time.Sleep(60 * time.Millisecond)
	if called {
		t.Fatalf("expected reaper to be cancelled by Remove")
	}
}
