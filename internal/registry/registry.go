// Package registry is the broker's process-wide session table. A
// Session is created on connection accept and indexed by up to three
// opaque IDs; every mutation that touches more than one session (Link)
// runs under the registry's single mutex, matching the teacher's own
// session-store pattern of one mutex guarding a handful of maps.
package registry

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ivahaev/timer"

	"github.com/pairbroker/broker/internal/brokererr"
)

// Role is which side of a pairing a session represents.
type Role string

const (
	RoleWidget        Role = "widget"
	RoleAuthenticator Role = "authenticator"
)

// State is the session's position in its role's state machine.
type State string

const (
	StateNew        State = "new"
	StateInited     State = "inited"
	StateActivated  State = "activated"
	StatePaired     State = "paired"
	StateChallenged State = "challenged"
	StateDone       State = "done"
)

// Session is one live connection's record. Fields are mutated only by
// the dispatcher goroutine that owns the underlying connection, except
// for peer linkage which Registry.Link performs under the registry lock.
type Session struct {
	mu sync.Mutex

	ClientID        uuid.UUID
	SessionID       uuid.UUID
	ClientSessionID uuid.UUID // zero value until CHECK mints it

	Role  Role
	State State

	Alias  string
	UserID string

	// Peer holds the paired session's ClientID, never a raw pointer;
	// the holder must look the peer up through the registry.
	Peer uuid.UUID

	Secret           []byte
	PublicKeySign    *rsa.PublicKey
	Fields           string
	CurrentUserToken string

	CreatedAt time.Time
	Alive     bool

	reaper *timer.Timer
}

func (s *Session) HasClientSessionID() bool {
	return s.ClientSessionID != uuid.Nil
}

// State/Peer/Alive are read and written from more than one goroutine:
// a session's own dispatcher loop, its peer's dispatcher loop (during
// CHECK linking and failure fanout), and the connection manager's
// liveness ping loop. These accessors serialize all of that through
// the session's own mutex.

func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

func (s *Session) GetPeer() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Peer
}

func (s *Session) GetAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Alive
}

func (s *Session) SetAlive(alive bool) {
	s.mu.Lock()
	s.Alive = alive
	s.mu.Unlock()
}

// Registry indexes live sessions by their three identifiers.
type Registry struct {
	mu sync.Mutex

	byClientID        map[uuid.UUID]*Session
	bySessionID       map[uuid.UUID]*Session
	byClientSessionID map[uuid.UUID]*Session

	authWindow time.Duration
	onExpire   func(*Session)
}

// New builds an empty registry. onExpire, if non-nil, is invoked (off
// the registry lock) when a session's authorization window lapses
// without the session having been removed first.
func New(authWindow time.Duration, onExpire func(*Session)) *Registry {
	return &Registry{
		byClientID:        make(map[uuid.UUID]*Session),
		bySessionID:       make(map[uuid.UUID]*Session),
		byClientSessionID: make(map[uuid.UUID]*Session),
		authWindow:        authWindow,
		onExpire:          onExpire,
	}
}

// Create assigns ClientID and SessionID, stores the session under both,
// and schedules its authorization-window reaper.
func (r *Registry) Create(role Role) *Session {
	s := &Session{
		ClientID:  uuid.New(),
		SessionID: uuid.New(),
		Role:      role,
		State:     StateNew,
		CreatedAt: time.Now(),
		Alive:     true,
	}

	r.mu.Lock()
	r.byClientID[s.ClientID] = s
	r.bySessionID[s.SessionID] = s
	r.mu.Unlock()

	clientID := s.ClientID
	s.reaper = timer.AfterFunc(r.authWindow, func() {
		r.reap(clientID)
	})
	s.reaper.Start()
	return s
}

func (r *Registry) reap(clientID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.byClientID[clientID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Remove(clientID)
	if r.onExpire != nil {
		r.onExpire(s)
	}
}

func (r *Registry) FindByClientID(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byClientID[id]
	return s, ok
}

func (r *Registry) FindBySessionID(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySessionID[id]
	return s, ok
}

func (r *Registry) FindByClientSessionID(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byClientSessionID[id]
	return s, ok
}

// IndexClientSessionID registers a session's freshly minted
// ClientSessionID. Called once, from the CHECK handler.
func (r *Registry) IndexClientSessionID(s *Session, id uuid.UUID) {
	r.mu.Lock()
	r.byClientSessionID[id] = s
	r.mu.Unlock()
}

// Remove drops clientID from all three indices and cancels its reaper.
// Idempotent: removing an already-removed or unknown ID is a no-op.
func (r *Registry) Remove(clientID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.byClientID[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClientID, clientID)
	delete(r.bySessionID, s.SessionID)
	if s.HasClientSessionID() {
		delete(r.byClientSessionID, s.ClientSessionID)
	}
	r.mu.Unlock()

	if s.reaper != nil {
		s.reaper.Stop()
	}
}

// Link cross-links widget and authenticator as peers of each other and
// advances both to their post-pairing states (widget: Activated,
// authenticator: Paired). Both must currently be unpaired. The whole
// operation, including the session-local field writes, runs under the
// registry lock so no partial pairing is ever observable.
func (r *Registry) Link(widget, authenticator *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	widget.mu.Lock()
	authenticator.mu.Lock()
	defer widget.mu.Unlock()
	defer authenticator.mu.Unlock()

	if widget.Peer != uuid.Nil || authenticator.Peer != uuid.Nil {
		return brokererr.New(brokererr.StateViolation, "session already paired")
	}
	widget.Peer = authenticator.ClientID
	authenticator.Peer = widget.ClientID
	widget.State = StateActivated
	authenticator.State = StatePaired
	return nil
}

func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("registry{sessions=%d}", len(r.byClientID))
}
