// Package connmgr owns the accept loop: one goroutine per accepted
// connection, a liveness ping/pong cycle per connection, and failure
// fanout to a session's peer on unexpected disconnect.
package connmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ivahaev/timer"

	"github.com/pairbroker/broker/internal/auditlog"
	"github.com/pairbroker/broker/internal/brokerlog"
	"github.com/pairbroker/broker/internal/brokermetrics"
	"github.com/pairbroker/broker/internal/proto"
	"github.com/pairbroker/broker/internal/registry"
	"github.com/pairbroker/broker/internal/transport"
)

// Conn is the slice of *transport.Conn a Handler needs: enough to write
// its own replies. Handlers never read from a Conn directly — the
// manager's accept loop owns reading and dispatches one frame at a
// time — so this stays narrow and easy to fake in tests.
type Conn interface {
	WriteFrame(payload []byte) error
}

// Handler processes one inbound frame for a session. Implementations
// are expected to write their own replies directly to conn and to push
// any frames destined for the session's peer through peers.SendTo,
// since the peer connection is typically owned by a different
// goroutine entirely.
type Handler interface {
	Handle(ctx context.Context, conn Conn, s *registry.Session, peers PeerSender, frame []byte) (closeAfter bool, err error)
}

// PeerSender delivers an out-of-band frame to whichever connection
// currently owns clientID, if any. Used for ACTIVATED, AUTH_RESULT, and
// CONNECTION_FAILED fanout across the two sides of a pairing.
type PeerSender interface {
	SendTo(clientID uuid.UUID, frame []byte) error
}

var ErrNoSuchConnection = errors.New("connmgr: no live connection for that client id")

const pingPeriod = 20 * time.Second

type connEntry struct {
	conn    *transport.Conn
	session *registry.Session
	ping    *timer.Timer
}

// Manager runs the accept loop and liveness pings over one Listener.
type Manager struct {
	ln      *transport.Listener
	reg     *registry.Registry
	handler Handler
	metrics *brokermetrics.Metrics
	audit   *auditlog.Log

	mu    sync.Mutex
	conns map[uuid.UUID]*connEntry
}

func New(ln *transport.Listener, reg *registry.Registry, handler Handler, metrics *brokermetrics.Metrics, audit *auditlog.Log) *Manager {
	return &Manager{
		ln:      ln,
		reg:     reg,
		handler: handler,
		metrics: metrics,
		audit:   audit,
		conns:   make(map[uuid.UUID]*connEntry),
	}
}

// Run accepts connections until ctx is cancelled or the listener fails.
func (m *Manager) Run(ctx context.Context) error {
	for {
		conn, err := m.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go m.serve(ctx, conn)
	}
}

// SendTo implements PeerSender.
func (m *Manager) SendTo(clientID uuid.UUID, frame []byte) error {
	m.mu.Lock()
	entry, ok := m.conns[clientID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSuchConnection
	}
	return entry.conn.WriteFrame(frame)
}

// CloseConn closes the live connection for clientID, if any. Its serve
// loop notices the closed stream on its next read and runs teardown
// itself; CloseConn only forces that read to fail promptly instead of
// waiting on the next liveness ping. A no-op if clientID has no
// connection open, e.g. it already disconnected.
func (m *Manager) CloseConn(clientID uuid.UUID) {
	m.mu.Lock()
	entry, ok := m.conns[clientID]
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.conn.Close()
}

func (m *Manager) serve(ctx context.Context, conn *transport.Conn) {
	first, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return
	}
	cmd, err := proto.PeekCommand(first)
	if err != nil {
		conn.Close()
		return
	}

	var role registry.Role
	switch cmd {
	case proto.CmdAuthInit:
		role = registry.RoleAuthenticator
	case proto.CmdCheck:
		role = registry.RoleWidget
	default:
		brokerlog.Event("connmgr: rejecting connection", brokerlog.Fields{"first_command": cmd})
		conn.Close()
		return
	}

	session := m.reg.Create(role)
	m.metrics.IncCreated()
	brokerlog.Event("connmgr: accepted connection", brokerlog.Fields{"role": role, "client_id": session.ClientID, "session_id": session.SessionID})

	entry := &connEntry{conn: conn, session: session}
	m.mu.Lock()
	m.conns[session.ClientID] = entry
	m.mu.Unlock()

	m.armPing(entry)

	defer m.teardown(entry)

	frame := first
	for {
		if proto.IsPong(frame) {
			session.SetAlive(true)
		} else {
			closeAfter, herr := m.handler.Handle(ctx, conn, session, m, frame)
			if herr != nil {
				brokerlog.Event("connmgr: handler error", brokerlog.Fields{"session_id": session.SessionID, "err": herr})
			}
			if closeAfter {
				return
			}
		}

		frame, err = conn.ReadFrame()
		if err != nil {
			return
		}
	}
}

func (m *Manager) armPing(entry *connEntry) {
	entry.ping = timer.AfterFunc(pingPeriod, func() { m.pingTick(entry) })
	entry.ping.Start()
}

func (m *Manager) pingTick(entry *connEntry) {
	if !entry.session.GetAlive() {
		entry.conn.Close()
		return
	}
	entry.session.SetAlive(false)
	if err := entry.conn.WriteFrame(proto.PingFrame()); err != nil {
		entry.conn.Close()
		return
	}
	entry.ping = timer.AfterFunc(pingPeriod, func() { m.pingTick(entry) })
	entry.ping.Start()
}

// teardown runs once the connection's read loop exits, for any reason.
// If the session never reached a terminal state, this was an
// unexpected disconnect: fan out CONNECTION_FAILED to its peer.
func (m *Manager) teardown(entry *connEntry) {
	m.mu.Lock()
	delete(m.conns, entry.session.ClientID)
	m.mu.Unlock()

	if entry.ping != nil {
		entry.ping.Stop()
	}
	entry.conn.Close()

	session := entry.session
	wasTerminal := session.GetState() == registry.StateDone
	m.reg.Remove(session.ClientID)
	m.metrics.DecActive()

	if wasTerminal {
		return
	}

	m.metrics.IncConnectionFailed()
	m.audit.Record(session.SessionID.String(), auditlog.OutcomeConnectionFailed, "unexpected disconnect")
	m.metrics.Recent().Add(brokermetrics.OutcomeHeader{SessionID: session.SessionID.String(), Outcome: auditlog.OutcomeConnectionFailed, At: time.Now()})

	peerID := session.GetPeer()
	if peerID == uuid.Nil {
		return
	}
	peer, ok := m.reg.FindByClientID(peerID)
	if !ok || peer.GetState() == registry.StateDone {
		return
	}
	payload, err := proto.Marshal(proto.NewConnectionFailedReply())
	if err != nil {
		return
	}
	if err := m.SendTo(peerID, payload); err != nil {
		brokerlog.EventRateLimited(peerID.String(), 5*time.Second, "connmgr: failed to notify peer of disconnect", brokerlog.Fields{"client_id": peerID, "err": err})
	}
	peer.SetState(registry.StateDone)
	m.reg.Remove(peerID)
}
