// Package broker wires the session registry, connection manager, and
// protocol dispatcher into one runnable server, the way the teacher's
// internal/daemon.Runner wires its node's connection manager and
// snapshot writer around a single long-lived struct.
package broker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pairbroker/broker/internal/auditlog"
	"github.com/pairbroker/broker/internal/brokerlog"
	"github.com/pairbroker/broker/internal/brokermetrics"
	"github.com/pairbroker/broker/internal/chainclient"
	"github.com/pairbroker/broker/internal/connmgr"
	"github.com/pairbroker/broker/internal/dispatcher"
	"github.com/pairbroker/broker/internal/proto"
	"github.com/pairbroker/broker/internal/registry"
	"github.com/pairbroker/broker/internal/transport"
)

const (
	// DefaultPort is the broker's listen port when Options.Port is zero.
	DefaultPort = 31313

	// DefaultAuthorizationWindow bounds how long an unpaired or unfinished
	// session may sit in the registry before it is reaped (§5), when
	// Options.AuthWindow is zero.
	DefaultAuthorizationWindow = 90 * time.Second

	// registryCacheTTL bounds how long a resolved alias's public keys
	// are trusted before chainclient re-queries the registry.
	registryCacheTTL = 30 * time.Second
)

// Options is the broker's closed set of construction parameters.
type Options struct {
	Debug      bool
	Port       int
	ProjectID  string // UUID string
	SecretCode string // base64-encoded AES-256 key
	Fields     string
	SSL        *transport.TLSMaterial

	Chain chainclient.ContractCaller

	// AuthWindow overrides DefaultAuthorizationWindow, mostly for tests
	// that need a session to expire promptly. Zero means the default.
	AuthWindow time.Duration

	// AuditPath, if set, is the append-only JSONL audit trail path. An
	// empty path discards audit entries.
	AuditPath string
	// MetricsPath, if set, is snapshotted periodically for the status
	// CLI to read; an empty path disables the writer.
	MetricsPath string

	OnUserValidate func(userData any) (userID string, err error)
	OnActivate     func(alias string)
	OnSuccess      func(dispatcher.AuthResult) (dispatcher.SuccessResponse, error)
}

// Broker owns one listener, its registry, and the connection manager
// driving the pairing protocol over it.
type Broker struct {
	opts    Options
	reg     *registry.Registry
	metrics *brokermetrics.Metrics
	audit   *auditlog.Log
	mgr     *connmgr.Manager
	ln      *transport.Listener
}

// New validates opts and assembles a Broker, but does not start
// listening; call Run for that.
func New(opts Options) (*Broker, error) {
	projectID, err := uuid.Parse(opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid ProjectID: %w", err)
	}
	secretCode, err := dispatcher.DecodeSecretCode(opts.SecretCode)
	if err != nil {
		return nil, err
	}
	if opts.OnSuccess == nil {
		return nil, fmt.Errorf("broker: OnSuccess is required")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("broker: Chain is required")
	}
	if opts.Debug {
		_ = os.Setenv("PAIRBROKER_DEBUG", "1")
	}

	metrics := brokermetrics.New()
	audit, err := auditlog.Open(opts.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("broker: open audit log: %w", err)
	}

	authWindow := opts.AuthWindow
	if authWindow <= 0 {
		authWindow = DefaultAuthorizationWindow
	}

	b := &Broker{opts: opts, metrics: metrics, audit: audit}

	b.reg = registry.New(authWindow, b.onExpire)
	chain := chainclient.New(opts.Chain, registryCacheTTL)

	cfg := dispatcher.Config{
		ProjectID:        projectID,
		SecretCode:       secretCode,
		Fields:           opts.Fields,
		ChainCallTimeout: authWindow,
		OnUserValidate:   opts.OnUserValidate,
		OnActivate:       opts.OnActivate,
		OnSuccess:        opts.OnSuccess,
	}
	d := dispatcher.New(cfg, b.reg, chain, metrics, audit)

	addr := fmt.Sprintf(":%d", opts.Port)
	ln, err := transport.Listen(addr, opts.SSL, projectID[:])
	if err != nil {
		return nil, fmt.Errorf("broker: listen: %w", err)
	}
	b.ln = ln
	b.mgr = connmgr.New(ln, b.reg, d, metrics, audit)

	return b, nil
}

// Addr returns the listener's bound address, useful when Port was 0 or
// an ephemeral test port was requested.
func (b *Broker) Addr() string {
	return b.ln.Addr()
}

// Run blocks accepting connections until ctx is cancelled, then closes
// the listener and returns.
func (b *Broker) Run(ctx context.Context) error {
	if b.opts.MetricsPath != "" {
		go b.runSnapshotWriter(ctx)
	}
	err := b.mgr.Run(ctx)
	b.ln.Close()
	return err
}

func (b *Broker) runSnapshotWriter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.metrics.WriteSnapshot(b.opts.MetricsPath)
		}
	}
}

// Metrics exposes the running broker's counters, used by the status
// and metrics CLI subcommands.
func (b *Broker) Metrics() brokermetrics.Snapshot {
	return b.metrics.Snapshot()
}

// onExpire runs when a session's authorization window lapses without
// having reached a terminal state. It fans out CONNECTION_FAILED to the
// peer, the way an unexpected disconnect does in connmgr.teardown, and
// closes both connections rather than leaving them for the liveness
// ping cycle to eventually notice.
func (b *Broker) onExpire(s *registry.Session) {
	if s.GetState() == registry.StateDone {
		return
	}
	b.metrics.IncTimedOut()
	b.audit.Record(s.SessionID.String(), auditlog.OutcomeTimedOut, "authorization window expired")
	b.metrics.Recent().Add(brokermetrics.OutcomeHeader{SessionID: s.SessionID.String(), Outcome: auditlog.OutcomeTimedOut, At: time.Now()})
	s.SetState(registry.StateDone)
	b.mgr.CloseConn(s.ClientID)

	peerID := s.GetPeer()
	if peerID == uuid.Nil {
		return
	}
	peer, ok := b.reg.FindByClientID(peerID)
	if !ok || peer.GetState() == registry.StateDone {
		return
	}
	payload, err := proto.Marshal(proto.NewConnectionFailedReply())
	if err == nil {
		if err := b.mgr.SendTo(peerID, payload); err != nil {
			brokerlog.EventRateLimited(peerID.String(), 5*time.Second, "broker: failed to notify peer of expiry", brokerlog.Fields{"client_id": peerID, "err": err})
		}
	}
	peer.SetState(registry.StateDone)
	b.mgr.CloseConn(peerID)
}
