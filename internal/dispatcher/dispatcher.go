// Package dispatcher implements the pairing state machine: it parses
// inbound command envelopes, enforces INIT -> CHECK -> HELLO -> AUTH,
// cross-links the widget and authenticator sides of a session, and
// finalizes every session with exactly one terminal response.
//
// The reference behavior closes the authenticator's connection right
// after AUTH_INIT and expects it to reconnect for HELLO/AUTH. This
// broker instead keeps a single persistent connection per side for the
// whole pairing — an alternative the design notes explicitly permit as
// long as peer is established before CHALLENGE — which avoids the
// reference's second-connection reattachment dance entirely.
package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pairbroker/broker/internal/auditlog"
	"github.com/pairbroker/broker/internal/brokercrypto"
	"github.com/pairbroker/broker/internal/brokererr"
	"github.com/pairbroker/broker/internal/brokerlog"
	"github.com/pairbroker/broker/internal/brokermetrics"
	"github.com/pairbroker/broker/internal/chainclient"
	"github.com/pairbroker/broker/internal/challenge"
	"github.com/pairbroker/broker/internal/connmgr"
	"github.com/pairbroker/broker/internal/proto"
	"github.com/pairbroker/broker/internal/registry"
)

// AuthResult is passed to OnSuccess once a session's AUTH has been
// verified against its challenge.
type AuthResult struct {
	Alias            string
	Fields           string
	CurrentUserToken string
}

// SuccessResponse is what OnSuccess hands back to mint the widget's
// final token.
type SuccessResponse struct {
	Token    string
	LinkedID string
}

// Config is the closed set of construction parameters the dispatcher
// needs from broker.Options.
type Config struct {
	ProjectID  uuid.UUID
	SecretCode []byte // decoded AES-256 key
	Fields     string

	// ChainCallTimeout bounds the blockchain registry lookup inside
	// challenge construction. Zero means no bound.
	ChainCallTimeout time.Duration

	OnUserValidate func(userData any) (userID string, err error)
	// OnActivate is part of the closed construction-parameter set and
	// is deliberately never invoked, matching the reference.
	OnActivate func(alias string)
	OnSuccess  func(AuthResult) (SuccessResponse, error)
}

// Dispatcher implements connmgr.Handler.
type Dispatcher struct {
	cfg     Config
	reg     *registry.Registry
	chain   *chainclient.Client
	metrics *brokermetrics.Metrics
	audit   *auditlog.Log
}

func New(cfg Config, reg *registry.Registry, chain *chainclient.Client, metrics *brokermetrics.Metrics, audit *auditlog.Log) *Dispatcher {
	return &Dispatcher{cfg: cfg, reg: reg, chain: chain, metrics: metrics, audit: audit}
}

var _ connmgr.Handler = (*Dispatcher)(nil)

// Handle dispatches one inbound frame. Any error is terminal for this
// session's connection: an ERROR envelope has already been written to
// conn when Handle returns a non-nil error alongside closeAfter=true.
func (d *Dispatcher) Handle(ctx context.Context, conn connmgr.Conn, s *registry.Session, peers connmgr.PeerSender, frame []byte) (closeAfter bool, err error) {
	cmd, err := proto.PeekCommand(frame)
	if err != nil {
		return d.fail(conn, s, peers, brokererr.Wrap(brokererr.BadInput, "malformed envelope", err))
	}

	switch cmd {
	case proto.CmdAuthInit:
		return d.handleAuthInit(conn, s, peers)
	case proto.CmdCurrentUserToken:
		return d.handleCurrentUserToken(conn, s, peers, frame)
	case proto.CmdHello:
		return d.handleHello(ctx, conn, s, peers, frame)
	case proto.CmdAuth:
		return d.handleAuth(conn, s, peers, frame)
	case proto.CmdAuthDeclined:
		return d.handleAuthDeclined(conn, s, peers)
	case proto.CmdCheck:
		return d.handleCheck(conn, s, peers, frame)
	default:
		return d.fail(conn, s, peers, brokererr.New(brokererr.BadInput, fmt.Sprintf("unknown command %q", cmd)))
	}
}

func (d *Dispatcher) handleAuthInit(conn connmgr.Conn, s *registry.Session, peers connmgr.PeerSender) (bool, error) {
	if s.Role != registry.RoleAuthenticator || s.GetState() != registry.StateNew {
		return d.fail(conn, s, peers, brokererr.New(brokererr.StateViolation, "AUTH_INIT is only valid as the first message on a new authenticator connection"))
	}
	token, err := brokercrypto.AESEncrypt([]byte(s.SessionID.String()), d.cfg.SecretCode)
	if err != nil {
		return d.fail(conn, s, peers, brokererr.Wrap(brokererr.CryptoFailure, "failed to wrap session token", err))
	}
	reply := proto.NewAuthInitReply(d.cfg.ProjectID.String(), token)
	if err := d.send(conn, reply); err != nil {
		return true, err
	}
	s.SetState(registry.StateInited)
	return false, nil
}

func (d *Dispatcher) handleCurrentUserToken(conn connmgr.Conn, s *registry.Session, peers connmgr.PeerSender, frame []byte) (bool, error) {
	var msg proto.CurrentUserTokenMsg
	if err := decode(frame, &msg); err != nil {
		return d.fail(conn, s, peers, brokererr.Wrap(brokererr.BadInput, "malformed CURRENT_USER_TOKEN", err))
	}
	s.CurrentUserToken = msg.Payload
	return false, nil
}

func (d *Dispatcher) handleCheck(conn connmgr.Conn, widget *registry.Session, peers connmgr.PeerSender, frame []byte) (bool, error) {
	if widget.Role != registry.RoleWidget || widget.GetState() != registry.StateNew {
		return d.fail(conn, widget, peers, brokererr.New(brokererr.StateViolation, "session is already activated"))
	}
	var msg proto.CheckMsg
	if err := decode(frame, &msg); err != nil {
		return d.fail(conn, widget, peers, brokererr.Wrap(brokererr.BadInput, "malformed CHECK", err))
	}
	sessionID, err := uuid.Parse(msg.SessionID)
	if err != nil {
		return d.fail(conn, widget, peers, brokererr.New(brokererr.BadInput, "malformed session_id"))
	}
	authSession, ok := d.reg.FindBySessionID(sessionID)
	if !ok || authSession.Role != registry.RoleAuthenticator || authSession.GetState() != registry.StateInited {
		return d.fail(conn, widget, peers, brokererr.New(brokererr.BadInput, "session not found"))
	}

	if d.cfg.OnUserValidate != nil {
		userID, err := d.cfg.OnUserValidate(msg.Alias)
		if err != nil {
			return d.fail(conn, widget, peers, brokererr.Wrap(brokererr.UpstreamFailure, "user validation failed", err))
		}
		widget.UserID = userID
	}

	widget.Alias = msg.Alias
	widget.ClientSessionID = uuid.New()
	d.reg.IndexClientSessionID(widget, widget.ClientSessionID)

	if err := d.reg.Link(widget, authSession); err != nil {
		return d.fail(conn, widget, peers, err)
	}

	if err := d.send(conn, proto.NewReadyReply(widget.ClientSessionID.String())); err != nil {
		return true, err
	}
	activated, _ := proto.Marshal(proto.NewActivatedReply())
	if err := peers.SendTo(authSession.ClientID, activated); err != nil {
		brokerlog.EventRateLimited(authSession.ClientID.String(), 5*time.Second, "dispatcher: could not deliver ACTIVATED", brokerlog.Fields{"client_id": authSession.ClientID, "err": err})
	}
	return false, nil
}

func (d *Dispatcher) handleHello(ctx context.Context, conn connmgr.Conn, auth *registry.Session, peers connmgr.PeerSender, frame []byte) (bool, error) {
	if auth.Role != registry.RoleAuthenticator || auth.GetState() != registry.StatePaired {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.StateViolation, "HELLO is only valid once the peer widget has activated"))
	}
	var msg proto.HelloMsg
	if err := decode(frame, &msg); err != nil {
		return d.fail(conn, auth, peers, brokererr.Wrap(brokererr.BadInput, "malformed HELLO", err))
	}
	clientSessionID, err := uuid.Parse(msg.SessionID)
	if err != nil {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.BadInput, "malformed session_id"))
	}
	widget, ok := d.reg.FindByClientSessionID(clientSessionID)
	if !ok || widget.ClientID != auth.GetPeer() {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.PeerMismatch, "client_session_id does not match the paired widget"))
	}
	if widget.Alias != msg.Alias {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.PeerMismatch, "alias does not match the activated widget"))
	}

	if d.cfg.ChainCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ChainCallTimeout)
		defer cancel()
	}
	secret, challengeHex, publicKeySign, err := challenge.CreateChallenge(ctx, msg.Alias, d.chain)
	if err != nil {
		if errors.Is(err, chainclient.ErrUserNotFound) {
			return d.fail(conn, auth, peers, brokererr.Wrap(brokererr.UserNotFound, "user not found", err))
		}
		return d.fail(conn, auth, peers, brokererr.Wrap(brokererr.UpstreamFailure, "failed to build challenge", err))
	}
	auth.Secret = secret
	auth.PublicKeySign = publicKeySign
	auth.Alias = msg.Alias

	if err := d.send(conn, proto.NewChallengeReply(challengeHex, d.cfg.Fields)); err != nil {
		return true, err
	}
	auth.SetState(registry.StateChallenged)
	return false, nil
}

func (d *Dispatcher) handleAuth(conn connmgr.Conn, auth *registry.Session, peers connmgr.PeerSender, frame []byte) (bool, error) {
	if auth.Role != registry.RoleAuthenticator || auth.GetState() != registry.StateChallenged {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.StateViolation, "AUTH is only valid after a CHALLENGE has been issued"))
	}
	var msg proto.AuthMsg
	if err := decode(frame, &msg); err != nil {
		return d.fail(conn, auth, peers, brokererr.Wrap(brokererr.BadInput, "malformed AUTH", err))
	}
	if msg.Alias != auth.Alias {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.PeerMismatch, "user alias do not match"))
	}
	if !challenge.CheckChallenge(auth.Secret, auth.PublicKeySign, msg.ChallengeSigned) {
		return d.fail(conn, auth, peers, brokererr.New(brokererr.CryptoFailure, "access denied"))
	}

	result := AuthResult{Alias: auth.Alias, Fields: msg.Fields, CurrentUserToken: auth.CurrentUserToken}
	success, err := d.cfg.OnSuccess(result)
	if err != nil {
		return d.fail(conn, auth, peers, brokererr.Wrap(brokererr.UpstreamFailure, "application rejected the authenticated user", err))
	}

	widget, ok := d.reg.FindByClientID(auth.GetPeer())
	reply := proto.NewAuthResultReply("welcome", success.Token, success.LinkedID)
	if err := d.send(conn, reply); err != nil {
		return true, err
	}
	auth.SetState(registry.StateDone)
	d.metrics.IncAuthSucceeded()
	d.audit.Record(auth.SessionID.String(), auditlog.OutcomeAuthSucceeded, "")
	d.metrics.Recent().Add(brokermetrics.OutcomeHeader{SessionID: auth.SessionID.String(), Outcome: auditlog.OutcomeAuthSucceeded, At: time.Now()})

	if ok {
		payload, _ := proto.Marshal(reply)
		if err := peers.SendTo(widget.ClientID, payload); err != nil {
			brokerlog.EventRateLimited(widget.ClientID.String(), 5*time.Second, "dispatcher: could not deliver AUTH_RESULT", brokerlog.Fields{"client_id": widget.ClientID, "err": err})
		}
		widget.SetState(registry.StateDone)
	}
	return true, nil
}

func (d *Dispatcher) handleAuthDeclined(conn connmgr.Conn, s *registry.Session, peers connmgr.PeerSender) (bool, error) {
	if err := d.send(conn, proto.NewAuthDeclinedReply()); err != nil {
		return true, err
	}
	s.SetState(registry.StateDone)
	d.metrics.IncAuthDeclined()
	d.audit.Record(s.SessionID.String(), auditlog.OutcomeAuthDeclined, "")
	d.metrics.Recent().Add(brokermetrics.OutcomeHeader{SessionID: s.SessionID.String(), Outcome: auditlog.OutcomeAuthDeclined, At: time.Now()})

	if peerID := s.GetPeer(); peerID != uuid.Nil {
		if peer, ok := d.reg.FindByClientID(peerID); ok && peer.GetState() != registry.StateDone {
			payload, _ := proto.Marshal(proto.NewAuthDeclinedReply())
			if err := peers.SendTo(peerID, payload); err != nil {
				brokerlog.EventRateLimited(peerID.String(), 5*time.Second, "dispatcher: could not deliver AUTH_DECLINED", brokerlog.Fields{"client_id": peerID, "err": err})
			}
			peer.SetState(registry.StateDone)
		}
	}
	return true, nil
}

// fail sends an ERROR envelope with the error's message and always
// terminates the connection: the broker never retries. PeerMismatch and
// CryptoFailure also terminate the paired peer's session, delivering it
// the same ERROR envelope rather than leaving it to discover the failure
// only via its own authorization-window timeout.
func (d *Dispatcher) fail(conn connmgr.Conn, s *registry.Session, peers connmgr.PeerSender, cause error) (bool, error) {
	msg := cause.Error()
	var kind brokererr.Kind
	if be, ok := cause.(*brokererr.Error); ok {
		msg = be.Message
		kind = be.Kind
	}
	_ = d.send(conn, proto.NewErrorReply(msg))
	s.SetState(registry.StateDone)
	d.metrics.IncAuthFailed()
	d.audit.Record(s.SessionID.String(), auditlog.OutcomeAuthFailed, msg)
	d.metrics.Recent().Add(brokermetrics.OutcomeHeader{SessionID: s.SessionID.String(), Outcome: auditlog.OutcomeAuthFailed, At: time.Now()})

	if kind == brokererr.PeerMismatch || kind == brokererr.CryptoFailure {
		if peerID := s.GetPeer(); peerID != uuid.Nil && peers != nil {
			if peer, ok := d.reg.FindByClientID(peerID); ok && peer.GetState() != registry.StateDone {
				payload, _ := proto.Marshal(proto.NewErrorReply(msg))
				if err := peers.SendTo(peerID, payload); err != nil {
					brokerlog.EventRateLimited(peerID.String(), 5*time.Second, "dispatcher: could not deliver ERROR", brokerlog.Fields{"client_id": peerID, "err": err})
				}
				peer.SetState(registry.StateDone)
			}
		}
	}
	return true, cause
}

func (d *Dispatcher) send(conn connmgr.Conn, v any) error {
	payload, err := proto.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteFrame(payload)
}

func decode(frame []byte, v any) error {
	return json.Unmarshal(frame, v)
}

// DecodeSecretCode base64-decodes the broker's AES-256 secret code, as
// supplied in broker.Options.
func DecodeSecretCode(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: malformed secret code: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("dispatcher: secret code must decode to 32 bytes (AES-256), got %d", len(key))
	}
	return key, nil
}
