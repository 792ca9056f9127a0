package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pairbroker/broker/internal/brokercrypto"
	"github.com/pairbroker/broker/internal/dispatcher"
	"github.com/pairbroker/broker/internal/proto"
	"github.com/pairbroker/broker/internal/transport"
)

func validOptions(chain *stubChain) Options {
	return Options{
		Port:       0,
		ProjectID:  uuid.New().String(),
		SecretCode: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		Fields:     "email",
		Chain:      chain,
		OnSuccess: func(r dispatcher.AuthResult) (dispatcher.SuccessResponse, error) {
			return dispatcher.SuccessResponse{Token: "tok", LinkedID: "linked"}, nil
		},
	}
}

func TestNewRejectsBadProjectID(t *testing.T) {
	opts := validOptions(newStubChain())
	opts.ProjectID = "not-a-uuid"
	if _, err := New(opts); err == nil {
		t.Fatalf("expected error for invalid ProjectID")
	}
}

func TestNewRejectsBadSecretCode(t *testing.T) {
	opts := validOptions(newStubChain())
	opts.SecretCode = "not-base64!!"
	if _, err := New(opts); err == nil {
		t.Fatalf("expected error for invalid SecretCode")
	}
}

func TestNewRejectsMissingOnSuccess(t *testing.T) {
	opts := validOptions(newStubChain())
	opts.OnSuccess = nil
	if _, err := New(opts); err == nil {
		t.Fatalf("expected error for missing OnSuccess")
	}
}

func TestNewRejectsMissingChain(t *testing.T) {
	opts := validOptions(newStubChain())
	opts.Chain = nil
	if _, err := New(opts); err == nil {
		t.Fatalf("expected error for missing Chain")
	}
}

// stubChain is a ContractCaller returning one fixed alias's key pair
// for every lookup, enough to exercise the broker end-to-end without a
// real blockchain RPC endpoint.
type stubChain struct {
	encPriv, signPriv *rsa.PrivateKey
}

func newStubChain() *stubChain {
	return &stubChain{}
}

func (s *stubChain) fill(t *testing.T) {
	t.Helper()
	var err error
	s.encPriv, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate enc key: %v", err)
	}
	s.signPriv, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate sign key: %v", err)
	}
}

func (s *stubChain) GetRecordHashed(ctx context.Context, aliasHash [32]byte, names [][32]byte) ([]byte, error) {
	if s.encPriv == nil {
		return nil, nil
	}
	mixed := append([]byte{}, modBytes(s.encPriv)...)
	mixed = append(mixed, modBytes(s.signPriv)...)
	return mixed, nil
}

func modBytes(priv *rsa.PrivateKey) []byte {
	n := priv.PublicKey.N.Bytes()
	if len(n) == brokercrypto.RSAModulusBytes {
		return n
	}
	padded := make([]byte, brokercrypto.RSAModulusBytes)
	copy(padded[brokercrypto.RSAModulusBytes-len(n):], n)
	return padded
}

func TestRunAcceptsConnectionsAndRunsAuthInit(t *testing.T) {
	chain := newStubChain()
	chain.fill(t)
	opts := validOptions(chain)
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, err := transport.Dial(dialCtx, b.Addr(), "pairbroker-ephemeral", true)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	initFrame, _ := proto.Marshal(proto.AuthInitMsg{Cmd: proto.CmdAuthInit})
	if err := conn.WriteFrame(initFrame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	cmd, err := proto.PeekCommand(reply)
	if err != nil {
		t.Fatalf("PeekCommand: %v", err)
	}
	if cmd != proto.CmdAuthInit {
		t.Fatalf("expected AUTH_INIT reply, got %q", cmd)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

// TestExpiryNotifiesPeerAndClosesBothConnections pairs a widget and an
// authenticator, then lets the authenticator's authorization window
// lapse without ever sending HELLO. The widget must receive
// CONNECTION_FAILED and both sockets must be closed by the broker
// itself, not left for the liveness ping cycle to notice later.
func TestExpiryNotifiesPeerAndClosesBothConnections(t *testing.T) {
	chain := newStubChain()
	chain.fill(t)
	opts := validOptions(chain)
	opts.AuthWindow = 300 * time.Millisecond
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	authConn, err := transport.Dial(dialCtx, b.Addr(), "pairbroker-ephemeral", true)
	if err != nil {
		t.Fatalf("dial authenticator: %v", err)
	}
	defer authConn.Close()

	initFrame, _ := proto.Marshal(proto.AuthInitMsg{Cmd: proto.CmdAuthInit})
	if err := authConn.WriteFrame(initFrame); err != nil {
		t.Fatalf("write AUTH_INIT: %v", err)
	}
	authInitReply, err := authConn.ReadFrame()
	if err != nil {
		t.Fatalf("read AUTH_INIT reply: %v", err)
	}
	var initPayload proto.AuthInitReply
	if err := json.Unmarshal(authInitReply, &initPayload); err != nil {
		t.Fatalf("unmarshal AUTH_INIT reply: %v", err)
	}

	widgetConn, err := transport.Dial(dialCtx, b.Addr(), "pairbroker-ephemeral", true)
	if err != nil {
		t.Fatalf("dial widget: %v", err)
	}
	defer widgetConn.Close()

	// The widget's session_id in CHECK is the plaintext session id the
	// authenticator was assigned, not the encrypted token; decrypt it
	// the way a real widget would after receiving it out of band.
	sessionID, err := brokercryptoDecrypt(opts.SecretCode, initPayload.Payload.Token)
	if err != nil {
		t.Fatalf("decrypt session token: %v", err)
	}
	checkFrame, _ := proto.Marshal(proto.CheckMsg{Cmd: proto.CmdCheck, SessionID: sessionID, Alias: "alice"})
	if err := widgetConn.WriteFrame(checkFrame); err != nil {
		t.Fatalf("write CHECK: %v", err)
	}
	readyReply, err := widgetConn.ReadFrame()
	if err != nil {
		t.Fatalf("read READY: %v", err)
	}
	if cmd, _ := proto.PeekCommand(readyReply); cmd != proto.CmdReady {
		t.Fatalf("expected READY, got %q", cmd)
	}

	activatedReply, err := authConn.ReadFrame()
	if err != nil {
		t.Fatalf("read ACTIVATED: %v", err)
	}
	if cmd, _ := proto.PeekCommand(activatedReply); cmd != proto.CmdActivated {
		t.Fatalf("expected ACTIVATED, got %q", cmd)
	}

	// Never send HELLO: let the authenticator's authorization window
	// lapse and drive onExpire's peer fanout.
	failReply, err := readWithDeadline(t, widgetConn, 5*time.Second)
	if err != nil {
		t.Fatalf("expected widget to receive CONNECTION_FAILED before its own connection closed: %v", err)
	}
	if cmd, _ := proto.PeekCommand(failReply); cmd != proto.CmdConnectionFailed {
		t.Fatalf("expected CONNECTION_FAILED, got %q", cmd)
	}

	// Both sockets should now be torn down by the broker; a further read
	// on either must fail rather than hang.
	if _, err := readWithDeadline(t, widgetConn, 5*time.Second); err == nil {
		t.Fatalf("expected widget connection to be closed after expiry")
	}
	if _, err := readWithDeadline(t, authConn, 5*time.Second); err == nil {
		t.Fatalf("expected authenticator connection to be closed after expiry")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

func readWithDeadline(t *testing.T, conn *transport.Conn, timeout time.Duration) ([]byte, error) {
	t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		ch <- result{frame, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for frame")
		return nil, nil
	}
}

func brokercryptoDecrypt(secretCodeB64 string, token string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secretCodeB64)
	if err != nil {
		return "", err
	}
	plain, err := brokercrypto.AESDecrypt(token, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
