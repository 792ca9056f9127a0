// Package transport wraps QUIC connections into the broker's
// bidirectional frame channel: one stream per connection, frames
// encoded by internal/proto. Adapted from the teacher's QUIC listener
// wrapper — same accept-loop shape, generalized from a peer-to-peer
// gossip channel to a single-stream request/response channel.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/quic-go/quic-go"

	"github.com/pairbroker/broker/internal/proto"
)

// TLSMaterial is operator-supplied certificate material, equivalent to
// the broker's "ssl" construction option.
type TLSMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Listener accepts connections and hands back one Conn per accepted
// QUIC session.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr. If ssl is nil, an ephemeral
// self-signed certificate is generated whose key is derived
// deterministically from seed (the broker's ProjectID bytes), so
// repeated startups with the same project present the same key (the
// certificate bytes themselves differ per startup), matching the
// teacher's devTLSCert approach of a no-operator-action-required default.
func Listen(addr string, ssl *TLSMaterial, seed []byte) (*Listener, error) {
	tlsConf, err := buildTLSConfig(ssl, seed)
	if err != nil {
		return nil, fmt.Errorf("transport: build TLS config: %w", err)
	}
	ql, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

func (l *Listener) Addr() string { return l.ql.Addr().String() }

func (l *Listener) Close() error { return l.ql.Close() }

// Accept blocks for the next incoming connection and opens its single
// bidirectional stream.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return &Conn{qc: qc, stream: stream}, nil
}

// Dial opens a connection to addr and its single bidirectional stream.
// serverName is matched against the server's certificate unless
// insecureSkipVerify is set (as the tests do against the broker's
// ephemeral self-signed default cert).
func Dial(ctx context.Context, addr, serverName string, insecureSkipVerify bool) (*Conn, error) {
	tlsConf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{"pairbroker"},
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return &Conn{qc: qc, stream: stream}, nil
}

// Conn is one accepted or dialed connection's single message stream.
// Reads and writes are each serialized independently; the connection
// manager's serve loop is the only reader, while pings and replies may
// both write.
type Conn struct {
	qc     *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
}

// ReadFrame blocks for the next length-prefixed JSON payload.
func (c *Conn) ReadFrame() ([]byte, error) {
	return proto.ReadFrame(c.stream)
}

// WriteFrame writes payload as one length-prefixed frame. Safe for
// concurrent use by multiple goroutines on the same Conn.
func (c *Conn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return proto.WriteFrame(c.stream, payload)
}

// Close tears down the stream and the underlying QUIC connection.
func (c *Conn) Close() error {
	_ = c.stream.Close()
	return c.qc.CloseWithError(0, "closed")
}

// RemoteAddr identifies the peer, for logging.
func (c *Conn) RemoteAddr() string {
	return c.qc.RemoteAddr().String()
}

// buildTLSConfig returns operator-supplied material if present, else an
// ephemeral self-signed certificate whose key is derived from seed.
func buildTLSConfig(ssl *TLSMaterial, seed []byte) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if ssl != nil {
		cert, err = tls.X509KeyPair(ssl.CertPEM, ssl.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse supplied certificate: %w", err)
		}
	} else {
		cert, err = ephemeralCert(seed)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral certificate: %w", err)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"pairbroker"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// deriveKey deterministically derives an ECDSA P-256 key from seed via
// HKDF-SHA256, so that restarting the broker with the same ProjectID
// reproduces the same default key instead of a fresh one on every boot.
func deriveKey(seed []byte) (*ecdsa.PrivateKey, error) {
	kdf := hkdf.New(sha256.New, seed, []byte("pairbroker-tls-seed"), []byte("ephemeral-cert"))
	keyBytes := make([]byte, 40)
	if _, err := io.ReadFull(kdf, keyBytes); err != nil {
		return nil, err
	}

	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P256()
	priv.D = new(big.Int).SetBytes(keyBytes)
	priv.D.Mod(priv.D, priv.Curve.Params().N)
	priv.PublicKey.X, priv.PublicKey.Y = priv.Curve.ScalarBaseMult(priv.D.Bytes())
	return priv, nil
}

// ephemeralCert builds the broker's default self-signed certificate.
// The key is deterministic (see deriveKey); the certificate's signature
// is not, since ECDSA signing draws fresh randomness each time.
func ephemeralCert(seed []byte) (tls.Certificate, error) {
	priv, err := deriveKey(seed)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pairbroker-ephemeral"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
