// Package chainclient resolves a user alias to the pair of RSA public
// keys anchored for it in the blockchain registry. The JSON-RPC wire
// format and contract ABI decoding are an external collaborator's
// concern (ContractCaller); this package only knows the single read
// method the broker needs and how to split its result.
package chainclient

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pairbroker/broker/internal/brokercrypto"
)

const (
	suffixPublicEnc  = ":publicEnc"
	suffixPublicSign = ":publicSign"

	// mixedResultLen is 2*256 bytes: the encryption modulus followed by
	// the signing modulus, each RSA-2048 width.
	mixedResultLen = 2 * brokercrypto.RSAModulusBytes
)

var ErrUserNotFound = errors.New("chainclient: user not found")

// ContractCaller is the one read-only contract method this broker
// consumes. Its concrete JSON-RPC transport and ABI decoding live
// outside this module.
type ContractCaller interface {
	GetRecordHashed(ctx context.Context, aliasHash [32]byte, names [][32]byte) (mixedResult []byte, err error)
}

type cacheEntry struct {
	encPub, signPub *rsa.PublicKey
	expiresAt       time.Time
}

// Client caches resolved key pairs for a short TTL to bound RPC
// round-trips within a single authorization window.
type Client struct {
	caller ContractCaller
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(caller ContractCaller, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Client{caller: caller, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// GetUserPublicKeys resolves alias to its encryption and signing public
// keys. It returns ErrUserNotFound if the registry has no record for
// alias.
func (c *Client) GetUserPublicKeys(ctx context.Context, alias string) (encPub, signPub *rsa.PublicKey, err error) {
	key := brokercrypto.SHA256Hex([]byte(alias))

	c.mu.Lock()
	if ent, ok := c.cache[key]; ok && time.Now().Before(ent.expiresAt) {
		c.mu.Unlock()
		return ent.encPub, ent.signPub, nil
	}
	c.mu.Unlock()

	aliasHash := sha256.Sum256([]byte(alias))
	names := [][32]byte{
		recordNameHash(alias, suffixPublicEnc),
		recordNameHash(alias, suffixPublicSign),
	}
	mixed, err := c.caller.GetRecordHashed(ctx, aliasHash, names)
	if err != nil {
		return nil, nil, fmt.Errorf("chainclient: registry lookup failed: %w", err)
	}
	if len(mixed) == 0 {
		return nil, nil, ErrUserNotFound
	}
	if len(mixed) != mixedResultLen {
		return nil, nil, fmt.Errorf("chainclient: unexpected mixed result length %d", len(mixed))
	}
	encPub, err = brokercrypto.RSAPublicFromModulus(mixed[:brokercrypto.RSAModulusBytes])
	if err != nil {
		return nil, nil, fmt.Errorf("chainclient: bad encryption key: %w", err)
	}
	signPub, err = brokercrypto.RSAPublicFromModulus(mixed[brokercrypto.RSAModulusBytes:])
	if err != nil {
		return nil, nil, fmt.Errorf("chainclient: bad signing key: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{encPub: encPub, signPub: signPub, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return encPub, signPub, nil
}

func recordNameHash(alias, suffix string) [32]byte {
	return sha256.Sum256([]byte(alias + suffix))
}
