// Package challenge builds and checks the random-secret challenge the
// broker issues to an authenticator once a session has been paired.
package challenge

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pairbroker/broker/internal/brokercrypto"
	"github.com/pairbroker/broker/internal/chainclient"
)

// sigSeparator joins the decrypted secret hex and the signature hex in
// a CHALLENGE_SIGNED reply: decryptedHex + sigSeparator + signatureHex.
const sigSeparator = "|"

// CreateChallenge resolves alias's registry keys, draws a fresh 128-byte
// secret, and returns it alongside its RSA encryption (hex-encoded)
// under the user's publicKeyEnc. The caller is expected to hold secret
// and publicKeySign against the session until CheckChallenge runs.
func CreateChallenge(ctx context.Context, alias string, cc *chainclient.Client) (secret []byte, challengeHex string, publicKeySign *rsa.PublicKey, err error) {
	encPub, signPub, err := cc.GetUserPublicKeys(ctx, alias)
	if err != nil {
		return nil, "", nil, fmt.Errorf("challenge: resolve keys for %q: %w", alias, err)
	}
	secret, err = brokercrypto.RandomSecret()
	if err != nil {
		return nil, "", nil, fmt.Errorf("challenge: draw secret: %w", err)
	}
	ciphertext, err := brokercrypto.RSAEncrypt(encPub, secret)
	if err != nil {
		return nil, "", nil, fmt.Errorf("challenge: encrypt secret: %w", err)
	}
	return secret, hex.EncodeToString(ciphertext), signPub, nil
}

// CheckChallenge reports whether challengeSigned — shaped as
// decryptedHex|signatureHex — both reproduces secret and carries a valid
// signature over secret under publicKeySign. It never returns an error:
// any malformed or wrong response is simply a failed check, so the
// dispatcher can answer with a uniform access-denied outcome.
func CheckChallenge(secret []byte, publicKeySign *rsa.PublicKey, challengeSigned string) bool {
	parts := strings.SplitN(challengeSigned, sigSeparator, 2)
	if len(parts) != 2 {
		return false
	}
	decrypted, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	if len(decrypted) != len(secret) {
		return false
	}
	for i := range decrypted {
		if decrypted[i] != secret[i] {
			return false
		}
	}
	return brokercrypto.RSAVerify(publicKeySign, secret, sig)
}
