package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

/*
DevAttestor protocol design

A challenge-response attestation stand-in for local development and CI,
where no CVM guest and no attestation binary are available. It proves the
caller controls a private key; it proves nothing about the execution
environment.

Protocol:
 1. Generate a challenge: timestamp (unix seconds) + 32-byte nonce, joined
    as "<timestamp>-<nonce_hex>".
 2. Compute message = keccak256(appData || "-" || challenge || "-" ||
    publicKey_hex).
 3. Sign message with the dev private key (65-byte recoverable signature).
 4. Token is "<challenge>.<signature_hex>" — opaque to everything except
    VerifyDevToken, which parses it back out.

Suitable for development and tests only: it does not attest to a TEE, an
image digest, or boot state, and appData is never checked against the
pcrSelector (DevAttestor has no PCRs to quote).
*/

const (
	// devChallengeWindow bounds how old a freshly minted token's challenge
	// may be when re-validated; tokens here are minted and consumed
	// in-process so this mostly guards against clock skew in tests.
	devChallengeWindow = 5 * time.Minute

	// devNonceLength is the nonce size in bytes before hex encoding.
	devNonceLength = 32
)

// DevAttestor mints ECDSA challenge-response tokens using a fixed signing
// key. It implements Attestor for local and CI use.
type DevAttestor struct {
	privateKey *ecdsa.PrivateKey
}

// NewDevAttestor returns a DevAttestor signing with privateKey.
func NewDevAttestor(privateKey *ecdsa.PrivateKey) *DevAttestor {
	return &DevAttestor{privateKey: privateKey}
}

// Attest ignores pcrSelector and endpoint and mints a signed challenge
// token binding appData to the configured dev key.
func (d *DevAttestor) Attest(_ context.Context, appData []byte, _ uint32, _ string) (Token, error) {
	nonce := make([]byte, devNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("dev attestor: generate nonce: %w", err)
	}

	challenge := fmt.Sprintf("%d-%s", time.Now().Unix(), hex.EncodeToString(nonce))

	message := devSignedMessage(appData, challenge, publicKeyHex(&d.privateKey.PublicKey))
	signature, err := crypto.Sign(message, d.privateKey)
	if err != nil {
		return nil, fmt.Errorf("dev attestor: sign: %w", err)
	}

	return Token(fmt.Sprintf("%s.%s", challenge, hex.EncodeToString(signature))), nil
}

// VerifyDevToken checks a token minted by DevAttestor.Attest against appData
// and expectedPublicKey, returning nil only if the challenge is within the
// validity window and the signature verifies under that key. Used in tests
// and by a local-mode KMS stand-in that wants to assert the caller held the
// expected dev key.
func VerifyDevToken(appData []byte, token Token, expectedPublicKey []byte) error {
	challenge, sigHex, err := splitDevToken(string(token))
	if err != nil {
		return err
	}

	timestamp, _, err := parseDevChallenge(challenge)
	if err != nil {
		return fmt.Errorf("dev attestor: %w", err)
	}

	age := time.Since(time.Unix(timestamp, 0))
	if age < 0 || age > devChallengeWindow {
		return fmt.Errorf("dev attestor: challenge outside validity window (age %v)", age)
	}

	signature, err := hex.DecodeString(sigHex)
	if err != nil || len(signature) != 65 {
		return fmt.Errorf("dev attestor: malformed signature")
	}

	message := devSignedMessage(appData, challenge, publicKeyHexBytes(expectedPublicKey))
	if !crypto.VerifySignature(expectedPublicKey, message, signature[:64]) {
		return fmt.Errorf("dev attestor: signature verification failed")
	}

	return nil
}

func devSignedMessage(appData []byte, challenge string, publicKeyHex string) []byte {
	payload := fmt.Sprintf("%s-%s-%s", appData, challenge, publicKeyHex)
	return crypto.Keccak256([]byte(payload))
}

func publicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(pub))
}

func publicKeyHexBytes(pub []byte) string {
	return hex.EncodeToString(pub)
}

func splitDevToken(token string) (challenge string, signatureHex string, err error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("dev attestor: malformed token")
}

func parseDevChallenge(challenge string) (int64, string, error) {
	var timestamp int64
	var nonce string
	n, err := fmt.Sscanf(challenge, "%d-%s", &timestamp, &nonce)
	if err != nil || n != 2 {
		return 0, "", fmt.Errorf("malformed challenge %q", challenge)
	}
	return timestamp, nonce, nil
}
