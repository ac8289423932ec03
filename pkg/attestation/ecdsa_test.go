package attestation

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestDevAttestorRoundTrip(t *testing.T) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	attestor := NewDevAttestor(privateKey)

	appData := []byte("app-instance-id")
	token, err := attestor.Attest(context.Background(), appData, 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	publicKey := crypto.FromECDSAPub(&privateKey.PublicKey)
	require.NoError(t, VerifyDevToken(appData, token, publicKey))
}

func TestDevAttestorRejectsWrongAppData(t *testing.T) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	attestor := NewDevAttestor(privateKey)

	token, err := attestor.Attest(context.Background(), []byte("app-a"), 0, "")
	require.NoError(t, err)

	publicKey := crypto.FromECDSAPub(&privateKey.PublicKey)
	err = VerifyDevToken([]byte("app-b"), token, publicKey)
	require.Error(t, err)
}

func TestDevAttestorRejectsWrongKey(t *testing.T) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	attestor := NewDevAttestor(privateKey)

	appData := []byte("app-instance-id")
	token, err := attestor.Attest(context.Background(), appData, 0, "")
	require.NoError(t, err)

	otherPublicKey := crypto.FromECDSAPub(&otherKey.PublicKey)
	err = VerifyDevToken(appData, token, otherPublicKey)
	require.Error(t, err)
}

func TestDevAttestorMalformedToken(t *testing.T) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	publicKey := crypto.FromECDSAPub(&privateKey.PublicKey)

	err = VerifyDevToken([]byte("app-data"), Token("not-a-valid-token"), publicKey)
	require.Error(t, err)
}

func TestParseDevChallenge(t *testing.T) {
	ts, nonce, err := parseDevChallenge("1702857600-a1b2c3")
	require.NoError(t, err)
	require.Equal(t, int64(1702857600), ts)
	require.Equal(t, "a1b2c3", nonce)

	_, _, err = parseDevChallenge("not-a-challenge")
	require.Error(t, err)
}
