// Package keyconfig holds the HPKE receiver configuration the gateway uses
// to decapsulate OHTTP requests: a key identifier, the private scalar and
// derived public key, and the ordered list of symmetric suites the key may
// be used with.
package keyconfig

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// KEM is the only key-encapsulation mechanism this gateway speaks. Every
// KeyConfig is P-384/HKDF-SHA384; the KMS contract (§4.2) assumes it.
const KEM = hpke.KEM_P384_HKDF_SHA384

// SymmetricSuite pairs a KDF with an AEAD, the two identifiers an OHTTP
// client negotiates against a published key config.
type SymmetricSuite struct {
	KDF  hpke.KDF
	AEAD hpke.AEAD
}

// DefaultSuites is the suite list required by the data model: HKDF-SHA384
// with AES-256-GCM first (the KMS-issued default), then two lighter-weight
// fallbacks.
func DefaultSuites() []SymmetricSuite {
	return []SymmetricSuite{
		{KDF: hpke.KDF_HKDF_SHA384, AEAD: hpke.AEAD_AES256GCM},
		{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM},
		{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_ChaCha20Poly1305},
	}
}

// localSuites is what a --local-key startup key is minted with in the
// original server — no AES-256-GCM entry, since there is no KMS default to
// mirror.
func localSuites() []SymmetricSuite {
	return []SymmetricSuite{
		{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM},
		{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_ChaCha20Poly1305},
	}
}

// KeyConfig is the gateway's receiver-side key material for one key id. The
// private scalar lives only as a kem.PrivateKey inside the unexported
// field; nothing in this package exposes it except to the HPKE receiver
// setup path.
type KeyConfig struct {
	KID       uint8
	Suites    []SymmetricSuite
	publicKey kem.PublicKey
	secretKey kem.PrivateKey
}

// Import builds a KeyConfig from a raw KEM-encoded private scalar, as
// released by the KMS. It derives the public key from the scalar — the
// gateway never receives or trusts a KMS-supplied public key.
func Import(kid uint8, scalar []byte, suites []SymmetricSuite) (KeyConfig, error) {
	scheme := KEM.Scheme()

	secretKey, err := scheme.UnmarshalBinaryPrivateKey(scalar)
	if err != nil {
		return KeyConfig{}, fmt.Errorf("keyconfig: unmarshal private scalar: %w", err)
	}

	publicKey := secretKey.Public()

	return KeyConfig{
		KID:       kid,
		Suites:    append([]SymmetricSuite(nil), suites...),
		publicKey: publicKey,
		secretKey: secretKey,
	}, nil
}

// GenerateLocal mints a fresh key pair for --local-key startup, kid fixed
// at 0 per the CLI contract.
func GenerateLocal() (KeyConfig, error) {
	scheme := KEM.Scheme()
	publicKey, secretKey, err := scheme.GenerateKeyPair()
	if err != nil {
		return KeyConfig{}, fmt.Errorf("keyconfig: generate local key pair: %w", err)
	}

	return KeyConfig{
		KID:       0,
		Suites:    localSuites(),
		publicKey: publicKey,
		secretKey: secretKey,
	}, nil
}

// PrivateKey returns the kem.PrivateKey for HPKE receiver setup. Callers
// must not marshal or log it; this is the one escape hatch for the scalar,
// and it exists solely to feed hpke.Suite.NewReceiver.
func (c KeyConfig) PrivateKey() kem.PrivateKey { return c.secretKey }

// Encode serializes this KeyConfig in OHTTP key-config wire format:
// keyID(1) || kemID(2) || publicKey(Npk) || suitesLen(2) || suites...,
// where each suite is kdfID(2) || aeadID(2).
func (c KeyConfig) Encode() ([]byte, error) {
	if len(c.Suites) == 0 {
		return nil, fmt.Errorf("keyconfig: kid %d has no symmetric suites", c.KID)
	}

	pub, err := c.publicKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyconfig: marshal public key: %w", err)
	}

	buf := make([]byte, 0, 1+2+len(pub)+2+4*len(c.Suites))
	buf = append(buf, c.KID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(KEM))
	buf = append(buf, pub...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(4*len(c.Suites)))
	for _, s := range c.Suites {
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.KDF))
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.AEAD))
	}

	return buf, nil
}

// EncodeList serializes a list of KeyConfigs as the 2-byte-length-prefixed
// key config list a client fetches from /discover.
func EncodeList(configs []KeyConfig) ([]byte, error) {
	var body []byte
	for _, c := range configs {
		encoded, err := c.Encode()
		if err != nil {
			return nil, err
		}
		body = append(body, encoded...)
	}

	out := make([]byte, 0, 2+len(body))
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	return out, nil
}
