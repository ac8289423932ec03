package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/chacha20poly1305"
)

// aeadSizes returns the key and nonce sizes for one of the three symmetric
// suites this gateway's key configs ever carry (keyconfig.DefaultSuites /
// keyconfig.localSuites). Hard-coded rather than derived from a circl
// getter: these are fixed algorithm properties, not something a KeyConfig
// chooses independently of the AEAD identifier itself.
func aeadSizes(id hpke.AEAD) (keySize, nonceSize int, err error) {
	switch id {
	case hpke.AEAD_AES128GCM:
		return 16, 12, nil
	case hpke.AEAD_AES256GCM:
		return 32, 12, nil
	case hpke.AEAD_ChaCha20Poly1305:
		return chacha20poly1305.KeySize, chacha20poly1305.NonceSize, nil
	default:
		return 0, 0, fmt.Errorf("gateway: unsupported aead id %d", id)
	}
}

// newAEAD builds a cipher.AEAD for the response chunk stream from a key
// derived via HPKE export, independent of the HPKE context's own internal
// sequence-numbered Seal/Open (which is one-shot per direction and not
// reused here — the response stream derives its own key and runs its own
// counter, per the chunked response encoding).
func newAEAD(id hpke.AEAD, key []byte) (cipher.AEAD, error) {
	switch id {
	case hpke.AEAD_AES128GCM, hpke.AEAD_AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("gateway: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case hpke.AEAD_ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("gateway: unsupported aead id %d", id)
	}
}
