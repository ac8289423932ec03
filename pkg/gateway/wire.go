package gateway

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

// outerHeaderSize is the fixed AAD prefix of an OHTTP request: key id,
// then the negotiated KEM/KDF/AEAD identifiers, two bytes each.
const outerHeaderSize = 7

// outerHeader is the parsed fixed-size prefix of an encapsulated request.
type outerHeader struct {
	keyID uint8
	kemID hpke.KEM
	kdfID hpke.KDF
	aeadID hpke.AEAD
}

func parseOuterHeader(body []byte) (outerHeader, error) {
	if len(body) < outerHeaderSize {
		return outerHeader{}, fmt.Errorf("%w: outer header truncated", ErrBadOuterRequest)
	}
	return outerHeader{
		keyID:  body[0],
		kemID:  hpke.KEM(binary.BigEndian.Uint16(body[1:3])),
		kdfID:  hpke.KDF(binary.BigEndian.Uint16(body[3:5])),
		aeadID: hpke.AEAD(binary.BigEndian.Uint16(body[5:7])),
	}, nil
}

// suiteSupported checks the requested KDF/AEAD pair against the key
// configuration's negotiated suite list.
func suiteSupported(config keyconfig.KeyConfig, kdfID hpke.KDF, aeadID hpke.AEAD) bool {
	for _, s := range config.Suites {
		if s.KDF == kdfID && s.AEAD == aeadID {
			return true
		}
	}
	return false
}

// decapsulate validates the outer header against config, splits enc from
// the ciphertext, and opens the HPKE context. It returns the clear-text
// bHTTP request buffer and the opener, which session construction needs
// to derive the response key.
func decapsulate(config keyconfig.KeyConfig, body []byte) ([]byte, hpke.Opener, hpke.AEAD, error) {
	hdr, err := parseOuterHeader(body)
	if err != nil {
		return nil, nil, 0, err
	}

	if hdr.keyID != config.KID {
		return nil, nil, 0, fmt.Errorf("%w: key id %d does not match configured key %d", ErrBadOuterRequest, hdr.keyID, config.KID)
	}
	if hdr.kemID != keyconfig.KEM {
		return nil, nil, 0, fmt.Errorf("%w: unsupported kem id %d", ErrBadOuterRequest, hdr.kemID)
	}
	if !suiteSupported(config, hdr.kdfID, hdr.aeadID) {
		return nil, nil, 0, fmt.Errorf("%w: unsupported kdf/aead combination", ErrBadOuterRequest)
	}

	scheme := hdr.kemID.Scheme()
	encSize := scheme.CiphertextSize()
	if len(body) < outerHeaderSize+encSize {
		return nil, nil, 0, fmt.Errorf("%w: ciphertext truncated", ErrBadOuterRequest)
	}

	aad := body[:outerHeaderSize]
	enc := body[outerHeaderSize : outerHeaderSize+encSize]
	ct := body[outerHeaderSize+encSize:]

	suite := hpke.NewSuite(hdr.kemID, hdr.kdfID, hdr.aeadID)
	var receiverKey kem.PrivateKey = config.PrivateKey()
	receiver, err := suite.NewReceiver(receiverKey, nil)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: build hpke receiver: %s", ErrBadOuterRequest, err)
	}

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: hpke setup: %s", ErrBadOuterRequest, err)
	}

	plaintext, err := opener.Open(ct, aad)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: hpke open: %s", ErrBadOuterRequest, err)
	}

	return plaintext, opener, hdr.aeadID, nil
}
