package keyprovider

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// exportedKey is the JSON envelope the KMS wraps a key release in.
type exportedKey struct {
	KID     uint8  `json:"kid"`
	Key     string `json:"key"`
	Receipt string `json:"receipt"`
}

// COSE-like integer field codes inside the hex-CBOR key map.
const (
	cborFieldKID         = 4
	cborFieldKeyType     = -1
	cborFieldPublicX     = -2
	cborFieldPublicY     = -3
	cborFieldPrivateKey  = -4
	coseKeyTypeEC2P384   = 2
)

// parseCBORKey decodes the hex-encoded CBOR map released by the KMS,
// returning the private scalar and the key id it carries. Any field
// outside the COSE codes this gateway understands is a hard failure: the
// KMS response format is fixed, and an unrecognized field means either a
// KMS protocol change this build doesn't know about, or corruption.
func parseCBORKey(hexKey string) (scalar []byte, kid uint8, err error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: hex decode: %s", ErrMalformedKey, err)
	}

	var fields map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, 0, fmt.Errorf("%w: cbor decode: %s", ErrMalformedKey, err)
	}

	for code, value := range fields {
		switch code {
		case cborFieldKID:
			var k int64
			if err := cbor.Unmarshal(value, &k); err != nil || k < 0 || k > 255 {
				return nil, 0, fmt.Errorf("%w: bad key identifier field", ErrMalformedKey)
			}
			kid = uint8(k)

		case cborFieldPrivateKey:
			if err := cbor.Unmarshal(value, &scalar); err != nil {
				return nil, 0, fmt.Errorf("%w: bad private scalar field", ErrMalformedKey)
			}

		case cborFieldKeyType:
			var t int64
			if err := cbor.Unmarshal(value, &t); err != nil || t != coseKeyTypeEC2P384 {
				return nil, 0, fmt.Errorf("%w: expected P-384 key type", ErrMalformedKey)
			}

		case cborFieldPublicX, cborFieldPublicY:
			// Ignored: the public key is recomputed from the scalar.

		default:
			return nil, 0, fmt.Errorf("%w: unexpected field %d in key material", ErrMalformedKey, code)
		}
	}

	if scalar == nil {
		return nil, 0, fmt.Errorf("%w: private scalar missing from key material", ErrMalformedKey)
	}

	return scalar, kid, nil
}
