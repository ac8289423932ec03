// Package attestation produces CVM guest-attestation tokens.
//
// The teacher's attestation package verifies tokens minted elsewhere. This
// gateway sits on the other side of that exchange: it mints a token binding
// an application-data blob and a PCR selector, and hands the opaque result
// to the key provider so the KMS can decide whether to release key
// material. Nothing in this package inspects or validates token contents —
// trust flows from the quote, not from anything this process asserts about
// itself.
package attestation

import (
	"context"
	"errors"
)

// Token is an opaque attestation token. Byte-in/byte-out: the core never
// assumes structure beyond UTF-8 printability (it is sent as a bearer
// credential, and on request echoed back to clients under the
// x-attestation-token header).
type Token []byte

func (t Token) String() string { return string(t) }

// ErrAttestationUnavailable is the single error kind an Attestor may
// surface. Remote-KMS mode treats it as fatal at startup and as a
// per-request 500 thereafter; local-key mode only calls an Attestor at all
// when one was configured (a DevAttestor, typically), and is a no-token
// no-op otherwise.
var ErrAttestationUnavailable = errors.New("attestation: unavailable")

// Attestor mints an attestation token bound to appData and pcrSelector.
//
// appData is an arbitrary byte slice folded into the token as a claim.
// pcrSelector is a 32-bit bitmask of which TPM PCRs to quote. endpoint is
// the attestation service URL (MAA in production).
type Attestor interface {
	Attest(ctx context.Context, appData []byte, pcrSelector uint32, endpoint string) (Token, error)
}
