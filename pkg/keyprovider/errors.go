package keyprovider

import "errors"

// Error kinds the key provider distinguishes, per the KMS wire contract.
// Each maps to a fixed outer HTTP status in the request engine.
var (
	// ErrKmsUnavailable means retries against the KMS were exhausted while
	// it kept returning 202 (receipt not yet ready).
	ErrKmsUnavailable = errors.New("keyprovider: kms unavailable")

	// ErrKmsRejected means the KMS returned a non-200/202 status.
	ErrKmsRejected = errors.New("keyprovider: kms rejected request")

	// ErrMalformedKey means the CBOR key material didn't decode into the
	// expected COSE-like shape, or carried fields outside {4, -1, -2, -3, -4}.
	ErrMalformedKey = errors.New("keyprovider: malformed key material")

	// ErrKeyIdMismatch means the KMS (or the key material it returned)
	// reported a different kid than the one requested.
	ErrKeyIdMismatch = errors.New("keyprovider: key id mismatch")
)
