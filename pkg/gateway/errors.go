package gateway

import "errors"

// Error kinds the request engine distinguishes. Engine.Handle maps each to
// a fixed outer HTTP status inline at its call site.
var (
	// ErrBadOuterRequest means the OHTTP framing itself (key id, HPKE
	// header, ciphertext) could not be decapsulated.
	ErrBadOuterRequest = errors.New("gateway: bad outer request")

	// ErrBadInnerRequest means decapsulation succeeded but the resulting
	// bHTTP buffer did not parse, or its path was not valid UTF-8.
	ErrBadInnerRequest = errors.New("gateway: bad inner request")

	// ErrBackendFailure means the configured backend could not be reached,
	// answered with a 4xx/5xx status, or its response stream was truncated
	// mid-chunk.
	ErrBackendFailure = errors.New("gateway: backend failure")

	// ErrNoUsableKey means no usable key configuration exists for the
	// requested kid (local-key mode rejection, or §4.2 failure).
	ErrNoUsableKey = errors.New("gateway: no usable key configuration")
)
