package gateway

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/hpke"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/internal/bhttp"
)

// responseExportLabel is the HPKE exporter context the response key is
// derived under, per the OHTTP chunked-response encoding.
var responseExportLabel = []byte("message/bhttp response")

// State is the per-session response lifecycle: Fresh exists only before a
// session is constructed, so it is never observed from outside NewSession.
type State int

const (
	StateFresh State = iota
	StateDecapsulated
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateDecapsulated:
		return "decapsulated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OhttpSession owns the response-direction AEAD key and chunk counter for
// one request. It is built once, immediately after request decapsulation,
// and must be driven through EncapsulateChunk calls in order until the
// stream ends (either a last_flag=true chunk, or a caller-forced Close when
// a chunk could not be encapsulated or written to the client).
type OhttpSession struct {
	mode      bhttp.Mode
	aead      cipher.AEAD
	nonceBase []byte
	nonceSize int

	mu      sync.Mutex
	state   State
	counter uint64
}

// NewSession derives the response key from the HPKE receiver context that
// just decapsulated this request, and returns the session alongside the
// response-nonce prefix that must be written before any chunk frame.
func NewSession(opener hpke.Opener, aeadID hpke.AEAD, mode bhttp.Mode) (*OhttpSession, []byte, error) {
	keySize, nonceSize, err := aeadSizes(aeadID)
	if err != nil {
		return nil, nil, err
	}

	secret := opener.Export(responseExportLabel, uint(keySize))

	prefixLen := keySize
	if nonceSize > prefixLen {
		prefixLen = nonceSize
	}
	responseNonce := make([]byte, prefixLen)
	if _, err := rand.Read(responseNonce); err != nil {
		return nil, nil, fmt.Errorf("gateway: generate response nonce: %w", err)
	}

	key := make([]byte, keySize)
	for i := range key {
		key[i] = secret[i] ^ responseNonce[i]
	}

	aead, err := newAEAD(aeadID, key)
	if err != nil {
		return nil, nil, err
	}

	session := &OhttpSession{
		mode:      mode,
		aead:      aead,
		nonceBase: append([]byte(nil), responseNonce[:nonceSize]...),
		nonceSize: nonceSize,
		state:     StateDecapsulated,
	}

	return session, responseNonce, nil
}

// State returns the session's current lifecycle state.
func (s *OhttpSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EncapsulateChunk seals one backend response chunk and frames it for the
// wire: a 1-byte last_flag (also bound into the AEAD's associated data),
// a length prefix whose encoding is chosen by the session's Mode, then the
// sealed chunk. Calling this after the stream has closed is a programmer
// error.
func (s *OhttpSession) EncapsulateChunk(chunk []byte, last bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, fmt.Errorf("gateway: encapsulate_chunk called on closed session")
	}
	s.state = StateStreaming

	nonce := make([]byte, s.nonceSize)
	copy(nonce, s.nonceBase)
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], s.counter)
	for i := 0; i < 8 && i < s.nonceSize; i++ {
		nonce[s.nonceSize-1-i] ^= counterBytes[7-i]
	}
	s.counter++

	var flag byte
	if last {
		flag = 1
	}
	aad := []byte{flag}

	sealed := s.aead.Seal(nil, nonce, chunk, aad)

	frame := make([]byte, 0, 1+8+len(sealed))
	frame = append(frame, flag)
	switch s.mode {
	case bhttp.KnownLength:
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(sealed)))
	case bhttp.IndeterminateLength:
		frame = bhttp.AppendVarint(frame, uint64(len(sealed)))
	default:
		return nil, fmt.Errorf("gateway: unknown framing mode %d", s.mode)
	}
	frame = append(frame, sealed...)

	if last {
		s.state = StateClosed
	}

	return frame, nil
}

// Close forces the session into the closed state without emitting a final
// chunk, for the path where the stream is abandoned because a chunk could
// not be encapsulated or written to the client. After a last_flag=true
// chunk (including the one emitted when the backend stream is truncated)
// the session is already closed and Close changes nothing.
func (s *OhttpSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}
