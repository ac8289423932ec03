// Package gateway drives the OHTTP request engine: decapsulating a raw
// encapsulated request, bridging it to a real backend HTTP call, and
// streaming the backend's response back re-encapsulated, chunk by chunk.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/internal/bhttp"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyprovider"
)

const (
	attestationTokenHeader = "x-attestation-token"
	responseContentType    = "message/ohttp-chunked-res"
	chunkReadSize          = 32 * 1024

	// devAttestAppData/devAttestPCRSelector mirror the constants the key
	// provider attests with for a real KMS fetch (spec.md §4.2), so a
	// --local-key run exercises the same Attestor call shape without a KMS
	// on the other end.
	devAttestAppData     = "{}"
	devAttestPCRSelector = 0xFFFF
)

var filteredResponseHeaders = map[string]struct{}{
	"content-type":   {},
	"content-length": {},
}

// KeyResolver is the subset of keyprovider.Provider the engine depends on,
// so tests can stub KMS interaction entirely.
type KeyResolver interface {
	Import(ctx context.Context, kid int32) (keyconfig.KeyConfig, []byte, error)
}

// providerAdapter adapts *keyprovider.Provider's attestation.Token return
// to the []byte KeyResolver contract.
type providerAdapter struct{ *keyprovider.Provider }

func (p providerAdapter) Import(ctx context.Context, kid int32) (keyconfig.KeyConfig, []byte, error) {
	config, token, err := p.Provider.Import(ctx, kid)
	if err != nil {
		return keyconfig.KeyConfig{}, nil, err
	}
	return config, []byte(token), nil
}

// NewKeyResolver wraps a *keyprovider.Provider as a KeyResolver.
func NewKeyResolver(p *keyprovider.Provider) KeyResolver { return providerAdapter{p} }

// Engine implements §4.3 of the system's request-handling contract: one
// Handle call per inbound /score request.
type Engine struct {
	resolver      KeyResolver
	localKeyOnly  bool
	localConfig   keyconfig.KeyConfig
	localAttestor attestation.Attestor
	target        string
	injectHeaders []string
	mode          bhttp.Mode
	client        *http.Client
	logger        *zap.SugaredLogger
}

// Config carries the engine's static, read-only configuration.
type Config struct {
	Resolver      KeyResolver
	LocalKeyOnly  bool
	LocalConfig   keyconfig.KeyConfig
	// LocalAttestor is optional. When set, --local-key mode still mints an
	// attestation token per request (via DevAttestor in production use),
	// so the x-attestation-token echo path is exercised the same way it
	// would be against a real KMS. Nil means local mode never attests.
	LocalAttestor attestation.Attestor
	Target        string
	InjectHeaders []string
	Mode          bhttp.Mode
	Client        *http.Client
	Logger        *zap.SugaredLogger
}

func New(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		resolver:      cfg.Resolver,
		localKeyOnly:  cfg.LocalKeyOnly,
		localConfig:   cfg.LocalConfig,
		localAttestor: cfg.LocalAttestor,
		target:        cfg.Target,
		injectHeaders: cfg.InjectHeaders,
		mode:          cfg.Mode,
		client:        client,
		logger:        cfg.Logger,
	}
}

// Handle implements the full request engine: it writes status, headers,
// and a streamed body directly to w. Everything it can fail on before the
// first response byte is written maps to a fixed status code; once
// streaming starts, failures are only ever visible as a truncated stream.
func (e *Engine) Handle(ctx context.Context, w http.ResponseWriter, outerHeaders http.Header, body []byte) {
	kid := keySelection(body)

	config, token, err := e.resolveConfig(ctx, kid)
	if err != nil {
		e.logger.Warnw("key resolution failed", "kid", kid, "error", err)
		writeFixedError(w, http.StatusInternalServerError, "Failed to get or load the OHTTP configuration from local cache or key management service.")
		return
	}

	plaintext, opener, aeadID, err := decapsulate(config, body)
	if err != nil {
		e.logger.Warnw("decapsulation failed", "error", err)
		writeFixedError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	innerReq, err := bhttp.ReadRequest(bytes.NewReader(plaintext))
	if err == nil && !utf8.Valid(innerReq.Path) {
		err = fmt.Errorf("path is not valid UTF-8")
	}
	if err != nil {
		e.logger.Warnw("bhttp decode failed", "error", fmt.Errorf("%w: %s", ErrBadInnerRequest, err))
		writeFixedError(w, http.StatusBadRequest, "Request error")
		return
	}

	injected := computeInjectedHeaders(outerHeaders, e.injectHeaders)

	backendResp, err := e.callBackend(ctx, innerReq, injected)
	if err != nil {
		e.logger.Warnw("backend call failed", "error", err)
		writeFixedError(w, http.StatusBadRequest, "Request error")
		return
	}
	defer backendResp.Body.Close()

	session, responseNonce, err := NewSession(opener, aeadID, e.mode)
	if err != nil {
		e.logger.Warnw("session construction failed", "error", err)
		writeFixedError(w, http.StatusBadRequest, "Request error")
		return
	}

	w.Header().Set("Content-Type", responseContentType)
	if outerHeaders.Get(attestationTokenHeader) != "" {
		w.Header().Set(attestationTokenHeader, string(token))
	}
	for name, values := range backendResp.Header {
		if _, filtered := filteredResponseHeaders[strings.ToLower(name)]; filtered {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(responseNonce); err != nil {
		return
	}

	e.streamChunks(w, session, backendResp.Body)
}

func (e *Engine) resolveConfig(ctx context.Context, kid int32) (keyconfig.KeyConfig, []byte, error) {
	if e.localKeyOnly {
		if kid != 0 {
			return keyconfig.KeyConfig{}, nil, fmt.Errorf("%w: kid %d has no local configuration", ErrNoUsableKey, kid)
		}
		if e.localAttestor == nil {
			return e.localConfig, nil, nil
		}
		token, err := e.localAttestor.Attest(ctx, []byte(devAttestAppData), devAttestPCRSelector, "")
		if err != nil {
			return keyconfig.KeyConfig{}, nil, fmt.Errorf("%w: %s", attestation.ErrAttestationUnavailable, err)
		}
		return e.localConfig, []byte(token), nil
	}
	return e.resolver.Import(ctx, kid)
}

// keySelection reads the requested kid from the first byte of the outer
// body, mapping an empty body to -1 ("latest").
func keySelection(body []byte) int32 {
	if len(body) == 0 {
		return -1
	}
	return int32(body[0])
}

func computeInjectedHeaders(outer http.Header, allow []string) http.Header {
	result := make(http.Header)
	for _, name := range allow {
		if v := outer.Get(name); v != "" {
			result.Set(name, v)
		}
	}
	return result
}

func (e *Engine) callBackend(ctx context.Context, inner *bhttp.Message, injected http.Header) (*http.Response, error) {
	method := string(inner.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := strings.TrimRight(e.target, "/") + string(inner.Path)

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(inner.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: build backend request: %s", ErrBackendFailure, err)
	}

	for _, f := range inner.Headers {
		req.Header.Add(string(f.Name), string(f.Value))
	}
	for name, values := range injected {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendFailure, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: backend status %d", ErrBackendFailure, resp.StatusCode)
	}
	return resp, nil
}

// streamChunks reads the backend body in bounded pieces and writes each
// one re-encapsulated, flushing after every chunk so the client sees
// progress without the engine ever buffering the whole response.
func (e *Engine) streamChunks(w http.ResponseWriter, session *OhttpSession, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkReadSize)

	writeChunk := func(data []byte, last bool) bool {
		frame, err := session.EncapsulateChunk(data, last)
		if err != nil {
			e.logger.Warnw("chunk encapsulation failed", "error", err)
			return false
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for {
		n, readErr := body.Read(buf)

		switch {
		case readErr == io.EOF:
			// A Read may report n>0 together with io.EOF; that data still
			// belongs in the final chunk.
			writeChunk(buf[:n], true)
			session.Close()
			return
		case readErr != nil:
			if n > 0 {
				writeChunk(buf[:n], false)
			}
			e.logger.Warnw("backend stream truncated", "error", readErr)
			writeChunk(nil, true)
			session.Close()
			return
		case n > 0:
			if !writeChunk(buf[:n], false) {
				session.Close()
				return
			}
		}
	}
}

func writeFixedError(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
