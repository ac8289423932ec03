package keyprovider

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

// cacheTTL matches the data model's 24h lifetime for a fetched key.
const cacheTTL = 24 * time.Hour

type cacheEntry struct {
	Config keyconfig.KeyConfig
	Token  attestation.Token
}

// MemoryCache is the only place KeyConfig.PrivateKey ever lives outside an
// active decapsulation call: an in-process, TTL-expiring map from kid to
// (KeyConfig, Token). It is never serialized and never crosses a process
// boundary — see TokenCache and ReceiptLedger for what may be shared.
type MemoryCache struct {
	store *ristretto.Cache
}

// NewMemoryCache builds the in-process cache. NumCounters and MaxCost are
// sized generously for a key space bounded by 256 possible kids.
func NewMemoryCache() (*MemoryCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 2560,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store}, nil
}

// Get returns the cached (KeyConfig, Token) for kid, if present and
// unexpired.
func (c *MemoryCache) Get(kid uint8) (keyconfig.KeyConfig, attestation.Token, bool) {
	v, ok := c.store.Get(kid)
	if !ok {
		return keyconfig.KeyConfig{}, nil, false
	}
	entry := v.(cacheEntry)
	return entry.Config, entry.Token, true
}

// Set inserts or replaces the cache entry for kid with a fresh 24h TTL.
// Concurrent Import calls for the same cold kid may both reach this point;
// whichever SetWithTTL call lands last wins, which is fine since both
// fetches are for the same kid and the KMS is idempotent per kid.
func (c *MemoryCache) Set(kid uint8, config keyconfig.KeyConfig, token attestation.Token) {
	c.store.SetWithTTL(kid, cacheEntry{Config: config, Token: token}, 1, cacheTTL)
	c.store.Wait()
}
