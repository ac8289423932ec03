package keyprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
)

const (
	tokenCacheKeyPrefix   = "ohttp:token:"
	tokenCacheSchemaKey   = "ohttp:token:schema_version"
	tokenCacheSchemaValue = "v1"
	tokenCacheTTL         = 24 * time.Hour
)

// TokenCacheConfig configures a shared, optional TokenCache. It is entirely
// optional: a gateway with no Redis address configured runs with a nil
// TokenCache, keeping every attestation token process-local.
type TokenCacheConfig struct {
	Address  string
	Password string
	DB       int
}

// TokenCache shares attestation tokens across gateway replicas. It never
// stores key material — only the opaque token a KMS accepted for a given
// kid, so that a replica restart doesn't force a fresh attestation round
// trip for keys other replicas have already warmed.
type TokenCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
	mu     sync.RWMutex
	closed bool
}

// NewTokenCache connects to Redis and verifies the schema version, mirroring
// the connect-then-verify sequence used for the durable stores elsewhere in
// this codebase.
func NewTokenCache(cfg TokenCacheConfig, logger *zap.SugaredLogger) (*TokenCache, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("token cache: address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("token cache: connect to %s: %w", cfg.Address, err)
	}

	tc := &TokenCache{client: client, logger: logger}
	if err := tc.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token cache: init schema: %w", err)
	}

	logger.Infow("token cache connected", "address", cfg.Address, "db", cfg.DB)
	return tc, nil
}

func (c *TokenCache) initSchema(ctx context.Context) error {
	existing, err := c.client.Get(ctx, tokenCacheSchemaKey).Result()
	if err == redis.Nil {
		return c.client.Set(ctx, tokenCacheSchemaKey, tokenCacheSchemaValue, 0).Err()
	}
	if err != nil {
		return err
	}
	if existing != tokenCacheSchemaValue {
		return fmt.Errorf("unsupported schema version %q (expected %q)", existing, tokenCacheSchemaValue)
	}
	return nil
}

// Get returns the cached token for kid, if one exists and hasn't expired.
func (c *TokenCache) Get(ctx context.Context, kid uint8) (attestation.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}

	data, err := c.client.Get(ctx, tokenKey(kid)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warnw("token cache read failed", "kid", kid, "error", err)
		return nil, false
	}
	return attestation.Token(data), true
}

// Set records the token that let this process obtain kid's key material.
func (c *TokenCache) Set(ctx context.Context, kid uint8, token attestation.Token) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	if err := c.client.Set(ctx, tokenKey(kid), []byte(token), tokenCacheTTL).Err(); err != nil {
		c.logger.Warnw("token cache write failed", "kid", kid, "error", err)
	}
}

func (c *TokenCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

func tokenKey(kid uint8) string {
	return fmt.Sprintf("%s%d", tokenCacheKeyPrefix, kid)
}
