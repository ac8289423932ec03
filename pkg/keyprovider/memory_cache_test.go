package keyprovider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

func TestMemoryCacheMissThenHit(t *testing.T) {
	cache, err := NewMemoryCache()
	require.NoError(t, err)

	_, _, ok := cache.Get(42)
	require.False(t, ok)

	config, err := keyconfig.GenerateLocal()
	require.NoError(t, err)
	config.KID = 42

	cache.Set(42, config, attestation.Token("tok"))
	cache.store.Wait()

	got, token, ok := cache.Get(42)
	require.True(t, ok)
	require.Equal(t, uint8(42), got.KID)
	require.Equal(t, attestation.Token("tok"), token)
}
