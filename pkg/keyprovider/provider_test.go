package keyprovider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

type stubAttestor struct{ calls int32 }

func (s *stubAttestor) Attest(_ context.Context, _ []byte, _ uint32, _ string) (attestation.Token, error) {
	atomic.AddInt32(&s.calls, 1)
	return attestation.Token("stub-token"), nil
}

func encodeHexKey(t *testing.T, kid uint8, scalar []byte) string {
	t.Helper()
	fields := map[int64]interface{}{
		4:  int64(kid),
		-1: int64(2),
		-4: scalar,
	}
	raw, err := cbor.Marshal(fields)
	require.NoError(t, err)
	return hex.EncodeToString(raw)
}

func generateScalar(t *testing.T) (kid uint8, scalarHex string) {
	t.Helper()
	config, err := keyconfig.GenerateLocal()
	require.NoError(t, err)
	scalar, err := config.PrivateKey().MarshalBinary()
	require.NoError(t, err)
	return 3, encodeHexKey(t, 3, scalar)
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *stubAttestor) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cache, err := NewMemoryCache()
	require.NoError(t, err)

	attestor := &stubAttestor{}
	logger := zap.NewNop().Sugar()

	return New(server.URL, "https://maa.example/attest", attestor, cache, nil, nil, logger), attestor
}

func TestImportCachedKidSkipsKms(t *testing.T) {
	called := false
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	})

	config, err := keyconfig.GenerateLocal()
	require.NoError(t, err)
	config.KID = 9
	provider.cache.Set(9, config, attestation.Token("primed"))

	got, token, err := provider.Import(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, uint8(9), got.KID)
	require.Equal(t, attestation.Token("primed"), token)
	require.False(t, called, "cached kid must not contact the kms")
}

func TestImportKidMismatchFails(t *testing.T) {
	_, keyHex := generateScalar(t)
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "3", r.URL.Query().Get("kid"))
		body, _ := json.Marshal(exportedKey{KID: 7, Key: keyHex, Receipt: "r1"})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	_, _, err := provider.Import(context.Background(), 3)
	require.ErrorIs(t, err, ErrKeyIdMismatch)
}

func TestImportRetries202ThenSucceeds(t *testing.T) {
	kid, keyHex := generateScalar(t)
	var attempts int32
	provider, attestor := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		body, _ := json.Marshal(exportedKey{KID: kid, Key: keyHex, Receipt: "r2"})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	config, token, err := provider.Import(context.Background(), int32(kid))
	require.NoError(t, err)
	require.Equal(t, kid, config.KID)
	require.Equal(t, attestation.Token("stub-token"), token)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, int32(1), atomic.LoadInt32(&attestor.calls))
}

func TestImportRejectsAfterRetryBudget(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	_, _, err := provider.Import(context.Background(), 4)
	require.ErrorIs(t, err, ErrKmsUnavailable)
}

func TestImportRejectsOtherStatus(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, _, err := provider.Import(context.Background(), 5)
	require.ErrorIs(t, err, ErrKmsRejected)
}

func TestImportDeduplicatesConcurrentColdFetches(t *testing.T) {
	kid, keyHex := generateScalar(t)
	var hits int32
	release := make(chan struct{})
	provider, attestor := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		body, _ := json.Marshal(exportedKey{KID: kid, Key: keyHex, Receipt: "r4"})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]keyconfig.KeyConfig, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = provider.Import(context.Background(), int32(kid))
		}(i)
	}

	// Give every goroutine a chance to reach Import and join the same
	// in-flight call before the handler is allowed to finish.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, kid, results[i].KID)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "concurrent cold fetches for the same kid must share one kms round trip")
	require.Equal(t, int32(1), atomic.LoadInt32(&attestor.calls), "concurrent cold fetches for the same kid must share one attestation")
}

func TestImportRejectsMalformedCbor(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(exportedKey{KID: 6, Key: "zz-not-hex", Receipt: "r3"})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	_, _, err := provider.Import(context.Background(), 6)
	require.ErrorIs(t, err, ErrMalformedKey)
}
