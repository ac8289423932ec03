package keyconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateLocalProducesKidZero(t *testing.T) {
	cfg, err := GenerateLocal()
	require.NoError(t, err)
	require.Equal(t, uint8(0), cfg.KID)
	require.NotEmpty(t, cfg.Suites)
	require.NotNil(t, cfg.PrivateKey())
}

func TestEncodeRoundTripsSuiteCount(t *testing.T) {
	cfg, err := GenerateLocal()
	require.NoError(t, err)

	encoded, err := cfg.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	// keyID(1) + kemID(2) + pubkey + suitesLen(2) + 4*suites
	require.Equal(t, uint8(encoded[0]), cfg.KID)

	pubSize := KEM.Scheme().PublicKeySize()
	require.Len(t, encoded, 1+2+pubSize+2+4*len(cfg.Suites))
	suitesLen := int(uint16(encoded[3+pubSize])<<8 | uint16(encoded[4+pubSize]))
	require.Equal(t, 4*len(cfg.Suites), suitesLen)
}

func TestEncodeFailsWithoutSuites(t *testing.T) {
	cfg, err := GenerateLocal()
	require.NoError(t, err)
	cfg.Suites = nil

	_, err = cfg.Encode()
	require.Error(t, err)
}

func TestEncodeListConcatenatesConfigs(t *testing.T) {
	a, err := GenerateLocal()
	require.NoError(t, err)
	b, err := GenerateLocal()
	require.NoError(t, err)
	b.KID = 1

	list, err := EncodeList([]KeyConfig{a, b})
	require.NoError(t, err)

	encodedA, err := a.Encode()
	require.NoError(t, err)
	encodedB, err := b.Encode()
	require.NoError(t, err)

	require.Equal(t, len(encodedA)+len(encodedB), int(uint16(list[0])<<8|uint16(list[1])))
}

func TestImportFromScalar(t *testing.T) {
	generated, err := GenerateLocal()
	require.NoError(t, err)

	scalar, err := generated.PrivateKey().MarshalBinary()
	require.NoError(t, err)

	imported, err := Import(7, scalar, DefaultSuites())
	require.NoError(t, err)
	require.Equal(t, uint8(7), imported.KID)
	require.Equal(t, DefaultSuites(), imported.Suites)
}
