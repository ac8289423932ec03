package keyprovider

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *ReceiptLedger {
	t.Helper()
	dir := t.TempDir()
	ledger, err := NewReceiptLedger(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestReceiptLedgerRecordAndLatest(t *testing.T) {
	ledger := newTestLedger(t)

	require.NoError(t, ledger.Record(3, 1000, "receipt-a"))
	require.NoError(t, ledger.Record(3, 2000, "receipt-b"))
	require.NoError(t, ledger.Record(9, 1500, "receipt-other"))

	receipt, fetchedAt, found, err := ledger.Latest(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "receipt-b", receipt)
	require.Equal(t, int64(2000), fetchedAt)
}

func TestReceiptLedgerLatestMissingKid(t *testing.T) {
	ledger := newTestLedger(t)

	_, _, found, err := ledger.Latest(200)
	require.NoError(t, err)
	require.False(t, found)
}
