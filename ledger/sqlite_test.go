package ledger

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	agentpay "github.com/agentpay/agentpay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(path, testFee())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	storeConformance(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	id := agentpay.NewPaymentID()

	store, err := OpenSQLite(path, testFee())
	require.NoError(t, err)

	require.NoError(t, store.BurnPaymentID(ctx, id))
	_, err = store.AddCallCredit(ctx, 1, testPayer)
	require.NoError(t, err)
	_, err = store.ExtendValidity(ctx, 1, testPayer, 3600, 1_700_000_000)
	require.NoError(t, err)
	require.NoError(t, store.CreditRevenue(ctx, testOwner, big.NewInt(975_000)))
	require.NoError(t, store.SetFeeConfig(ctx, agentpay.FeeConfig{FeeBasisPoints: 1000, Treasury: testTreasury}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path, testFee())
	require.NoError(t, err)
	defer reopened.Close()

	consumed, err := reopened.IsPaymentIDConsumed(ctx, id)
	require.NoError(t, err)
	assert.True(t, consumed, "burned id must survive restart")

	// A replay across restarts is still a replay.
	err = reopened.BurnPaymentID(ctx, id)
	assert.True(t, agentpay.IsCode(err, agentpay.ErrCodeReplay))

	ent, err := reopened.Entitlement(ctx, 1, testPayer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ent.CallCredits)
	assert.Equal(t, int64(1_700_003_600), ent.ValidUntil)

	bal, err := reopened.RevenueBalance(ctx, testOwner)
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(big.NewInt(975_000)))

	// The persisted fee config wins over the reopen default.
	cfg, err := reopened.FeeConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), cfg.FeeBasisPoints)
}

func TestSQLiteStoreBigBalances(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))

	// Amounts beyond int64 must round-trip without precision loss.
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	require.NoError(t, store.CreditRevenue(ctx, testOwner, huge))
	bal, err := store.RevenueBalance(ctx, testOwner)
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(huge))

	require.NoError(t, store.DebitRevenue(ctx, testOwner, big.NewInt(1)))
	bal, err = store.RevenueBalance(ctx, testOwner)
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(new(big.Int).Sub(huge, big.NewInt(1))))
}
