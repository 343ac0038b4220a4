package vault_test

import (
	"context"
	"testing"

	"pack_sale/internal/model"
	"pack_sale/internal/testutil"
	"pack_sale/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositIdempotent(t *testing.T) {
	st := testutil.NewTestStore(t)
	v := vault.New(st)
	ctx := context.Background()

	require.NoError(t, v.Deposit(ctx, "u1", 10, "0xabc", model.ChainEthereum))
	require.NoError(t, v.Deposit(ctx, "u1", 10, "0xabc", model.ChainEthereum))
	assert.ErrorIs(t, v.Deposit(ctx, "u2", 10, "0xabc", model.ChainEthereum), vault.ErrAssetTaken)

	owned, err := st.ListVaultAssets(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestReservePendingChecksExisting(t *testing.T) {
	st := testutil.NewTestStore(t)
	v := vault.New(st)
	ctx := context.Background()

	p := model.PendingAsset{SaleID: 1, AssetID: 3, UserID: "u1", AssetContract: "0xabc"}
	require.NoError(t, v.ReservePending(ctx, p))
	require.NoError(t, v.ReservePending(ctx, p))

	p.UserID = "u2"
	assert.ErrorIs(t, v.ReservePending(ctx, p), vault.ErrAssetTaken)

	rows, err := st.ListPendingAssets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
}

func TestWithdrawAndReleasePending(t *testing.T) {
	st := testutil.NewTestStore(t)
	v := vault.New(st)
	ctx := context.Background()

	require.NoError(t, v.Deposit(ctx, "u1", 10, "0xabc", model.ChainEthereum))
	require.NoError(t, v.Withdraw(ctx, "u1", 10, "0xabc"))
	require.NoError(t, v.Withdraw(ctx, "u1", 10, "0xabc"))
	owned, err := st.ListVaultAssets(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, owned)

	require.NoError(t, v.ReservePending(ctx, model.PendingAsset{SaleID: 1, AssetID: 3, UserID: "u1", AttemptID: "a-1"}))
	require.NoError(t, v.ReleasePending(ctx, 1, 3, "a-other"))
	rows, err := st.ListPendingAssets(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "another attempt's release leaves the row")

	require.NoError(t, v.ReleasePending(ctx, 1, 3, "a-1"))
	rows, err = st.ListPendingAssets(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
