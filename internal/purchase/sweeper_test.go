package purchase_test

import (
	"context"
	"testing"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/clock"
	"pack_sale/internal/model"
	"pack_sale/internal/purchase"
	"pack_sale/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRow(t *testing.T, h *harness, sale *model.Sale, id string, created time.Time) {
	t.Helper()
	require.NoError(t, h.st.CreateSoldUnit(context.Background(), &model.SoldUnit{
		ID:         id,
		CreatedAt:  created,
		SaleID:     sale.ID,
		UserID:     "u-" + id,
		TemplateID: sale.TemplateID,
		Units:      1,
		Amount:     500,
		Currency:   "USD",
		Status:     model.SettlementPending,
	}))
}

func TestSweeperAlertsOncePerStaleRow(t *testing.T) {
	h := newHarness(t)
	sale := h.createSale(t)
	ctx := context.Background()
	pendingRow(t, h, sale, "old", t0)
	pendingRow(t, h, sale, "fresh", t0.Add(8*time.Minute))

	clk := clock.NewManual(t0.Add(5 * time.Minute))
	sw := purchase.NewSweeper(h.st, clk, h.alerts, 10*time.Minute, time.Minute, discard)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Set(t0.Add(11 * time.Minute))
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts := h.alerts.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, "old", alerts[0].AttemptID)
	assert.Equal(t, apperr.StageChain, alerts[0].FailureStage)
	assert.Equal(t, int64(500), alerts[0].Amount)

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already alerted rows are not repeated")

	clk.Set(t0.Add(20 * time.Minute))
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := sw.Stale(ctx)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestSweeperIgnoresSettledRows(t *testing.T) {
	h := newHarness(t)
	sale := h.createSale(t)
	ctx := context.Background()
	pendingRow(t, h, sale, "a", t0)

	clk := clock.NewManual(t0.Add(time.Hour))
	sw := purchase.NewSweeper(h.st, clk, h.alerts, 10*time.Minute, time.Minute, discard)
	_, err := sw.SweepOnce(ctx)
	require.NoError(t, err)

	ok, err := h.st.MarkSoldUnit(ctx, "a", model.SettlementConfirmed, store.SettlementUpdate{TxnID: "tx-late"})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	stale, err := sw.Stale(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Len(t, h.alerts.sent(), 1)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	sale := h.createSale(t)
	pendingRow(t, h, sale, "a", t0)

	sw := purchase.NewSweeper(h.st, clock.NewManual(t0.Add(time.Hour)), h.alerts, time.Minute, 5*time.Millisecond, discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(h.alerts.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Len(t, h.alerts.sent(), 1)
}
