package allocator_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pack_sale/internal/allocator"
	"pack_sale/internal/apperr"
	"pack_sale/internal/chain"
	"pack_sale/internal/clock"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
	"pack_sale/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChain struct {
	mu      sync.Mutex
	fail    bool
	actions []string
}

func (f *fakeChain) Settle(_ context.Context, action string, _ any, _ string) (chain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if f.fail {
		return chain.Settlement{}, errors.New("node unreachable")
	}
	return chain.Settlement{Settled: true, Reference: fmt.Sprintf("tx-%d", len(f.actions))}, nil
}

func (f *fakeChain) MintCount(context.Context, uint) (int, error) { return 0, nil }

func (f *fakeChain) CheckOwnership(context.Context, string, int64) (bool, error) { return false, nil }

func createSale(t *testing.T, st *store.Store, qt model.QueueType, mutate ...func(*model.Sale)) *model.Sale {
	t.Helper()
	sale := &model.Sale{
		TemplateID:              7,
		Price:                   500,
		Currency:                "USD",
		LimitPerUser:            2,
		MaxIssue:                10,
		QueueType:               qt,
		Chain:                   model.ChainWax,
		RegistrationStart:       t0.Add(-2 * time.Hour),
		RegistrationEnd:         t0,
		SaleStart:               t0,
		SaleEnd:                 t0.Add(2 * time.Minute),
		QueueInitializationTime: t0.Add(-time.Hour),
		SlotState:               model.SlotDraft,
		QueueState:              model.QueueOpen,
		IsEnabled:               true,
		ChargeFee:               decimal.NewFromFloat(3.5),
	}
	if qt != model.QueueRandom {
		sale.QueueState = model.QueueShuffled
	}
	for _, m := range mutate {
		m(sale)
	}
	require.NoError(t, st.CreateSale(context.Background(), sale))
	return sale
}

// configureTwoSlots [1,50] -> [t0, t0+60s), [51,100] -> [t0+60s, t0+120s)
func configureTwoSlots(t *testing.T, a *allocator.Allocator, saleID uint) {
	t.Helper()
	ctx := context.Background()
	_, err := a.ConfigureSlot(ctx, saleID, 60, 1, 50)
	require.NoError(t, err)
	_, err = a.ConfigureSlot(ctx, saleID, 60, 51, 100)
	require.NoError(t, err)
}

func TestRegisterFCFSAssignsIncreasingRanks(t *testing.T) {
	st := testutil.NewTestStore(t)
	clk := clock.NewManual(t0.Add(-time.Hour))
	a := allocator.New(st, clk)
	sale := createSale(t, st, model.QueueFCFS)
	configureTwoSlots(t, a, sale.ID)
	ctx := context.Background()

	for i, u := range []string{"u1", "u2", "u3"} {
		reg, err := a.Register(ctx, sale.ID, u, "name-"+u)
		require.NoError(t, err)
		assert.Equal(t, i+1, reg.Rank)
	}

	_, err := a.Register(ctx, sale.ID, "u1", "name-u1")
	assert.ErrorIs(t, err, apperr.ErrAlreadyRegistered)
	assert.Equal(t, apperr.KindConfigurationInvalid, apperr.KindOf(err))
}

func TestReRegistrationMovesToTail(t *testing.T) {
	st := testutil.NewTestStore(t)
	clk := clock.NewManual(t0.Add(-time.Hour))
	a := allocator.New(st, clk)
	sale := createSale(t, st, model.QueueFCFS, func(s *model.Sale) { s.IsReRegistrationEnabled = true })
	configureTwoSlots(t, a, sale.ID)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := a.Register(ctx, sale.ID, u, u)
		require.NoError(t, err)
	}
	reg, err := a.Register(ctx, sale.ID, "u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, reg.Rank)

	regs, err := a.Registrations(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, regs, 3)
}

func TestRegisterRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no queue", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		a := allocator.New(st, clock.NewFixed(t0.Add(-time.Hour)))
		sale := createSale(t, st, model.QueueNone, func(s *model.Sale) { s.SlotState = model.SlotReady })
		_, err := a.Register(ctx, sale.ID, "u1", "u1")
		assert.ErrorIs(t, err, apperr.ErrNoQueue)
	})

	t.Run("slots not configured", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		a := allocator.New(st, clock.NewFixed(t0.Add(-time.Hour)))
		sale := createSale(t, st, model.QueueFCFS)
		_, err := a.Register(ctx, sale.ID, "u1", "u1")
		assert.ErrorIs(t, err, apperr.ErrQueueNotConfigured)
		assert.Equal(t, apperr.KindAdmissionRejected, apperr.KindOf(err))
	})

	t.Run("before registration start", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		clk := clock.NewManual(t0.Add(-3 * time.Hour))
		a := allocator.New(st, clk)
		sale := createSale(t, st, model.QueueFCFS)
		configureTwoSlots(t, a, sale.ID)
		_, err := a.Register(ctx, sale.ID, "u1", "u1")
		assert.ErrorIs(t, err, apperr.ErrRegistrationNotStarted)
	})

	t.Run("after sale end", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		clk := clock.NewManual(t0.Add(-time.Hour))
		a := allocator.New(st, clk)
		sale := createSale(t, st, model.QueueFCFS)
		configureTwoSlots(t, a, sale.ID)
		clk.Set(t0.Add(2 * time.Minute))
		_, err := a.Register(ctx, sale.ID, "u1", "u1")
		assert.ErrorIs(t, err, apperr.ErrRegistrationClosed)
	})

	t.Run("unknown sale", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		a := allocator.New(st, clock.NewFixed(t0))
		_, err := a.Register(ctx, 999, "u1", "u1")
		assert.ErrorIs(t, err, apperr.ErrSaleNotFound)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestConfigureSlotClosesExactlyOnce(t *testing.T) {
	st := testutil.NewTestStore(t)
	fc := &fakeChain{}
	a := allocator.New(st, clock.NewFixed(t0.Add(-time.Hour)), allocator.WithChain(fc))
	sale := createSale(t, st, model.QueueFCFS)
	ctx := context.Background()

	first, err := a.ConfigureSlot(ctx, sale.ID, 60, 1, 50)
	require.NoError(t, err)
	assert.True(t, first.SlotStart.Equal(t0))
	assert.True(t, first.SlotEnd.Equal(t0.Add(time.Minute)))

	got, err := st.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotConfiguring, got.SlotState)
	assert.False(t, got.QueueConfigurationInitialized())

	// 超出 SaleEnd 的部分被截断
	second, err := a.ConfigureSlot(ctx, sale.ID, 600, 51, 100)
	require.NoError(t, err)
	assert.True(t, second.SlotStart.Equal(t0.Add(time.Minute)))
	assert.True(t, second.SlotEnd.Equal(t0.Add(2*time.Minute)))

	got, err = st.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, got.QueueConfigurationInitialized())

	_, err = a.ConfigureSlot(ctx, sale.ID, 60, 101, 150)
	assert.ErrorIs(t, err, apperr.ErrSlotsConfigured)
	assert.Equal(t, apperr.KindConfigurationInvalid, apperr.KindOf(err))

	slots, err := a.Slots(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.True(t, slots[0].TxnStatus)
	assert.Equal(t, []string{chain.ActionSetQueue, chain.ActionSetQueue}, fc.actions)
}

func TestConfigureSlotValidation(t *testing.T) {
	st := testutil.NewTestStore(t)
	a := allocator.New(st, clock.NewFixed(t0.Add(-time.Hour)))
	sale := createSale(t, st, model.QueueFCFS)
	noQueue := createSale(t, st, model.QueueNone)
	ctx := context.Background()

	cases := []struct {
		name     string
		saleID   uint
		interval int64
		min, max int
		want     error
	}{
		{"zero interval", sale.ID, 0, 1, 10, apperr.ErrInvalidInterval},
		{"min equals max", sale.ID, 60, 5, 5, apperr.ErrInvalidRankRange},
		{"min above max", sale.ID, 60, 10, 5, apperr.ErrInvalidRankRange},
		{"non-positive rank", sale.ID, 60, 0, 5, apperr.ErrInvalidRankRange},
		{"first slot must start at rank 1", sale.ID, 60, 2, 10, apperr.ErrRankGap},
		{"no queue sale", noQueue.ID, 60, 1, 10, apperr.ErrNoQueue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.ConfigureSlot(ctx, tc.saleID, tc.interval, tc.min, tc.max)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, apperr.KindConfigurationInvalid, apperr.KindOf(err))
		})
	}

	_, err := a.ConfigureSlot(ctx, sale.ID, 30, 1, 10)
	require.NoError(t, err)
	_, err = a.ConfigureSlot(ctx, sale.ID, 30, 12, 20)
	assert.ErrorIs(t, err, apperr.ErrRankGap)
	_, err = a.ConfigureSlot(ctx, sale.ID, 30, 11, 20)
	assert.NoError(t, err)
}

func TestConfigureSlotChainFailureDoesNotBlock(t *testing.T) {
	st := testutil.NewTestStore(t)
	fc := &fakeChain{fail: true}
	a := allocator.New(st, clock.NewFixed(t0.Add(-time.Hour)), allocator.WithChain(fc))
	sale := createSale(t, st, model.QueueFCFS)
	ctx := context.Background()

	slot, err := a.ConfigureSlot(ctx, sale.ID, 60, 1, 50)
	require.NoError(t, err)
	assert.False(t, slot.TxnStatus)
	assert.Equal(t, "node unreachable", slot.TxnMessage)

	_, err = a.ConfigureSlot(ctx, sale.ID, 60, 51, 100)
	require.NoError(t, err)

	slots, err := a.Slots(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.False(t, slots[1].TxnStatus)
}

func TestCurrentSlot(t *testing.T) {
	st := testutil.NewTestStore(t)
	clk := clock.NewManual(t0.Add(-time.Hour))
	a := allocator.New(st, clk)
	sale := createSale(t, st, model.QueueFCFS)
	configureTwoSlots(t, a, sale.ID)
	ctx := context.Background()

	cases := []struct {
		at      time.Time
		wantMin int
	}{
		{t0.Add(-time.Second), 0},
		{t0, 1},
		{t0.Add(30 * time.Second), 1},
		{t0.Add(60 * time.Second), 51},
		{t0.Add(90 * time.Second), 51},
		{t0.Add(120 * time.Second), 0},
	}
	for _, tc := range cases {
		clk.Set(tc.at)
		slot, err := a.CurrentSlot(ctx, sale.ID)
		require.NoError(t, err)
		if tc.wantMin == 0 {
			assert.Nil(t, slot, "at %s", tc.at)
			continue
		}
		require.NotNil(t, slot, "at %s", tc.at)
		assert.Equal(t, tc.wantMin, slot.MinRank)
	}
}

func TestRandomQueueShuffleIsPermutation(t *testing.T) {
	st := testutil.NewTestStore(t)
	clk := clock.NewManual(t0.Add(-90 * time.Minute))
	a := allocator.New(st, clk)
	sale := createSale(t, st, model.QueueRandom)
	configureTwoSlots(t, a, sale.ID)
	ctx := context.Background()

	const n = 40
	for i := 0; i < n; i++ {
		reg, err := a.Register(ctx, sale.ID, fmt.Sprintf("u%02d", i), "")
		require.NoError(t, err)
		assert.Equal(t, 0, reg.Rank, "unranked until shuffle")
	}

	_, err := a.Queue(ctx, sale.ID)
	assert.ErrorIs(t, err, apperr.ErrQueueNotInitialized)
	_, err = a.RankOf(ctx, sale.ID, "u00")
	assert.ErrorIs(t, err, apperr.ErrQueueNotInitialized)

	clk.Set(t0.Add(-time.Hour))
	regs, err := a.Queue(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, regs, n)

	ranks := make([]int, 0, n)
	users := map[string]bool{}
	for _, r := range regs {
		ranks = append(ranks, r.Rank)
		users[r.UserID] = true
	}
	sort.Ints(ranks)
	for i, r := range ranks {
		assert.Equal(t, i+1, r)
	}
	assert.Len(t, users, n)

	// 洗牌之后报名的人排在队尾
	late, err := a.Register(ctx, sale.ID, "late", "")
	require.NoError(t, err)
	assert.Equal(t, n+1, late.Rank)

	info, err := a.RankOf(ctx, sale.ID, "late")
	require.NoError(t, err)
	assert.Equal(t, n+1, info.Rank)
	require.NotNil(t, info.StartTime)
	require.NotNil(t, info.EndTime)
	assert.True(t, info.StartTime.Equal(t0))
	assert.True(t, info.EndTime.Equal(t0.Add(time.Minute)))
}

func TestConcurrentInitializeShufflesOnce(t *testing.T) {
	st := testutil.NewTestStore(t)
	clk := clock.NewManual(t0.Add(-90 * time.Minute))
	var draws atomic.Int64
	a := allocator.New(st, clk, allocator.WithRand(func(n int) int {
		draws.Add(1)
		return n - 1
	}))
	sale := createSale(t, st, model.QueueRandom)
	configureTwoSlots(t, a, sale.ID)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := a.Register(ctx, sale.ID, fmt.Sprintf("u%02d", i), "")
		require.NoError(t, err)
	}
	clk.Set(t0.Add(-time.Hour))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.InitializeQueue(ctx, sale.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// 一次 Fisher–Yates 对 n 个元素恰好抽 n-1 次
	assert.EqualValues(t, n-1, draws.Load())

	got, err := st.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, got.QueueInitialized())
}

func TestInitializeQueueWithoutRegistrationsIsNoop(t *testing.T) {
	st := testutil.NewTestStore(t)
	a := allocator.New(st, clock.NewFixed(t0))
	sale := createSale(t, st, model.QueueRandom)

	require.NoError(t, a.InitializeQueue(context.Background(), sale.ID))
	got, err := st.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.False(t, got.QueueInitialized())
}
