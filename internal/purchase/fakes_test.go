package purchase_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pack_sale/internal/alert"
	"pack_sale/internal/allocator"
	"pack_sale/internal/cache"
	"pack_sale/internal/chain"
	"pack_sale/internal/clock"
	"pack_sale/internal/model"
	"pack_sale/internal/payment"
	"pack_sale/internal/purchase"
	"pack_sale/internal/queue"
	"pack_sale/internal/store"
	"pack_sale/internal/testutil"
	"pack_sale/internal/vault"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGateway struct {
	mu            sync.Mutex
	holdStatus    model.HoldStatus
	holdErr       error
	captureStatus model.HoldStatus
	cancelStatus  model.HoldStatus
	refundStatus  model.HoldStatus
	refundErr     error
	holds         []payment.HoldRequest
	captures      int
	cancels       int
	refunds       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		holdStatus:    model.HoldPlaced,
		captureStatus: model.HoldSuccessful,
		cancelStatus:  model.HoldCancelled,
		refundStatus:  model.HoldRefunded,
	}
}

func (g *fakeGateway) Hold(_ context.Context, req payment.HoldRequest) (payment.HoldResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds = append(g.holds, req)
	if g.holdErr != nil {
		return payment.HoldResult{}, g.holdErr
	}
	res := payment.HoldResult{Ref: fmt.Sprintf("chrg_%d", len(g.holds)), Status: g.holdStatus}
	if g.holdStatus != model.HoldPlaced {
		res.Detail = "card declined"
	}
	return res, nil
}

func (g *fakeGateway) Capture(context.Context, string) (model.HoldStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++
	return g.captureStatus, nil
}

func (g *fakeGateway) Cancel(context.Context, string) (model.HoldStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return g.cancelStatus, nil
}

func (g *fakeGateway) Refund(_ context.Context, ref string) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	if g.refundErr != nil {
		return payment.RefundResult{}, g.refundErr
	}
	return payment.RefundResult{Status: g.refundStatus, Ref: "rfnd_" + ref}, nil
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds
}

func (g *fakeGateway) calls() (holds, captures, cancels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holds), g.captures, g.cancels
}

type fakeChain struct {
	mu          sync.Mutex
	reject      bool
	err         error
	delay       time.Duration
	mintCount   int
	minted      map[int64]bool
	ownershipOf map[int64]error
	actions     []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{minted: map[int64]bool{}}
}

func (c *fakeChain) Settle(ctx context.Context, action string, payload any, _ string) (chain.Settlement, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return chain.Settlement{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	if c.err != nil {
		return chain.Settlement{}, c.err
	}
	if c.reject {
		return chain.Settlement{Settled: false, Detail: "assertion failure: sale not active"}, nil
	}
	if p, ok := payload.(chain.MintPayload); ok {
		c.minted[p.AssetID] = true
	}
	return chain.Settlement{Settled: true, Reference: fmt.Sprintf("tx-%d", len(c.actions))}, nil
}

func (c *fakeChain) MintCount(context.Context, uint) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mintCount, nil
}

func (c *fakeChain) CheckOwnership(_ context.Context, _ string, assetID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ownershipOf[assetID]; err != nil {
		return false, err
	}
	return c.minted[assetID], nil
}

func (c *fakeChain) failOwnership(id int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownershipOf == nil {
		c.ownershipOf = map[int64]error{}
	}
	c.ownershipOf[id] = err
}

func (c *fakeChain) setMinted(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minted[id] = true
}

func (c *fakeChain) actionLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

type fakeAlerts struct {
	mu   sync.Mutex
	msgs []alert.Message
}

func (a *fakeAlerts) Send(_ context.Context, msg alert.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *fakeAlerts) sent() []alert.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Message(nil), a.msgs...)
}

type fakeSupply struct {
	mu        sync.Mutex
	remaining int
	returned  map[string]int
}

func (s *fakeSupply) Take(_ context.Context, _ uint, units int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining < units {
		return false, nil
	}
	s.remaining -= units
	return true, nil
}

func (s *fakeSupply) Return(_ context.Context, attemptID string, _ uint, units int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returned == nil {
		s.returned = map[string]int{}
	}
	if _, ok := s.returned[attemptID]; ok {
		return nil
	}
	s.returned[attemptID] = units
	s.remaining += units
	return nil
}

type fakeInflight struct {
	mu   sync.Mutex
	held map[string]string
}

func (l *fakeInflight) key(saleID uint, userID string) string { return fmt.Sprintf("%d:%s", saleID, userID) }

func (l *fakeInflight) Acquire(_ context.Context, saleID uint, userID, attemptID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]string{}
	}
	k := l.key(saleID, userID)
	if _, ok := l.held[k]; ok {
		return false, nil
	}
	l.held[k] = attemptID
	return true, nil
}

func (l *fakeInflight) Release(_ context.Context, saleID uint, userID, attemptID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(saleID, userID)
	if l.held[k] == attemptID {
		delete(l.held, k)
	}
	return nil
}

type fakeTracker struct {
	mu     sync.Mutex
	states map[string]cache.AttemptState
	trail  []string
}

func (f *fakeTracker) Put(_ context.Context, st cache.AttemptState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = map[string]cache.AttemptState{}
	}
	f.states[st.AttemptID] = st
	f.trail = append(f.trail, st.Status)
	return nil
}

func (f *fakeTracker) Get(_ context.Context, attemptID string) (cache.AttemptState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[attemptID]
	return st, ok, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []queue.PurchaseEvent
}

func (s *fakeSink) Publish(_ context.Context, ev queue.PurchaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ev.Validate(); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

var errNodeDown = errors.New("node unreachable")

type harness struct {
	st     *store.Store
	clk    *clock.Manual
	gw     *fakeGateway
	ch     *fakeChain
	alerts *fakeAlerts
	alloc  *allocator.Allocator
	orch   *purchase.Orchestrator
}

func newHarness(t *testing.T, opts ...purchase.Option) *harness {
	t.Helper()
	h := &harness{
		st:     testutil.NewTestStore(t),
		clk:    clock.NewManual(t0.Add(10 * time.Second)),
		gw:     newFakeGateway(),
		ch:     newFakeChain(),
		alerts: &fakeAlerts{},
	}
	h.alloc = allocator.New(h.st, h.clk, allocator.WithLogger(discard))
	h.orch = purchase.New(purchase.Deps{
		Store:   h.st,
		Clock:   h.clk,
		Queue:   h.alloc,
		Payment: h.gw,
		Chain:   h.ch,
		Vault:   vault.New(h.st),
		Alerts:  h.alerts,
	}, append([]purchase.Option{purchase.WithLogger(discard)}, opts...)...)
	return h
}

// createSale 默认：Wax、不排队、单价 500、限购 2、总量 10、开售窗口 [t0, t0+2m)
func (h *harness) createSale(t *testing.T, mutate ...func(*model.Sale)) *model.Sale {
	t.Helper()
	sale := &model.Sale{
		TemplateID:        7,
		Price:             500,
		Currency:          "USD",
		LimitPerUser:      2,
		MaxIssue:          10,
		QueueType:         model.QueueNone,
		Chain:             model.ChainWax,
		RegistrationStart: t0.Add(-2 * time.Hour),
		RegistrationEnd:   t0,
		SaleStart:         t0,
		SaleEnd:           t0.Add(2 * time.Minute),
		SlotState:         model.SlotReady,
		QueueState:        model.QueueShuffled,
		IsEnabled:         true,
		ChargeFee:         decimal.NewFromFloat(3.5),
	}
	for _, m := range mutate {
		m(sale)
	}
	require.NoError(t, h.st.CreateSale(context.Background(), sale))
	return sale
}

func (h *harness) createEthereumSale(t *testing.T, mintOnBuy bool, mutate ...func(*model.Sale)) *model.Sale {
	t.Helper()
	sale := h.createSale(t, append([]func(*model.Sale){func(s *model.Sale) { s.Chain = model.ChainEthereum }}, mutate...)...)
	require.NoError(t, h.st.CreateEthereumSale(context.Background(), &model.EthereumSale{
		SaleID:        sale.ID,
		AssetContract: "0xpacks",
		MintOnBuy:     mintOnBuy,
		RangeFrom:     1,
		RangeTo:       int64(sale.MaxIssue),
	}))
	return sale
}

func request(sale *model.Sale, userID string, amount int64) purchase.Request {
	return purchase.Request{
		SaleID:        sale.ID,
		UserID:        userID,
		Username:      "name-" + userID,
		TemplateID:    sale.TemplateID,
		Amount:        amount,
		PaymentMethod: "tokn_test",
	}
}
