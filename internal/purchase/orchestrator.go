package purchase

import (
	"context"
	"log/slog"
	"time"

	"pack_sale/internal/alert"
	"pack_sale/internal/apperr"
	"pack_sale/internal/cache"
	"pack_sale/internal/chain"
	"pack_sale/internal/clock"
	"pack_sale/internal/keylock"
	"pack_sale/internal/model"
	"pack_sale/internal/payment"
	"pack_sale/internal/queue"
	"pack_sale/internal/store"
	"pack_sale/internal/vault"

	"github.com/google/uuid"
)

// Queue 购买前的排队校验：惰性洗牌与当前时段
type Queue interface {
	EnsureInitialized(ctx context.Context, sale *model.Sale) (*model.Sale, error)
	CurrentSlot(ctx context.Context, saleID uint) (*model.QueueSlot, error)
}

// SupplyGate 数据库之前的售罄快速拒绝
type SupplyGate interface {
	Take(ctx context.Context, saleID uint, units int) (bool, error)
	Return(ctx context.Context, attemptID string, saleID uint, units int) error
}

// InflightLock 同一用户同一活动只允许一个进行中的购买
type InflightLock interface {
	Acquire(ctx context.Context, saleID uint, userID, attemptID string) (bool, error)
	Release(ctx context.Context, saleID uint, userID, attemptID string) error
}

type AttemptTracker interface {
	Put(ctx context.Context, st cache.AttemptState) error
	Get(ctx context.Context, attemptID string) (cache.AttemptState, bool, error)
}

// EventSink 接收购买终态事件
type EventSink interface {
	Publish(ctx context.Context, ev queue.PurchaseEvent) error
}

// Deps 购买编排必需的协作方
type Deps struct {
	Store   *store.Store
	Clock   clock.Clock
	Queue   Queue
	Payment payment.Gateway
	Chain   chain.Adapter
	Vault   vault.Vault
	Alerts  alert.Alerter
}

// Orchestrator 购买编排：准入 -> 预授权 -> 加锁预留 -> 链上结算 -> 扣款或补偿。
// 只有预留这一步持有活动锁，支付与链上调用都在锁外。
type Orchestrator struct {
	st      *store.Store
	clock   clock.Clock
	queue   Queue
	payment payment.Gateway
	chain   chain.Adapter
	vault   vault.Vault
	alerts  alert.Alerter
	locks   *keylock.Locker

	supply   SupplyGate
	inflight InflightLock
	tracker  AttemptTracker
	events   EventSink
	log      *slog.Logger
	newID    func() string

	maxUnits       int
	chainTimeout   time.Duration
	paymentTimeout time.Duration
	waxContract    string
}

type Option func(*Orchestrator)

// WithMaxUnitsPerCall 单次购买件数上限，与活动限购无关。
func WithMaxUnitsPerCall(n int) Option { return func(o *Orchestrator) { o.maxUnits = n } }

func WithChainTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.chainTimeout = d } }

func WithPaymentTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.paymentTimeout = d } }

func WithEventSink(s EventSink) Option { return func(o *Orchestrator) { o.events = s } }

func WithSupplyGate(g SupplyGate) Option { return func(o *Orchestrator) { o.supply = g } }

func WithInflightLock(l InflightLock) Option { return func(o *Orchestrator) { o.inflight = l } }

func WithAttemptTracker(t AttemptTracker) Option { return func(o *Orchestrator) { o.tracker = t } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithIDGenerator 替换 attempt id 生成方式
func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }

// WithWaxContract Wax 购买动作发往的合约账号
func WithWaxContract(c string) Option { return func(o *Orchestrator) { o.waxContract = c } }

func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		st:             d.Store,
		clock:          d.Clock,
		queue:          d.Queue,
		payment:        d.Payment,
		chain:          d.Chain,
		vault:          d.Vault,
		alerts:         d.Alerts,
		locks:          keylock.New(),
		log:            slog.Default(),
		newID:          uuid.NewString,
		maxUnits:       10,
		chainTimeout:   30 * time.Second,
		paymentTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Buy 用户购买
func (o *Orchestrator) Buy(ctx context.Context, req Request) (*Receipt, error) {
	return o.buy(ctx, req, false)
}

// BuyAsOperator 运营代购：准入规则不变，免支付。
func (o *Orchestrator) BuyAsOperator(ctx context.Context, req Request) (*Receipt, error) {
	return o.buy(ctx, req, true)
}

func (o *Orchestrator) buy(ctx context.Context, req Request, operator bool) (*Receipt, error) {
	at := &attempt{id: o.newID(), req: req, operator: operator, status: StatusAdmitted}
	log := o.log.With("attempt_id", at.id, "sale_id", req.SaleID, "user_id", req.UserID)

	sale, eth, err := o.admitStatic(ctx, at)
	if err != nil {
		return nil, err
	}

	if o.inflight != nil {
		ok, err := o.inflight.Acquire(ctx, req.SaleID, req.UserID, at.id)
		switch {
		case err != nil:
			// Redis 出错时放行，数据库事务仍会兜底
			log.Warn("inflight lock unavailable", "err", err)
		case !ok:
			return nil, apperr.Rejected(apperr.ErrPurchaseInProgress)
		default:
			defer func() {
				if err := o.inflight.Release(context.WithoutCancel(ctx), req.SaleID, req.UserID, at.id); err != nil {
					log.Warn("release inflight lock", "err", err)
				}
			}()
		}
	}

	chainMinted, err := o.admitCaps(ctx, at, sale)
	if err != nil {
		return nil, err
	}
	if err := o.admitQueue(ctx, at, sale); err != nil {
		return nil, err
	}

	if o.supply != nil {
		ok, err := o.supply.Take(ctx, sale.ID, at.units)
		switch {
		case err != nil:
			log.Warn("supply gate unavailable", "err", err)
		case !ok:
			return nil, apperr.Rejected(apperr.ErrSoldOut)
		default:
			defer o.returnSupplyOnFailure(ctx, at, log)
		}
	}

	log.Info("purchase admitted", "units", at.units, "rank", at.rank, "operator", operator)
	return o.settle(ctx, at, sale, eth, chainMinted, log)
}

// admitStatic 准入 1-5：活动、时间窗、时段配置、件数、mint-on-buy 单件限制。
func (o *Orchestrator) admitStatic(ctx context.Context, at *attempt) (*model.Sale, *model.EthereumSale, error) {
	req := at.req
	sale, err := o.st.GetSale(ctx, req.SaleID)
	if err != nil {
		return nil, nil, err
	}
	if !sale.IsEnabled {
		return nil, nil, apperr.Rejected(apperr.ErrSaleDisabled)
	}
	if sale.TemplateID != req.TemplateID {
		return nil, nil, apperr.Rejected(apperr.ErrTemplateMismatch)
	}
	now := o.clock.Now()
	if now.Before(sale.SaleStart) {
		return nil, nil, apperr.Rejected(apperr.ErrSaleNotStarted)
	}
	if !sale.InSaleWindow(now) {
		return nil, nil, apperr.Rejected(apperr.ErrSaleEnded)
	}
	if !sale.QueueConfigurationInitialized() {
		return nil, nil, apperr.Rejected(apperr.ErrQueueNotConfigured)
	}

	units := 1
	if !sale.IsFreePack {
		units = int(req.Amount / sale.Price)
	}
	if units <= 0 {
		return nil, nil, apperr.Rejected(apperr.ErrAmountTooLow)
	}
	if units > o.maxUnits {
		return nil, nil, apperr.Rejected(apperr.ErrTooManyUnits)
	}
	at.units = units
	at.currency = sale.Currency

	var eth *model.EthereumSale
	if sale.Chain == model.ChainEthereum {
		if eth, err = o.st.GetEthereumSale(ctx, sale.ID); err != nil {
			return nil, nil, err
		}
		if eth.MintOnBuy && units != 1 {
			return nil, nil, apperr.Rejected(apperr.ErrMintOnBuySingleUnit)
		}
	}
	return sale, eth, nil
}

// admitCaps 准入 6-7 的预检，锁内预留时会再查一次。Wax 的全局已售以链上计数为准。
func (o *Orchestrator) admitCaps(ctx context.Context, at *attempt, sale *model.Sale) (int, error) {
	bought, err := o.st.SumUnits(ctx, sale.ID, at.req.UserID, model.SettlementConfirmed, model.SettlementPending)
	if err != nil {
		return 0, err
	}
	if bought+at.units > sale.LimitPerUser {
		return 0, apperr.Rejected(apperr.ErrUserLimitExceeded)
	}

	chainMinted := 0
	if sale.Chain == model.ChainWax {
		if chainMinted, err = o.chain.MintCount(ctx, sale.ID); err != nil {
			return 0, apperr.Internal("read chain mint count", err)
		}
	}
	sold, err := o.globalSold(ctx, sale, chainMinted)
	if err != nil {
		return 0, err
	}
	if sold+at.units > sale.MaxIssue {
		return 0, apperr.Rejected(apperr.ErrSoldOut)
	}
	return chainMinted, nil
}

// globalSold 已占用的全局件数：确认 + 进行中。Wax 以链上计数与本地确认数的较大者为已确认。
func (o *Orchestrator) globalSold(ctx context.Context, sale *model.Sale, chainMinted int) (int, error) {
	confirmed, err := o.st.SumUnits(ctx, sale.ID, "", model.SettlementConfirmed)
	if err != nil {
		return 0, err
	}
	pending, err := o.st.SumUnits(ctx, sale.ID, "", model.SettlementPending)
	if err != nil {
		return 0, err
	}
	return max(confirmed, chainMinted) + pending, nil
}

// admitQueue 准入 8：报名、惰性洗牌、排名落在当前时段。
func (o *Orchestrator) admitQueue(ctx context.Context, at *attempt, sale *model.Sale) error {
	if sale.QueueType == model.QueueNone {
		return nil
	}
	if _, err := o.queue.EnsureInitialized(ctx, sale); err != nil {
		return err
	}
	reg, err := o.st.GetRegistration(ctx, sale.ID, at.req.UserID)
	if err != nil {
		return err
	}
	slot, err := o.queue.CurrentSlot(ctx, sale.ID)
	if err != nil {
		return err
	}
	if slot == nil {
		return apperr.Rejected(apperr.ErrNoActiveSlot)
	}
	if !slot.Contains(reg.Rank) {
		return apperr.Rejected(apperr.ErrNotYourSlot)
	}
	at.rank = reg.Rank
	return nil
}

func (o *Orchestrator) returnSupplyOnFailure(ctx context.Context, at *attempt, log *slog.Logger) {
	if at.succeeded {
		return
	}
	if err := o.supply.Return(context.WithoutCancel(ctx), at.id, at.req.SaleID, at.units); err != nil {
		log.Warn("return supply", "err", err)
	}
}

// Attempt 查询购买尝试状态：先读 Redis，缺失时回落到账本。
func (o *Orchestrator) Attempt(ctx context.Context, attemptID string) (cache.AttemptState, error) {
	if o.tracker != nil {
		st, found, err := o.tracker.Get(ctx, attemptID)
		if err != nil {
			o.log.Warn("read attempt state", "attempt_id", attemptID, "err", err)
		}
		if found {
			return st, nil
		}
	}
	unit, err := o.st.GetSoldUnit(ctx, attemptID)
	if err != nil {
		return cache.AttemptState{}, err
	}
	return cache.AttemptState{
		AttemptID: unit.ID,
		SaleID:    unit.SaleID,
		UserID:    unit.UserID,
		Status:    string(unit.Status),
		Reason:    unit.TxnMessage,
		TxnID:     unit.TxnID,
	}, nil
}
