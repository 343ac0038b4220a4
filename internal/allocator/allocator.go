package allocator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/chain"
	"pack_sale/internal/clock"
	"pack_sale/internal/keylock"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
)

// Allocator 排队分配器：报名、排名（FCFS / 洗牌）、按排名切分的购买时段。
type Allocator struct {
	st       *store.Store
	clock    clock.Clock
	chain    chain.Adapter
	locks    *keylock.Locker
	log      *slog.Logger
	intn     func(n int) int
	initWait time.Duration
	contract func(ctx context.Context, sale *model.Sale) string
}

type Option func(*Allocator)

// WithChain 配置后，时段会同步到链上合约。
func WithChain(a chain.Adapter) Option { return func(al *Allocator) { al.chain = a } }

func WithLogger(l *slog.Logger) Option { return func(al *Allocator) { al.log = l } }

// WithRand 替换洗牌用的随机源，intn 返回 [0, n) 的均匀整数。
func WithRand(intn func(n int) int) Option { return func(al *Allocator) { al.intn = intn } }

// WithInitWait 洗牌被其他调用方抢到时，最多等待多久读到结果。
func WithInitWait(d time.Duration) Option { return func(al *Allocator) { al.initWait = d } }

// WithContractResolver 决定时段同步到哪个合约。
func WithContractResolver(fn func(ctx context.Context, sale *model.Sale) string) Option {
	return func(al *Allocator) { al.contract = fn }
}

func New(st *store.Store, clk clock.Clock, opts ...Option) *Allocator {
	a := &Allocator{
		st:       st,
		clock:    clk,
		locks:    keylock.New(),
		log:      slog.Default(),
		intn:     rand.IntN,
		initWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register 报名。FCFS 或已洗牌的随机队列直接排到队尾；未洗牌的随机队列先记 rank=0，洗牌时统一分配。
func (a *Allocator) Register(ctx context.Context, saleID uint, userID, username string) (*model.Registration, error) {
	sale, err := a.st.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.QueueType == model.QueueNone {
		return nil, apperr.Invalid(apperr.ErrNoQueue)
	}
	if !sale.QueueConfigurationInitialized() {
		return nil, apperr.Rejected(apperr.ErrQueueNotConfigured)
	}
	now := a.clock.Now()
	if now.Before(sale.RegistrationStart) {
		return nil, apperr.Rejected(apperr.ErrRegistrationNotStarted)
	}
	if !now.Before(sale.SaleEnd) {
		return nil, apperr.Rejected(apperr.ErrRegistrationClosed)
	}
	if !sale.QueueInitialized() && !now.Before(sale.QueueInitializationTime) {
		if err := a.InitializeQueue(ctx, saleID); err != nil {
			return nil, err
		}
		if sale, err = a.st.GetSale(ctx, saleID); err != nil {
			return nil, err
		}
	}

	unlock := a.locks.Lock(saleID)
	defer unlock()

	var reg *model.Registration
	err = a.st.WithTx(ctx, func(txCtx context.Context) error {
		// 锁内重读，洗牌可能刚刚完成
		sale, err := a.st.GetSale(txCtx, saleID)
		if err != nil {
			return err
		}
		existing, err := a.st.GetRegistration(txCtx, saleID, userID)
		if err != nil && !isNotRegistered(err) {
			return err
		}
		top, err := a.st.MaxRank(txCtx, saleID)
		if err != nil {
			return err
		}
		if existing != nil {
			if !sale.IsReRegistrationEnabled {
				return apperr.Invalid(apperr.ErrAlreadyRegistered)
			}
			if err := a.st.DeleteRegistration(txCtx, existing.ID); err != nil {
				return err
			}
		}

		rank := 0
		if sale.QueueType == model.QueueFCFS || sale.QueueInitialized() {
			rank = top + 1
		}
		reg = &model.Registration{SaleID: saleID, UserID: userID, Username: username, Rank: rank}
		return a.st.CreateRegistration(txCtx, reg)
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("user registered", "sale_id", saleID, "user_id", userID, "rank", reg.Rank)
	return reg, nil
}

// Registration 查询用户报名记录
func (a *Allocator) Registration(ctx context.Context, saleID uint, userID string) (*model.Registration, error) {
	return a.st.GetRegistration(ctx, saleID, userID)
}

// Registrations 运营查看全部报名
func (a *Allocator) Registrations(ctx context.Context, saleID uint) ([]model.Registration, error) {
	if _, err := a.st.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return a.st.ListRegistrations(ctx, saleID)
}

func isNotRegistered(err error) bool {
	return errors.Is(err, apperr.ErrNotRegistered)
}
