package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/chain"
	"pack_sale/internal/model"
	"pack_sale/internal/store"

	"github.com/shopspring/decimal"
)

// SupplyPreloader 供应闸门预热
type SupplyPreloader interface {
	Preload(ctx context.Context, saleID uint, remaining int) error
}

// CreateSaleInput 运营创建活动的参数
type CreateSaleInput struct {
	CollectionID            string
	TemplateID              int64
	TemplateName            string
	Price                   int64
	Currency                string
	LimitPerUser            int
	MaxIssue                int
	IsFreePack              bool
	QueueType               model.QueueType
	Chain                   model.Chain
	RegistrationStart       time.Time
	RegistrationEnd         time.Time
	SaleStart               time.Time
	SaleEnd                 time.Time
	UnpackStart             time.Time
	QueueInitializationTime time.Time
	IsReRegistrationEnabled bool
	ChargeFee               *decimal.Decimal
	AssetContract           string
	MintOnBuy               bool
	AddedBy                 string
}

// Service 活动目录：创建、查询与运营开关。
type Service struct {
	st          *store.Store
	chain       chain.Adapter
	supply      SupplyPreloader
	waxContract string
	log         *slog.Logger
}

type Option func(*Service)

func WithChain(a chain.Adapter, waxContract string) Option {
	return func(s *Service) {
		s.chain = a
		s.waxContract = waxContract
	}
}

func WithSupply(p SupplyPreloader) Option { return func(s *Service) { s.supply = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func New(st *store.Store, opts ...Option) *Service {
	s := &Service{st: st, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func invalid(reason string) error {
	return apperr.Wrap(apperr.KindConfigurationInvalid, reason, apperr.ErrInvalidSale)
}

// Validate 校验活动参数
func (in *CreateSaleInput) Validate() error {
	switch {
	case in.TemplateID <= 0:
		return invalid("template_id must be > 0")
	case !in.IsFreePack && in.Price <= 0:
		return invalid("price must be > 0 unless the pack is free")
	case in.Price < 0:
		return invalid("price must not be negative")
	case in.LimitPerUser <= 0:
		return invalid("limit_per_user must be > 0")
	case in.MaxIssue <= 0:
		return invalid("max_issue must be > 0")
	case !in.QueueType.Valid():
		return invalid("unknown queue_type")
	case !in.Chain.Valid():
		return invalid("unknown chain")
	case !in.SaleStart.Before(in.SaleEnd):
		return invalid("sale_start must be before sale_end")
	case in.ChargeFee != nil && in.ChargeFee.IsNegative():
		return invalid("charge_fee must not be negative")
	}
	if in.QueueType != model.QueueNone {
		if in.RegistrationStart.IsZero() || !in.RegistrationStart.Before(in.SaleEnd) {
			return invalid("registration_start must be set and before sale_end")
		}
		if !in.RegistrationEnd.IsZero() && in.RegistrationEnd.Before(in.RegistrationStart) {
			return invalid("registration_end must not be before registration_start")
		}
	}
	if in.QueueType == model.QueueRandom && in.QueueInitializationTime.IsZero() {
		return invalid("queue_initialization_time is required for random queues")
	}
	if in.Chain == model.ChainEthereum && strings.TrimSpace(in.AssetContract) == "" {
		return invalid("asset_contract is required for ethereum sales")
	}
	return nil
}

// CreateSale 创建活动并设置初始状态：
// FCFS / 不排队的活动排名天然确定；不排队的活动无需配置时段。
// 以太坊活动在同一事务里预留 asset id 区间；Wax 活动提交后到链上登记，登记失败只记录结果。
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (*model.Sale, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	fee := model.DefaultChargeFee
	if in.ChargeFee != nil {
		fee = *in.ChargeFee
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	sale := &model.Sale{
		CollectionID:            in.CollectionID,
		TemplateID:              in.TemplateID,
		TemplateName:            in.TemplateName,
		Price:                   in.Price,
		Currency:                currency,
		LimitPerUser:            in.LimitPerUser,
		MaxIssue:                in.MaxIssue,
		IsFreePack:              in.IsFreePack,
		QueueType:               in.QueueType,
		Chain:                   in.Chain,
		RegistrationStart:       in.RegistrationStart.UTC(),
		RegistrationEnd:         in.RegistrationEnd.UTC(),
		SaleStart:               in.SaleStart.UTC(),
		SaleEnd:                 in.SaleEnd.UTC(),
		UnpackStart:             in.UnpackStart.UTC(),
		QueueInitializationTime: in.QueueInitializationTime.UTC(),
		SlotState:               model.SlotDraft,
		QueueState:              model.QueueShuffled,
		IsEnabled:               true,
		IsReRegistrationEnabled: in.IsReRegistrationEnabled,
		ChargeFee:               fee,
		TxnStatus:               in.Chain != model.ChainWax,
		AddedBy:                 in.AddedBy,
	}
	switch in.QueueType {
	case model.QueueRandom:
		sale.QueueState = model.QueueOpen
	case model.QueueNone:
		sale.SlotState = model.SlotReady
	}

	err := s.st.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.st.CreateSale(txCtx, sale); err != nil {
			return err
		}
		if in.Chain != model.ChainEthereum {
			return nil
		}
		top, err := s.st.ReservedAssetUpperBound(txCtx, in.AssetContract)
		if err != nil {
			return err
		}
		return s.st.CreateEthereumSale(txCtx, &model.EthereumSale{
			SaleID:        sale.ID,
			AssetContract: in.AssetContract,
			MintOnBuy:     in.MintOnBuy,
			RangeFrom:     top + 1,
			RangeTo:       top + int64(in.MaxIssue),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("sale created", "sale_id", sale.ID, "chain", sale.Chain.String(), "queue_type", int(sale.QueueType))

	if sale.Chain == model.ChainWax {
		s.registerOnChain(ctx, sale)
	}
	return sale, nil
}

func (s *Service) registerOnChain(ctx context.Context, sale *model.Sale) {
	if s.chain == nil {
		return
	}
	res, err := s.chain.Settle(ctx, chain.ActionRegisterSale, chain.RegisterSalePayload{
		SaleID:       sale.ID,
		TemplateID:   sale.TemplateID,
		CollectionID: sale.CollectionID,
		MaxIssue:     sale.MaxIssue,
		LimitPerUser: sale.LimitPerUser,
		Price:        sale.Price,
		SaleStart:    sale.SaleStart.Unix(),
		SaleEnd:      sale.SaleEnd.Unix(),
		IsFreePack:   sale.IsFreePack,
	}, s.waxContract)
	if err != nil {
		res = chain.Settlement{Detail: err.Error()}
	}
	sale.TxnStatus, sale.TxnMessage, sale.TxnID = res.Settled, res.Detail, res.Reference
	if uerr := s.st.UpdateSaleTxn(context.WithoutCancel(ctx), sale.ID, res.Settled, res.Detail, res.Reference); uerr != nil {
		s.log.Error("record sale txn failed", "sale_id", sale.ID, "err", uerr)
	}
	if !res.Settled {
		s.log.Warn("sale chain registration failed", "sale_id", sale.ID, "detail", res.Detail)
	}
}

func (s *Service) Sale(ctx context.Context, id uint) (*model.Sale, error) {
	return s.st.GetSale(ctx, id)
}

// List onlyEnabled 为 true 时只返回已上架活动。
func (s *Service) List(ctx context.Context, onlyEnabled bool) ([]model.Sale, error) {
	return s.st.ListSales(ctx, onlyEnabled)
}

func (s *Service) EthereumSale(ctx context.Context, saleID uint) (*model.EthereumSale, error) {
	return s.st.GetEthereumSale(ctx, saleID)
}

func (s *Service) SetEnabled(ctx context.Context, saleID uint, enabled bool) error {
	return s.st.SetSaleFlag(ctx, saleID, store.FlagEnabled, enabled)
}

func (s *Service) SetFeatured(ctx context.Context, saleID uint, featured bool) error {
	return s.st.SetSaleFlag(ctx, saleID, store.FlagFeatured, featured)
}

// SetMintOnBuy 只对以太坊活动有效
func (s *Service) SetMintOnBuy(ctx context.Context, saleID uint, mintOnBuy bool) error {
	sale, err := s.st.GetSale(ctx, saleID)
	if err != nil {
		return err
	}
	if sale.Chain != model.ChainEthereum {
		return invalid("mint_on_buy only applies to ethereum sales")
	}
	return s.st.SetMintOnBuy(ctx, saleID, mintOnBuy)
}

// PreloadSupply 把剩余可售件数（总量减去已确认与进行中的件数）写入供应闸门。
func (s *Service) PreloadSupply(ctx context.Context, saleID uint) (int, error) {
	if s.supply == nil {
		return 0, errors.New("supply gate is not configured")
	}
	sale, err := s.st.GetSale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	taken, err := s.st.SumUnits(ctx, saleID, "", model.SettlementConfirmed, model.SettlementPending)
	if err != nil {
		return 0, err
	}
	remaining := max(sale.MaxIssue-taken, 0)
	if err := s.supply.Preload(ctx, saleID, remaining); err != nil {
		return 0, err
	}
	s.log.Info("supply preloaded", "sale_id", saleID, "remaining", remaining)
	return remaining, nil
}
