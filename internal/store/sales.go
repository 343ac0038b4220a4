package store

import (
	"context"
	"errors"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"

	"gorm.io/gorm"
)

// SaleFlag 运营可切换的活动开关列
type SaleFlag string

const (
	FlagEnabled  SaleFlag = "is_enabled"
	FlagFeatured SaleFlag = "is_featured"
)

func (s *Store) CreateSale(ctx context.Context, sale *model.Sale) error {
	return s.conn(ctx).Create(sale).Error
}

func (s *Store) CreateEthereumSale(ctx context.Context, es *model.EthereumSale) error {
	return s.conn(ctx).Create(es).Error
}

func (s *Store) GetSale(ctx context.Context, id uint) (*model.Sale, error) {
	var sale model.Sale
	if err := s.conn(ctx).First(&sale, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrSaleNotFound)
		}
		return nil, err
	}
	return &sale, nil
}

// ListSales 按开售时间排序；onlyEnabled 为 true 时只返回已上架活动。
func (s *Store) ListSales(ctx context.Context, onlyEnabled bool) ([]model.Sale, error) {
	q := s.conn(ctx).Order("sale_start ASC, id ASC")
	if onlyEnabled {
		q = q.Where("is_enabled = ?", true)
	}
	var sales []model.Sale
	if err := q.Find(&sales).Error; err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetEthereumSale(ctx context.Context, saleID uint) (*model.EthereumSale, error) {
	var es model.EthereumSale
	if err := s.conn(ctx).Where("sale_id = ?", saleID).First(&es).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Invalid(apperr.ErrInvalidSale)
		}
		return nil, err
	}
	return &es, nil
}

// ReservedAssetUpperBound 返回合约下已被之前活动预留的最大 asset id，没有则为 0。
func (s *Store) ReservedAssetUpperBound(ctx context.Context, contract string) (int64, error) {
	var top int64
	err := s.conn(ctx).Model(&model.EthereumSale{}).
		Where("asset_contract = ?", contract).
		Select("COALESCE(MAX(range_to), 0)").
		Scan(&top).Error
	return top, err
}

// AdvanceSlotState 条件更新时段状态：只有当前状态为 from 才会推进到 to。
func (s *Store) AdvanceSlotState(ctx context.Context, saleID uint, from, to model.SlotState) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	res := s.conn(ctx).Model(&model.Sale{}).
		Where("id = ? AND slot_state = ?", saleID, from).
		Update("slot_state", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimQueueShuffle CAS 抢占洗牌权：open -> shuffled，只有一个调用方能拿到 true。
func (s *Store) ClaimQueueShuffle(ctx context.Context, saleID uint) (bool, error) {
	res := s.conn(ctx).Model(&model.Sale{}).
		Where("id = ? AND queue_state = ?", saleID, model.QueueOpen).
		Update("queue_state", model.QueueShuffled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SetSaleFlag(ctx context.Context, saleID uint, flag SaleFlag, value bool) error {
	res := s.conn(ctx).Model(&model.Sale{}).Where("id = ?", saleID).Update(string(flag), value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(apperr.ErrSaleNotFound)
	}
	return nil
}

func (s *Store) SetMintOnBuy(ctx context.Context, saleID uint, value bool) error {
	res := s.conn(ctx).Model(&model.EthereumSale{}).Where("sale_id = ?", saleID).Update("mint_on_buy", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Invalid(apperr.ErrInvalidSale)
	}
	return nil
}

func (s *Store) UpdateSaleTxn(ctx context.Context, saleID uint, ok bool, message, txnID string) error {
	return s.conn(ctx).Model(&model.Sale{}).Where("id = ?", saleID).Updates(map[string]any{
		"txn_status":  ok,
		"txn_message": message,
		"txn_id":      txnID,
	}).Error
}
