package store

import (
	"context"
	"errors"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"

	"gorm.io/gorm"
)

// SettlementUpdate 结算终态时一并写入的字段
type SettlementUpdate struct {
	TxnID      string
	TxnMessage string
	PaymentRef string
}

// SumUnits 统计活动（可选限定用户）在给定结算状态下的件数；userID 为空表示全体。
func (s *Store) SumUnits(ctx context.Context, saleID uint, userID string, statuses ...model.SettlementStatus) (int, error) {
	q := s.conn(ctx).Model(&model.SoldUnit{}).Where("sale_id = ?", saleID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var total int
	err := q.Select("COALESCE(SUM(units), 0)").Scan(&total).Error
	return total, err
}

// UnitsSoldFor 活动已确认售出件数
func (s *Store) UnitsSoldFor(ctx context.Context, saleID uint) (int, error) {
	return s.SumUnits(ctx, saleID, "", model.SettlementConfirmed)
}

// UnitsSoldForUserAndSale 用户在活动中已确认购买件数
func (s *Store) UnitsSoldForUserAndSale(ctx context.Context, saleID uint, userID string) (int, error) {
	return s.SumUnits(ctx, saleID, userID, model.SettlementConfirmed)
}

func (s *Store) CreateSoldUnit(ctx context.Context, unit *model.SoldUnit) error {
	return s.conn(ctx).Create(unit).Error
}

// MarkSoldUnit 只允许从 pending 迁移到终态，返回是否真正更新。
func (s *Store) MarkSoldUnit(ctx context.Context, id string, to model.SettlementStatus, upd SettlementUpdate) (bool, error) {
	changes := map[string]any{"status": to}
	if upd.TxnID != "" {
		changes["txn_id"] = upd.TxnID
	}
	if upd.TxnMessage != "" {
		changes["txn_message"] = truncate(upd.TxnMessage, 255)
	}
	if upd.PaymentRef != "" {
		changes["payment_ref"] = upd.PaymentRef
	}
	res := s.conn(ctx).Model(&model.SoldUnit{}).
		Where("id = ? AND status = ?", id, model.SettlementPending).
		Updates(changes)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetSoldUnit(ctx context.Context, id string) (*model.SoldUnit, error) {
	var unit model.SoldUnit
	if err := s.conn(ctx).Where("id = ?", id).First(&unit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrAttemptNotFound)
		}
		return nil, err
	}
	return &unit, nil
}

func (s *Store) ListSoldUnits(ctx context.Context, saleID uint) ([]model.SoldUnit, error) {
	var units []model.SoldUnit
	if err := s.conn(ctx).Where("sale_id = ?", saleID).Order("created_at ASC").Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// ListStalePending 返回创建时间早于 olderThan 仍处于 pending 的账本行。
// SQLite 的时间列是文本，比较放在内存里做。
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time) ([]model.SoldUnit, error) {
	var pending []model.SoldUnit
	if err := s.conn(ctx).Where("status = ?", model.SettlementPending).Order("created_at ASC").Find(&pending).Error; err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, u := range pending {
		if u.CreatedAt.Before(olderThan) {
			out = append(out, u)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SoldUnitFilter 已售报表条件；SaleID 为 0 表示全部活动，Page 从 1 开始。
type SoldUnitFilter struct {
	SaleID uint
	From   time.Time
	To     time.Time
	Page   int
	Limit  int
}

// SoldUnitPage 一页确认行，Count / TotalAmount 为整个区间的汇总。
type SoldUnitPage struct {
	Rows        []model.SoldUnit
	Count       int64
	TotalAmount int64
}

// SoldUnitsReport 区间内已确认且非免费的购买，按时间倒序分页。
func (s *Store) SoldUnitsReport(ctx context.Context, f SoldUnitFilter) (SoldUnitPage, error) {
	base := func() *gorm.DB {
		q := s.conn(ctx).Model(&model.SoldUnit{}).
			Where("status = ? AND amount > 0 AND created_at BETWEEN ? AND ?", model.SettlementConfirmed, f.From, f.To)
		if f.SaleID != 0 {
			q = q.Where("sale_id = ?", f.SaleID)
		}
		return q
	}

	var page SoldUnitPage
	var agg struct {
		Count int64
		Total int64
	}
	if err := base().Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").Scan(&agg).Error; err != nil {
		return page, err
	}
	page.Count, page.TotalAmount = agg.Count, agg.Total

	err := base().Order("created_at DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&page.Rows).Error
	return page, err
}
