package store

import (
	"context"
	"errors"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"

	"gorm.io/gorm"
)

// RankAssignment 批量排名更新的一项
type RankAssignment struct {
	RegistrationID uint
	Rank           int
}

// LastSlot 返回活动最后一个时段，没有时返回 nil。
func (s *Store) LastSlot(ctx context.Context, saleID uint) (*model.QueueSlot, error) {
	var slot model.QueueSlot
	err := s.conn(ctx).Where("sale_id = ?", saleID).Order("max_rank DESC").First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (s *Store) CreateSlot(ctx context.Context, slot *model.QueueSlot) error {
	return s.conn(ctx).Create(slot).Error
}

func (s *Store) UpdateSlotTxn(ctx context.Context, slotID uint, ok bool, message, txnID string) error {
	return s.conn(ctx).Model(&model.QueueSlot{}).Where("id = ?", slotID).Updates(map[string]any{
		"txn_status":  ok,
		"txn_message": message,
		"txn_id":      txnID,
	}).Error
}

func (s *Store) ListSlots(ctx context.Context, saleID uint) ([]model.QueueSlot, error) {
	var slots []model.QueueSlot
	if err := s.conn(ctx).Where("sale_id = ?", saleID).Order("min_rank ASC").Find(&slots).Error; err != nil {
		return nil, err
	}
	return slots, nil
}

func (s *Store) GetRegistration(ctx context.Context, saleID uint, userID string) (*model.Registration, error) {
	var reg model.Registration
	err := s.conn(ctx).Where("sale_id = ? AND user_id = ?", saleID, userID).First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Rejected(apperr.ErrNotRegistered)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) CreateRegistration(ctx context.Context, reg *model.Registration) error {
	return s.conn(ctx).Create(reg).Error
}

// DeleteRegistration 物理删除，重新报名时旧排名作废。
func (s *Store) DeleteRegistration(ctx context.Context, id uint) error {
	return s.conn(ctx).Delete(&model.Registration{}, id).Error
}

// MaxRank 当前最大排名，没有报名时为 0。
func (s *Store) MaxRank(ctx context.Context, saleID uint) (int, error) {
	var top int
	err := s.conn(ctx).Model(&model.Registration{}).
		Where("sale_id = ?", saleID).
		Select("COALESCE(MAX(rank), 0)").
		Scan(&top).Error
	return top, err
}

func (s *Store) CountRegistrations(ctx context.Context, saleID uint) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&model.Registration{}).Where("sale_id = ?", saleID).Count(&n).Error
	return n, err
}

// ListRegistrations 按排名升序；洗牌前 rank 相同时按报名顺序。
func (s *Store) ListRegistrations(ctx context.Context, saleID uint) ([]model.Registration, error) {
	var regs []model.Registration
	if err := s.conn(ctx).Where("sale_id = ?", saleID).Order("rank ASC, id ASC").Find(&regs).Error; err != nil {
		return nil, err
	}
	return regs, nil
}

// AssignRanks 在同一事务内逐条参数化更新排名。
func (s *Store) AssignRanks(ctx context.Context, ranks []RankAssignment) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		db := s.conn(txCtx)
		for _, r := range ranks {
			if err := db.Model(&model.Registration{}).
				Where("id = ?", r.RegistrationID).
				Update("rank", r.Rank).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
