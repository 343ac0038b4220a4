package store

import (
	"context"
	"errors"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReservedAssetIDs 活动下当前被占用的 asset id（升序）。
func (s *Store) ReservedAssetIDs(ctx context.Context, saleID uint) ([]int64, error) {
	var ids []int64
	err := s.conn(ctx).Model(&model.AssetReservation{}).
		Where("sale_id = ?", saleID).
		Order("asset_id ASC").
		Pluck("asset_id", &ids).Error
	return ids, err
}

func (s *Store) CreateAssetReservations(ctx context.Context, rows []model.AssetReservation) error {
	if len(rows) == 0 {
		return nil
	}
	return s.conn(ctx).Create(&rows).Error
}

// ReleaseAssetReservations 释放某次尝试占用的全部 asset id。
func (s *Store) ReleaseAssetReservations(ctx context.Context, attemptID string) error {
	return s.conn(ctx).Where("attempt_id = ?", attemptID).Delete(&model.AssetReservation{}).Error
}

func (s *Store) CreatePendingAsset(ctx context.Context, p *model.PendingAsset) error {
	return s.conn(ctx).Create(p).Error
}

func (s *Store) GetPendingAsset(ctx context.Context, saleID uint, assetID int64) (*model.PendingAsset, error) {
	var p model.PendingAsset
	err := s.conn(ctx).Where("sale_id = ? AND asset_id = ?", saleID, assetID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(apperr.ErrPendingAssetMissing)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) DeletePendingAsset(ctx context.Context, id uint) error {
	return s.conn(ctx).Delete(&model.PendingAsset{}, id).Error
}

// DeletePendingAssetOf 只删除某次尝试登记的 pending 行，返回是否删除。
func (s *Store) DeletePendingAssetOf(ctx context.Context, saleID uint, assetID int64, attemptID string) (bool, error) {
	res := s.conn(ctx).
		Where("sale_id = ? AND asset_id = ? AND attempt_id = ?", saleID, assetID, attemptID).
		Delete(&model.PendingAsset{})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) ListPendingAssets(ctx context.Context, saleID uint) ([]model.PendingAsset, error) {
	var rows []model.PendingAsset
	if err := s.conn(ctx).Where("sale_id = ?", saleID).Order("asset_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateVaultAsset 入库；同一合约同一 asset 已存在时不重复写入，返回是否新建。
func (s *Store) CreateVaultAsset(ctx context.Context, v *model.VaultAsset) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(v)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteVaultAsset 从用户资产库移除，返回是否删除。
func (s *Store) DeleteVaultAsset(ctx context.Context, userID, assetContract string, assetID int64) (bool, error) {
	res := s.conn(ctx).
		Where("user_id = ? AND asset_contract = ? AND asset_id = ?", userID, assetContract, assetID).
		Delete(&model.VaultAsset{})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) ListVaultAssets(ctx context.Context, userID string) ([]model.VaultAsset, error) {
	var rows []model.VaultAsset
	if err := s.conn(ctx).Where("user_id = ?", userID).Order("asset_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
