package vault

import (
	"context"
	"errors"
	"fmt"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
)

// ErrAssetTaken asset 已被其他用户占用或入库
var ErrAssetTaken = errors.New("asset already reserved by another user")

// Vault 用户资产库：已铸造的资产直接入库，未铸造的先登记 pending。
type Vault interface {
	Deposit(ctx context.Context, userID string, assetID int64, assetContract string, chain model.Chain) error
	ReservePending(ctx context.Context, p model.PendingAsset) error
	// Withdraw / ReleasePending 撤回失败购买已交付的资产
	Withdraw(ctx context.Context, userID string, assetID int64, assetContract string) error
	ReleasePending(ctx context.Context, saleID uint, assetID int64, attemptID string) error
}

// Store 基于本地数据库的实现
type Store struct {
	st *store.Store
}

func New(st *store.Store) *Store {
	return &Store{st: st}
}

// Deposit 入库幂等：同一用户重复入库视为成功，被别人占用则报错。
func (v *Store) Deposit(ctx context.Context, userID string, assetID int64, assetContract string, chain model.Chain) error {
	created, err := v.st.CreateVaultAsset(ctx, &model.VaultAsset{
		UserID:        userID,
		AssetID:       assetID,
		AssetContract: assetContract,
		Chain:         chain,
	})
	if err != nil {
		return fmt.Errorf("vault deposit %s/%d: %w", assetContract, assetID, err)
	}
	if created {
		return nil
	}
	owned, err := v.st.ListVaultAssets(ctx, userID)
	if err != nil {
		return err
	}
	for _, a := range owned {
		if a.AssetContract == assetContract && a.AssetID == assetID {
			return nil
		}
	}
	return fmt.Errorf("vault deposit %s/%d: %w", assetContract, assetID, ErrAssetTaken)
}

// ReservePending 先查后写：已有同用户 pending 行视为成功，避免重复分配。
func (v *Store) ReservePending(ctx context.Context, p model.PendingAsset) error {
	existing, err := v.st.GetPendingAsset(ctx, p.SaleID, p.AssetID)
	switch {
	case err == nil:
		if existing.UserID == p.UserID {
			return nil
		}
		return fmt.Errorf("reserve pending %d/%d: %w", p.SaleID, p.AssetID, ErrAssetTaken)
	case !errors.Is(err, apperr.ErrPendingAssetMissing):
		return err
	}
	return v.st.CreatePendingAsset(ctx, &p)
}

// Withdraw 不存在视为已撤回
func (v *Store) Withdraw(ctx context.Context, userID string, assetID int64, assetContract string) error {
	if _, err := v.st.DeleteVaultAsset(ctx, userID, assetContract, assetID); err != nil {
		return fmt.Errorf("vault withdraw %s/%d: %w", assetContract, assetID, err)
	}
	return nil
}

// ReleasePending 只删除该尝试登记的 pending 行
func (v *Store) ReleasePending(ctx context.Context, saleID uint, assetID int64, attemptID string) error {
	if _, err := v.st.DeletePendingAssetOf(ctx, saleID, assetID, attemptID); err != nil {
		return fmt.Errorf("release pending %d/%d: %w", saleID, assetID, err)
	}
	return nil
}
