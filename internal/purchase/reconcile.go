package purchase

import (
	"context"
	"errors"
	"log/slog"

	"pack_sale/internal/apperr"
	"pack_sale/internal/chain"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
	"pack_sale/internal/vault"
)

// Reconciler 待入库资产对账：有 pending 记录且链上已铸造，才入库并删除 pending。
type Reconciler struct {
	st    *store.Store
	chain chain.Adapter
	vault vault.Vault
	log   *slog.Logger
}

func NewReconciler(st *store.Store, ch chain.Adapter, v vault.Vault, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{st: st, chain: ch, vault: v, log: log}
}

// DepositResult 批量入库结果
type DepositResult struct {
	Deposited []int64 `json:"deposited"`
	Skipped   []int64 `json:"skipped"`
}

// DepositMinted 运营批量入库 [from, to] 区间内已铸造的资产。没有 pending 记录或尚未铸造的跳过。
func (r *Reconciler) DepositMinted(ctx context.Context, saleID uint, from, to int64) (DepositResult, error) {
	var res DepositResult
	if from <= 0 || from > to {
		return res, apperr.Invalid(apperr.ErrInvalidAssetRange)
	}
	if _, err := r.st.GetEthereumSale(ctx, saleID); err != nil {
		return res, err
	}
	for id := from; id <= to; id++ {
		err := r.ReconcileAsset(ctx, saleID, id)
		switch {
		case err == nil:
			res.Deposited = append(res.Deposited, id)
		case errors.Is(err, apperr.ErrPendingAssetMissing), errors.Is(err, apperr.ErrAssetNotMinted):
			res.Skipped = append(res.Skipped, id)
		default:
			return res, err
		}
	}
	r.log.Info("minted assets deposited", "sale_id", saleID, "deposited", len(res.Deposited), "skipped", len(res.Skipped))
	return res, nil
}

// ReconcileAsset 单个资产对账
func (r *Reconciler) ReconcileAsset(ctx context.Context, saleID uint, assetID int64) error {
	eth, err := r.st.GetEthereumSale(ctx, saleID)
	if err != nil {
		return err
	}
	pending, err := r.st.GetPendingAsset(ctx, saleID, assetID)
	if err != nil {
		return err
	}
	if pending.AttemptID != "" {
		unit, err := r.st.GetSoldUnit(ctx, pending.AttemptID)
		if err == nil && unit.Status == model.SettlementFailed {
			// 购买已失败回滚，不再交付
			if _, derr := r.st.DeletePendingAssetOf(ctx, saleID, assetID, pending.AttemptID); derr != nil {
				return derr
			}
			r.log.Warn("dropped pending asset of failed purchase", "sale_id", saleID, "asset_id", assetID, "attempt_id", pending.AttemptID)
			return apperr.NotFound(apperr.ErrPendingAssetMissing)
		}
	}
	minted, err := r.chain.CheckOwnership(ctx, eth.AssetContract, assetID)
	if err != nil {
		return apperr.Wrap(apperr.KindSettlementFailed, "check asset ownership", err)
	}
	if !minted {
		return apperr.Rejected(apperr.ErrAssetNotMinted)
	}
	return r.st.WithTx(ctx, func(txCtx context.Context) error {
		if err := r.vault.Deposit(txCtx, pending.UserID, assetID, eth.AssetContract, model.ChainEthereum); err != nil {
			return err
		}
		return r.st.DeletePendingAsset(txCtx, pending.ID)
	})
}
