package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pack_sale/internal/alert"
	"pack_sale/internal/apperr"
	"pack_sale/internal/cache"
	"pack_sale/internal/chain"
	"pack_sale/internal/model"
	"pack_sale/internal/payment"
	"pack_sale/internal/queue"
	"pack_sale/internal/store"

	"github.com/google/uuid"
)

func (o *Orchestrator) settle(ctx context.Context, at *attempt, sale *model.Sale, eth *model.EthereumSale, chainMinted int, log *slog.Logger) (*Receipt, error) {
	o.track(ctx, at, nil)

	if err := o.placeHold(ctx, at, sale, log); err != nil {
		return nil, err
	}

	if err := o.reserve(ctx, at, sale, eth, chainMinted); err != nil {
		return nil, o.abandonReservation(ctx, at, err, log)
	}

	o.advance(ctx, at, StatusSettling, nil)
	if err := o.dispatch(ctx, at, sale, eth); err != nil {
		log.Warn("settlement failed", "stage", string(apperr.StageChain), "err", err)
		return nil, o.compensateSettlement(ctx, at, err, log)
	}
	o.advance(ctx, at, StatusSettledOk, nil)

	if at.hasHold() {
		if err := o.capture(ctx, at, log); err != nil {
			return nil, err
		}
	}

	ok, err := o.st.MarkSoldUnit(context.WithoutCancel(ctx), at.id, model.SettlementConfirmed, store.SettlementUpdate{
		TxnID:      at.txnID,
		PaymentRef: at.holdRef,
	})
	if err != nil || !ok {
		// 钱与资产都已经到位，行停留在 pending 由巡检告警后人工处理
		log.Error("confirm ledger row failed", "err", err, "updated", ok)
	}
	at.succeeded = true
	o.advance(ctx, at, StatusDone, nil)
	log.Info("purchase completed", "units", at.units, "txn_id", at.txnID)

	return &Receipt{
		AttemptID:     at.id,
		SaleID:        sale.ID,
		UserID:        at.req.UserID,
		Units:         at.units,
		Amount:        at.req.Amount,
		Charged:       at.charged,
		Currency:      at.currency,
		Rank:          at.rank,
		TxnID:         at.txnID,
		Assets:        at.vaulted,
		PendingAssets: at.pending,
		Status:        StatusDone,
		CompletedAt:   o.clock.Now(),
	}, nil
}

// placeHold 预授权。免费卡包与运营代购不走支付。失败时不写账本、不调链。
func (o *Orchestrator) placeHold(ctx context.Context, at *attempt, sale *model.Sale, log *slog.Logger) error {
	if sale.IsFreePack || at.operator {
		return nil
	}
	at.charged = payment.ChargeAmount(at.req.Amount, sale.ChargeFee)

	pctx, cancel := context.WithTimeout(ctx, o.paymentTimeout)
	res, err := o.payment.Hold(pctx, payment.HoldRequest{
		Amount:      at.charged,
		Currency:    at.currency,
		Method:      at.req.PaymentMethod,
		Description: fmt.Sprintf("pack sale %d template %d x%d", sale.ID, sale.TemplateID, at.units),
		Metadata: map[string]any{
			"attempt_id": at.id,
			"sale_id":    sale.ID,
			"user_id":    at.req.UserID,
		},
	})
	cancel()

	hold := &model.PaymentHold{
		ID:         uuid.NewString(),
		AttemptID:  at.id,
		SaleID:     sale.ID,
		UserID:     at.req.UserID,
		Amount:     at.charged,
		Currency:   at.currency,
		PaymentRef: res.Ref,
		Status:     res.Status,
		Detail:     res.Detail,
	}
	if err != nil || res.Status != model.HoldPlaced {
		hold.Status = model.HoldFailed
		if err != nil {
			hold.Detail = err.Error()
		}
		if hold.Detail == "" {
			hold.Detail = "gateway returned " + string(res.Status)
		}
		if cerr := o.st.CreatePaymentHold(context.WithoutCancel(ctx), hold); cerr != nil {
			log.Error("record failed hold", "err", cerr)
		}
		failure := &apperr.Error{Kind: apperr.KindPaymentFailed, Stage: apperr.StagePayment, Reason: "payment failed: " + hold.Detail, Err: apperr.ErrHoldFailed}
		log.Warn("payment hold failed", "stage", string(apperr.StagePayment), "detail", hold.Detail)
		o.advance(ctx, at, StatusRejected, failure)
		return failure
	}

	at.holdID, at.holdRef = hold.ID, hold.PaymentRef
	if err := o.st.CreatePaymentHold(context.WithoutCancel(ctx), hold); err != nil {
		// 授权已生效但没能落库，立刻撤销
		failure := apperr.Internal("record payment hold", err)
		o.advance(ctx, at, StatusHoldPlaced, nil)
		o.advance(ctx, at, StatusCancelRequested, failure)
		if _, detail := o.cancelAtGateway(ctx, at); detail != "" {
			comp := &apperr.Error{Kind: apperr.KindCompensationFailed, Stage: apperr.StagePayment, Reason: "payment hold could not be recorded or cancelled: " + detail, Err: apperr.ErrCancelFailed}
			o.advance(ctx, at, StatusCompensationFailed, comp)
			o.alert(ctx, at, comp)
			return comp
		}
		o.advance(ctx, at, StatusDone, failure)
		return failure
	}
	o.advance(ctx, at, StatusHoldPlaced, nil)
	return nil
}

// reserve 锁内预留：重新统计限购与总量，插入 pending 账本行，以太坊活动同时占用 asset id。
func (o *Orchestrator) reserve(ctx context.Context, at *attempt, sale *model.Sale, eth *model.EthereumSale, chainMinted int) error {
	unlock := o.locks.Lock(sale.ID)
	defer unlock()

	return o.st.WithTx(ctx, func(txCtx context.Context) error {
		bought, err := o.st.SumUnits(txCtx, sale.ID, at.req.UserID, model.SettlementConfirmed, model.SettlementPending)
		if err != nil {
			return err
		}
		if bought+at.units > sale.LimitPerUser {
			return apperr.Rejected(apperr.ErrUserLimitExceeded)
		}
		sold, err := o.globalSold(txCtx, sale, chainMinted)
		if err != nil {
			return err
		}
		if sold+at.units > sale.MaxIssue {
			return apperr.Rejected(apperr.ErrSoldOut)
		}

		if eth != nil {
			ids, err := o.pickAssetIDs(txCtx, eth, at.units)
			if err != nil {
				return err
			}
			at.assetIDs = ids
		}

		if err := o.st.CreateSoldUnit(txCtx, &model.SoldUnit{
			ID:         at.id,
			CreatedAt:  o.clock.Now(),
			SaleID:     sale.ID,
			UserID:     at.req.UserID,
			Username:   at.req.Username,
			TemplateID: sale.TemplateID,
			Units:      at.units,
			Amount:     at.req.Amount,
			Currency:   at.currency,
			Rank:       at.rank,
			Status:     model.SettlementPending,
			PaymentRef: at.holdRef,
			HoldID:     at.holdID,
			ByOperator: at.operator,
		}); err != nil {
			return err
		}

		if len(at.assetIDs) == 0 {
			return nil
		}
		rows := make([]model.AssetReservation, len(at.assetIDs))
		for i, id := range at.assetIDs {
			rows[i] = model.AssetReservation{SaleID: sale.ID, AssetID: id, AttemptID: at.id}
		}
		return o.st.CreateAssetReservations(txCtx, rows)
	})
}

// pickAssetIDs 在活动预留区间内取最小的未占用 id；失败尝试释放的 id 会被重新使用。
func (o *Orchestrator) pickAssetIDs(ctx context.Context, eth *model.EthereumSale, units int) ([]int64, error) {
	taken, err := o.st.ReservedAssetIDs(ctx, eth.SaleID)
	if err != nil {
		return nil, err
	}
	used := make(map[int64]struct{}, len(taken))
	for _, id := range taken {
		used[id] = struct{}{}
	}
	ids := make([]int64, 0, units)
	for id := eth.RangeFrom; id <= eth.RangeTo && len(ids) < units; id++ {
		if _, ok := used[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < units {
		return nil, apperr.Rejected(apperr.ErrSoldOut)
	}
	return ids, nil
}

// abandonReservation 锁内复查失败：没有账本行，撤销已经拿到的预授权。
func (o *Orchestrator) abandonReservation(ctx context.Context, at *attempt, cause error, log *slog.Logger) error {
	if !at.hasHold() {
		o.advance(ctx, at, StatusRejected, cause)
		return cause
	}
	o.advance(ctx, at, StatusCancelRequested, cause)
	if _, detail := o.cancelAtGateway(ctx, at); detail != "" {
		comp := &apperr.Error{Kind: apperr.KindCompensationFailed, Stage: apperr.StagePayment, Reason: "purchase rejected but the payment hold could not be cancelled: " + detail, Err: apperr.ErrCancelFailed}
		log.Error("cancel hold failed", "stage", string(apperr.StagePayment), "detail", detail)
		o.advance(ctx, at, StatusCompensationFailed, comp)
		o.alert(ctx, at, comp)
		return comp
	}
	o.advance(ctx, at, StatusDone, cause)
	return cause
}

// dispatch 链上结算。超时按结算失败处理。
func (o *Orchestrator) dispatch(ctx context.Context, at *attempt, sale *model.Sale, eth *model.EthereumSale) error {
	cctx, cancel := context.WithTimeout(ctx, o.chainTimeout)
	defer cancel()

	switch sale.Chain {
	case model.ChainWax:
		res, err := o.chain.Settle(cctx, chain.ActionBuyTemplate, chain.BuyTemplatePayload{
			Rank:       at.rank,
			SaleID:     sale.ID,
			TemplateID: sale.TemplateID,
			AmountPaid: at.req.Amount,
			Username:   at.req.Username,
		}, o.waxContract)
		if err != nil {
			return chainFailure(err)
		}
		if !res.Settled {
			return chainRejected(res.Detail)
		}
		at.txnID = res.Reference

	case model.ChainEthereum:
		for _, id := range at.assetIDs {
			if eth.MintOnBuy {
				res, err := o.chain.Settle(cctx, chain.ActionMint, chain.MintPayload{
					SaleID:  sale.ID,
					AssetID: id,
					UserID:  at.req.UserID,
				}, eth.AssetContract)
				if err != nil {
					return chainFailure(err)
				}
				if !res.Settled {
					return chainRejected(res.Detail)
				}
				at.minted = append(at.minted, id)
				at.txnID = res.Reference
			}
			minted, err := o.chain.CheckOwnership(cctx, eth.AssetContract, id)
			if err != nil {
				return chainFailure(err)
			}
			if minted {
				if err := o.vault.Deposit(ctx, at.req.UserID, id, eth.AssetContract, model.ChainEthereum); err != nil {
					return chainFailure(err)
				}
				at.vaulted = append(at.vaulted, id)
				continue
			}
			if err := o.vault.ReservePending(ctx, model.PendingAsset{
				SaleID:        sale.ID,
				AssetID:       id,
				UserID:        at.req.UserID,
				AssetContract: eth.AssetContract,
				AttemptID:     at.id,
			}); err != nil {
				return chainFailure(err)
			}
			at.pending = append(at.pending, id)
		}
	}
	return nil
}

func chainFailure(err error) error {
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "chain call timed out"
	}
	return &apperr.Error{Kind: apperr.KindSettlementFailed, Stage: apperr.StageChain, Reason: reason, Err: apperr.ErrChainFailed}
}

func chainRejected(detail string) error {
	if detail == "" {
		detail = "chain rejected the action"
	}
	return &apperr.Error{Kind: apperr.KindSettlementFailed, Stage: apperr.StageChain, Reason: detail, Err: apperr.ErrChainFailed}
}

// compensateSettlement 结算失败：账本行置 failed，撤销预授权，告警。撤销失败升级为 CompensationFailed。
func (o *Orchestrator) compensateSettlement(ctx context.Context, at *attempt, cause error, log *slog.Logger) error {
	o.advance(ctx, at, StatusSettledFailed, cause)
	o.failLedger(ctx, at, apperr.MessageOf(cause), log)

	if !at.hasHold() {
		o.advance(ctx, at, StatusDone, cause)
		o.alert(ctx, at, cause)
		return cause
	}

	o.advance(ctx, at, StatusCancelRequested, cause)
	if _, detail := o.cancelAtGateway(ctx, at); detail != "" {
		comp := &apperr.Error{
			Kind:   apperr.KindCompensationFailed,
			Stage:  apperr.StagePayment,
			Reason: fmt.Sprintf("settlement failed (%s) and the payment hold could not be cancelled: %s", apperr.MessageOf(cause), detail),
			Err:    apperr.ErrCancelFailed,
		}
		log.Error("cancel hold failed", "stage", string(apperr.StagePayment), "detail", detail)
		o.advance(ctx, at, StatusCompensationFailed, comp)
		o.alert(ctx, at, comp)
		return comp
	}
	o.advance(ctx, at, StatusDone, cause)
	o.alert(ctx, at, cause)
	return cause
}

// capture 扣款。失败时尝试撤销未扣的预授权，无论撤销结果如何都进入 CompensationFailed。
func (o *Orchestrator) capture(ctx context.Context, at *attempt, log *slog.Logger) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.paymentTimeout)
	status, err := o.payment.Capture(pctx, at.holdRef)
	cancel()
	if err == nil && status == model.HoldSuccessful {
		if uerr := o.st.UpdatePaymentHold(context.WithoutCancel(ctx), at.holdID, model.HoldPlaced, model.HoldSuccessful, ""); uerr != nil {
			log.Error("record captured hold", "err", uerr)
		}
		o.advance(ctx, at, StatusCaptured, nil)
		return nil
	}

	detail := gatewayDetail(status, err)
	if uerr := o.st.UpdatePaymentHold(context.WithoutCancel(ctx), at.holdID, model.HoldPlaced, model.HoldCaptureFailed, detail); uerr != nil {
		log.Error("record capture failure", "err", uerr)
	}
	o.failLedger(ctx, at, "capture failed: "+detail, log)

	comp := &apperr.Error{Kind: apperr.KindCompensationFailed, Stage: apperr.StagePayment, Reason: "payment capture failed: " + detail, Err: apperr.ErrCaptureFailed}
	o.advance(ctx, at, StatusCancelRequested, comp)
	if _, cdetail := o.cancelAtGateway(ctx, at); cdetail != "" {
		comp.Reason += "; cancel failed: " + cdetail
	}
	log.Error("capture failed", "stage", string(apperr.StagePayment), "detail", comp.Reason)
	o.advance(ctx, at, StatusCompensationFailed, comp)
	o.alert(ctx, at, comp)
	return comp
}

// cancelAtGateway 撤销预授权，不重试。detail 非空表示撤销失败。
func (o *Orchestrator) cancelAtGateway(ctx context.Context, at *attempt) (model.HoldStatus, string) {
	from, err := o.st.GetPaymentHoldByAttempt(context.WithoutCancel(ctx), at.id)
	current := model.HoldPlaced
	if err == nil {
		current = from.Status
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.paymentTimeout)
	status, cerr := o.payment.Cancel(pctx, at.holdRef)
	cancel()

	to, detail := model.HoldCancelled, ""
	if cerr != nil || status != model.HoldCancelled {
		to, detail = model.HoldCancelFailed, gatewayDetail(status, cerr)
	}
	if err == nil {
		if uerr := o.st.UpdatePaymentHold(context.WithoutCancel(ctx), at.holdID, current, to, detail); uerr != nil {
			o.log.Error("record hold cancel", "attempt_id", at.id, "err", uerr)
		}
	}
	return to, detail
}

func gatewayDetail(status model.HoldStatus, err error) string {
	if err != nil {
		return err.Error()
	}
	return "gateway returned " + string(status)
}

// failLedger 账本行置 failed，撤回本次已入库或登记 pending 的资产，再释放预留。
// 本次已在链上铸造的 id 无法回收，预留保留。
func (o *Orchestrator) failLedger(ctx context.Context, at *attempt, detail string, log *slog.Logger) {
	bg := context.WithoutCancel(ctx)
	if _, err := o.st.MarkSoldUnit(bg, at.id, model.SettlementFailed, store.SettlementUpdate{TxnMessage: detail}); err != nil {
		log.Error("mark ledger row failed", "err", err)
	}
	if len(at.assetIDs) == 0 {
		return
	}
	if err := o.rollbackDeliveries(bg, at); err != nil {
		log.Error("roll back delivered assets", "err", err, "vaulted", at.vaulted, "pending", at.pending)
		return
	}
	at.vaulted, at.pending = nil, nil
	if len(at.minted) > 0 {
		log.Warn("minted asset ids kept after failure", "minted", at.minted)
		return
	}
	if err := o.st.ReleaseAssetReservations(bg, at.id); err != nil {
		log.Error("release asset reservations", "err", err)
	}
}

func (o *Orchestrator) rollbackDeliveries(ctx context.Context, at *attempt) error {
	if len(at.vaulted) == 0 && len(at.pending) == 0 {
		return nil
	}
	eth, err := o.st.GetEthereumSale(ctx, at.req.SaleID)
	if err != nil {
		return err
	}
	return o.st.WithTx(ctx, func(txCtx context.Context) error {
		for _, id := range at.vaulted {
			if err := o.vault.Withdraw(txCtx, at.req.UserID, id, eth.AssetContract); err != nil {
				return err
			}
		}
		for _, id := range at.pending {
			if err := o.vault.ReleasePending(txCtx, at.req.SaleID, id, at.id); err != nil {
				return err
			}
			// 对账可能已抢先入库
			if err := o.vault.Withdraw(txCtx, at.req.UserID, id, eth.AssetContract); err != nil {
				return err
			}
		}
		return nil
	})
}

// advance 推进尝试状态，写入 Redis 状态缓存，终态时发出事件。
func (o *Orchestrator) advance(ctx context.Context, at *attempt, to Status, failure error) {
	if !at.status.CanTransition(to) {
		o.log.Error("illegal attempt transition", "attempt_id", at.id, "from", string(at.status), "to", string(to))
		return
	}
	at.status = to
	o.track(ctx, at, failure)
	if to.Terminal() {
		o.publish(ctx, at, failure)
	}
}

func (o *Orchestrator) track(ctx context.Context, at *attempt, failure error) {
	if o.tracker == nil {
		return
	}
	st := cache.AttemptState{
		AttemptID: at.id,
		SaleID:    at.req.SaleID,
		UserID:    at.req.UserID,
		Status:    string(at.status),
		TxnID:     at.txnID,
	}
	if failure != nil {
		st.Kind = string(apperr.KindOf(failure))
		st.Reason = apperr.MessageOf(failure)
	}
	if err := o.tracker.Put(context.WithoutCancel(ctx), st); err != nil {
		o.log.Warn("write attempt state", "attempt_id", at.id, "err", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, at *attempt, failure error) {
	if o.events == nil {
		return
	}
	status := string(at.status)
	switch {
	case at.succeeded:
		status = string(model.SettlementConfirmed)
	case at.status == StatusDone:
		status = string(model.SettlementFailed)
	}
	ev := queue.PurchaseEvent{
		AttemptID:  at.id,
		SaleID:     at.req.SaleID,
		UserID:     at.req.UserID,
		Units:      at.units,
		Amount:     at.req.Amount,
		Currency:   at.currency,
		Status:     status,
		TxnID:      at.txnID,
		OccurredAt: o.clock.Now().Unix(),
	}
	if failure != nil {
		ev.Kind = string(apperr.KindOf(failure))
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.log.Warn("publish purchase event", "attempt_id", at.id, "err", err)
	}
}

func (o *Orchestrator) alert(ctx context.Context, at *attempt, err error) {
	o.alerts.Send(context.WithoutCancel(ctx), alert.Message{
		SaleID:       at.req.SaleID,
		UserID:       at.req.UserID,
		AttemptID:    at.id,
		Amount:       at.req.Amount,
		Currency:     at.currency,
		FailureStage: apperr.StageOf(err),
		Kind:         apperr.KindOf(err),
		Detail:       apperr.MessageOf(err),
		OccurredAt:   o.clock.Now(),
	})
}
