package allocator

import (
	"context"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/chain"
	"pack_sale/internal/model"
)

// ConfigureSlot 追加一个时段。起点接上一个时段的终点（首个为 SaleStart），终点超出 SaleEnd 时截断；
// 截断到 SaleEnd 即时段配置完成，之后不可再追加。链上同步失败只记录在时段上，不影响配置流程。
func (a *Allocator) ConfigureSlot(ctx context.Context, saleID uint, intervalSeconds int64, minRank, maxRank int) (*model.QueueSlot, error) {
	if intervalSeconds <= 0 {
		return nil, apperr.Invalid(apperr.ErrInvalidInterval)
	}
	if minRank <= 0 || maxRank <= 0 || minRank >= maxRank {
		return nil, apperr.Invalid(apperr.ErrInvalidRankRange)
	}

	unlock := a.locks.Lock(saleID)
	var (
		sale *model.Sale
		slot *model.QueueSlot
	)
	err := a.st.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		sale, err = a.st.GetSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.QueueType == model.QueueNone {
			return apperr.Invalid(apperr.ErrNoQueue)
		}
		if sale.QueueConfigurationInitialized() {
			return apperr.Invalid(apperr.ErrSlotsConfigured)
		}

		last, err := a.st.LastSlot(txCtx, saleID)
		if err != nil {
			return err
		}
		start, wantMin := sale.SaleStart, 1
		if last != nil {
			start, wantMin = last.SlotEnd, last.MaxRank+1
		}
		if minRank != wantMin {
			return apperr.Invalid(apperr.ErrRankGap)
		}

		end := start.Add(time.Duration(intervalSeconds) * time.Second)
		next := model.SlotConfiguring
		if !end.Before(sale.SaleEnd) {
			end = sale.SaleEnd
			next = model.SlotReady
		}
		slot = &model.QueueSlot{
			SaleID:          saleID,
			MinRank:         minRank,
			MaxRank:         maxRank,
			IntervalSeconds: intervalSeconds,
			SlotStart:       start,
			SlotEnd:         end,
		}
		if err := a.st.CreateSlot(txCtx, slot); err != nil {
			return err
		}
		ok, err := a.st.AdvanceSlotState(txCtx, saleID, sale.SlotState, next)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Invalid(apperr.ErrSlotsConfigured)
		}
		sale.SlotState = next
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	a.log.Info("queue slot configured", "sale_id", saleID, "min_rank", minRank, "max_rank", maxRank,
		"slot_end", slot.SlotEnd, "slots_ready", sale.QueueConfigurationInitialized())

	a.propagateSlot(ctx, sale, slot)
	return slot, nil
}

func (a *Allocator) propagateSlot(ctx context.Context, sale *model.Sale, slot *model.QueueSlot) {
	if a.chain == nil || sale.Chain == model.ChainNone {
		return
	}
	contract := ""
	if a.contract != nil {
		contract = a.contract(ctx, sale)
	}
	res, err := a.chain.Settle(ctx, chain.ActionSetQueue, chain.SetQueuePayload{
		SaleID:    sale.ID,
		MinRank:   slot.MinRank,
		MaxRank:   slot.MaxRank,
		StartTime: slot.SlotStart.Unix(),
		EndTime:   slot.SlotEnd.Unix(),
	}, contract)
	if err != nil {
		res = chain.Settlement{Settled: false, Detail: err.Error()}
	}
	slot.TxnStatus, slot.TxnMessage, slot.TxnID = res.Settled, res.Detail, res.Reference
	if uerr := a.st.UpdateSlotTxn(context.WithoutCancel(ctx), slot.ID, res.Settled, res.Detail, res.Reference); uerr != nil {
		a.log.Error("record slot txn failed", "sale_id", sale.ID, "slot_id", slot.ID, "err", uerr)
	}
	if !res.Settled {
		a.log.Warn("slot chain sync failed", "sale_id", sale.ID, "slot_id", slot.ID, "detail", res.Detail)
	}
}

// CurrentSlot 返回当前时间所在的时段；处于时段间隙或全部结束时返回 nil。
func (a *Allocator) CurrentSlot(ctx context.Context, saleID uint) (*model.QueueSlot, error) {
	slots, err := a.st.ListSlots(ctx, saleID)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	for i := range slots {
		if slots[i].Active(now) {
			return &slots[i], nil
		}
	}
	return nil, nil
}

// Slots 活动全部时段
func (a *Allocator) Slots(ctx context.Context, saleID uint) ([]model.QueueSlot, error) {
	if _, err := a.st.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return a.st.ListSlots(ctx, saleID)
}
