package purchase

import (
	"context"
	"log/slog"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/clock"
	"pack_sale/internal/keylock"
	"pack_sale/internal/model"
	"pack_sale/internal/payment"
	"pack_sale/internal/store"

	"github.com/shopspring/decimal"
)

// PaymentDesk 运营侧支付对账：查看预授权、处理扣款/撤销失败的退款队列、已售报表。
type PaymentDesk struct {
	st      *store.Store
	payment payment.Gateway
	clock   clock.Clock
	locks   *keylock.Locker
	timeout time.Duration
	log     *slog.Logger
}

func NewPaymentDesk(st *store.Store, gw payment.Gateway, clk clock.Clock, timeout time.Duration, log *slog.Logger) *PaymentDesk {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentDesk{st: st, payment: gw, clock: clk, locks: keylock.New(), timeout: timeout, log: log}
}

// Payments 活动的全部预授权，status 为空不过滤。
func (d *PaymentDesk) Payments(ctx context.Context, saleID uint, status model.HoldStatus) ([]store.PaymentRecord, error) {
	if _, err := d.st.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return d.st.ListPaymentRecords(ctx, saleID, status)
}

func (d *PaymentDesk) RefundQueue(ctx context.Context, saleID uint) ([]store.PaymentRecord, error) {
	if _, err := d.st.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return d.st.ListRefundQueue(ctx, saleID)
}

// Refund 人工退款。可退：扣款失败、撤销失败、已扣款但账本失败；成功购买与已处理的拒绝。
// 网关失败时预授权状态不变，可以再次发起。
func (d *PaymentDesk) Refund(ctx context.Context, holdID, operator string) (*model.PaymentHold, error) {
	hold, err := d.st.GetPaymentHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.Lock(hold.SaleID)
	defer unlock()

	// 加锁后重读，防止并发重复退款
	if hold, err = d.st.GetPaymentHold(ctx, holdID); err != nil {
		return nil, err
	}
	if err := d.refundable(ctx, hold); err != nil {
		return nil, err
	}

	log := d.log.With("hold_id", hold.ID, "attempt_id", hold.AttemptID, "sale_id", hold.SaleID, "operator", operator)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	res, err := d.payment.Refund(pctx, hold.PaymentRef)
	cancel()
	if err != nil {
		log.Error("refund failed", "stage", string(apperr.StagePayment), "err", err)
		return nil, &apperr.Error{Kind: apperr.KindPaymentFailed, Stage: apperr.StagePayment, Reason: "refund failed: " + err.Error(), Err: apperr.ErrRefundFailed}
	}

	now := d.clock.Now()
	if err := d.st.ResolvePaymentHold(context.WithoutCancel(ctx), hold.ID, hold.Status, store.HoldResolution{
		To:         res.Status,
		ResolvedBy: operator,
		ResolvedAt: now,
		RefundRef:  res.Ref,
		Detail:     "resolved by operator",
	}); err != nil {
		// 网关已经退款，本地记录失败只能人工补记
		log.Error("record refund", "refund_ref", res.Ref, "err", err)
		return nil, apperr.Internal("record refund", err)
	}
	log.Info("payment refunded", "status", string(res.Status), "refund_ref", res.Ref, "amount", decimal.New(hold.Amount, -2).String())

	hold.Status, hold.ResolvedBy, hold.ResolvedAt, hold.RefundRef = res.Status, operator, &now, res.Ref
	return hold, nil
}

func (d *PaymentDesk) refundable(ctx context.Context, hold *model.PaymentHold) error {
	switch {
	case hold.Status == model.HoldRefunded || hold.ResolvedBy != "":
		return apperr.Invalid(apperr.ErrAlreadyRefunded)
	case hold.Status.NeedsOperator():
		return nil
	case hold.Status == model.HoldSuccessful:
		unit, err := d.st.GetSoldUnit(ctx, hold.AttemptID)
		if err != nil {
			return err
		}
		if unit.Status == model.SettlementFailed {
			return nil
		}
	}
	return apperr.Invalid(apperr.ErrNotRefundable)
}

// SoldReport 已售报表，金额同时给出分与主币单位。
type SoldReport struct {
	Rows        []model.SoldUnit `json:"rows"`
	Count       int64            `json:"count"`
	TotalAmount int64            `json:"total_amount"`
	Total       decimal.Decimal  `json:"total"`
	Page        int              `json:"page"`
	Limit       int              `json:"limit"`
}

const maxReportLimit = 200

func (d *PaymentDesk) SoldReport(ctx context.Context, f store.SoldUnitFilter) (*SoldReport, error) {
	if f.From.IsZero() || f.To.IsZero() || f.To.Before(f.From) {
		return nil, apperr.Invalid(apperr.ErrInvalidDateRange)
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > maxReportLimit {
		f.Limit = 20
	}
	if f.SaleID != 0 {
		if _, err := d.st.GetSale(ctx, f.SaleID); err != nil {
			return nil, err
		}
	}
	page, err := d.st.SoldUnitsReport(ctx, f)
	if err != nil {
		return nil, err
	}
	return &SoldReport{
		Rows:        page.Rows,
		Count:       page.Count,
		TotalAmount: page.TotalAmount,
		Total:       decimal.New(page.TotalAmount, -2),
		Page:        f.Page,
		Limit:       f.Limit,
	}, nil
}
