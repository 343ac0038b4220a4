package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"

	"gorm.io/gorm"
)

func (s *Store) CreatePaymentHold(ctx context.Context, h *model.PaymentHold) error {
	return s.conn(ctx).Create(h).Error
}

// UpdatePaymentHold 带状态守卫的迁移：非法迁移直接报错，并发下以 WHERE status=from 兜底。
func (s *Store) UpdatePaymentHold(ctx context.Context, id string, from, to model.HoldStatus, detail string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("payment hold %s: illegal transition %s -> %s", id, from, to)
	}
	res := s.conn(ctx).Model(&model.PaymentHold{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "detail": truncate(detail, 255)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment hold %s: not in state %s", id, from)
	}
	return nil
}

func (s *Store) GetPaymentHoldByAttempt(ctx context.Context, attemptID string) (*model.PaymentHold, error) {
	var h model.PaymentHold
	err := s.conn(ctx).Where("attempt_id = ?", attemptID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(apperr.ErrAttemptNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) GetPaymentHold(ctx context.Context, id string) (*model.PaymentHold, error) {
	var h model.PaymentHold
	err := s.conn(ctx).Where("id = ?", id).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(apperr.ErrHoldNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// PaymentRecord 预授权连同对应账本行，供运营对账。
type PaymentRecord struct {
	model.PaymentHold
	Username      string                 `json:"username"`
	SaleAmount    int64                  `json:"sale_amount"`
	LedgerStatus  model.SettlementStatus `json:"ledger_status"`
	LedgerMessage string                 `json:"ledger_message"`
}

func (s *Store) paymentRecords(ctx context.Context, saleID uint) *gorm.DB {
	return s.conn(ctx).Table("payment_holds AS h").
		Select(`h.*,
			COALESCE(s.username, '') AS username,
			COALESCE(s.amount, 0) AS sale_amount,
			COALESCE(s.status, '') AS ledger_status,
			COALESCE(s.txn_message, '') AS ledger_message`).
		Joins("LEFT JOIN sold_units AS s ON s.id = h.attempt_id").
		Where("h.sale_id = ?", saleID).
		Order("h.created_at DESC")
}

// ListPaymentRecords status 为空时返回全部。
func (s *Store) ListPaymentRecords(ctx context.Context, saleID uint, status model.HoldStatus) ([]PaymentRecord, error) {
	q := s.paymentRecords(ctx, saleID)
	if status != "" {
		q = q.Where("h.status = ?", status)
	}
	var rows []PaymentRecord
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRefundQueue 需要人工处理的预授权：扣款/撤销失败、已扣款但账本失败，以及已处理过的记录。
func (s *Store) ListRefundQueue(ctx context.Context, saleID uint) ([]PaymentRecord, error) {
	var rows []PaymentRecord
	err := s.paymentRecords(ctx, saleID).
		Where("(h.status IN ? OR (h.status = ? AND s.status = ?) OR h.resolved_by <> '')",
			[]model.HoldStatus{model.HoldCaptureFailed, model.HoldCancelFailed, model.HoldRefunded},
			model.HoldSuccessful, model.SettlementFailed).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HoldResolution 人工退款 / 撤销的结果
type HoldResolution struct {
	To         model.HoldStatus
	ResolvedBy string
	ResolvedAt time.Time
	RefundRef  string
	Detail     string
}

// ResolvePaymentHold 与 UpdatePaymentHold 相同的状态守卫，同时记录处理人。
func (s *Store) ResolvePaymentHold(ctx context.Context, id string, from model.HoldStatus, r HoldResolution) error {
	if !from.CanTransition(r.To) {
		return fmt.Errorf("payment hold %s: illegal transition %s -> %s", id, from, r.To)
	}
	res := s.conn(ctx).Model(&model.PaymentHold{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":      r.To,
			"detail":      truncate(r.Detail, 255),
			"resolved_by": r.ResolvedBy,
			"resolved_at": r.ResolvedAt,
			"refund_ref":  r.RefundRef,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment hold %s: not in state %s", id, from)
	}
	return nil
}
