package model

import "time"

// SettlementStatus 账本行的结算状态，只有 confirmed 计入已售。
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// SoldUnit 一次进入账本的购买尝试。ID 即 attempt id；行只追加，失败行保留用于审计。
type SoldUnit struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SaleID     uint             `gorm:"not null;index:idx_sold_sale_user,priority:1" json:"sale_id"`
	UserID     string           `gorm:"size:64;not null;index:idx_sold_sale_user,priority:2" json:"user_id"`
	Username   string           `gorm:"size:64" json:"username"`
	TemplateID int64            `gorm:"not null" json:"template_id"`
	Units      int              `gorm:"not null" json:"units"`
	Amount     int64            `gorm:"not null" json:"amount"` // 用户提交金额，单位：分
	Currency   string           `gorm:"size:8" json:"currency"`
	Rank       int              `json:"rank"`
	Status     SettlementStatus `gorm:"size:16;not null;index" json:"status"`
	PaymentRef string           `gorm:"size:128" json:"payment_ref"`
	HoldID     string           `gorm:"size:36" json:"hold_id"`
	TxnID      string           `gorm:"size:128" json:"txn_id"`
	TxnMessage string           `gorm:"size:255" json:"txn_message"`
	ByOperator bool             `json:"by_operator"`
}

func (SoldUnit) TableName() string { return "sold_units" }

// HoldStatus 支付预授权状态
type HoldStatus string

const (
	HoldPlaced        HoldStatus = "hold"
	HoldSuccessful    HoldStatus = "successful"
	HoldFailed        HoldStatus = "failed"
	HoldCancelled     HoldStatus = "cancel"
	HoldCaptureFailed HoldStatus = "captureFailed"
	HoldCancelFailed  HoldStatus = "cancelFailed"
	HoldRefunded      HoldStatus = "refunded"
)

// CanTransition 预授权状态迁移表：只有 hold 可以继续推进，captureFailed 允许再尝试一次撤销。
// 人工对账时 captureFailed / cancelFailed / successful 可以退款或撤销。
func (s HoldStatus) CanTransition(to HoldStatus) bool {
	switch s {
	case HoldPlaced:
		return to == HoldSuccessful || to == HoldCancelled || to == HoldCaptureFailed || to == HoldCancelFailed
	case HoldCaptureFailed:
		return to == HoldCancelled || to == HoldCancelFailed || to == HoldRefunded
	case HoldCancelFailed:
		return to == HoldCancelled || to == HoldRefunded
	case HoldSuccessful:
		return to == HoldRefunded
	default:
		return false
	}
}

// Terminal captureFailed / cancelFailed 也是终态：需要人工介入，不自动重试。
func (s HoldStatus) Terminal() bool {
	return s != HoldPlaced
}

// NeedsOperator 是否需要人工对账。
func (s HoldStatus) NeedsOperator() bool {
	return s == HoldCaptureFailed || s == HoldCancelFailed
}

// PaymentHold 网关预授权的本地审计副本，属于唯一一次购买尝试。
type PaymentHold struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AttemptID  string     `gorm:"size:36;not null;uniqueIndex" json:"attempt_id"`
	SaleID     uint       `gorm:"not null;index" json:"sale_id"`
	UserID     string     `gorm:"size:64;not null" json:"user_id"`
	Amount     int64      `gorm:"not null" json:"amount"` // 含手续费的实际预授权金额
	Currency   string     `gorm:"size:8" json:"currency"`
	PaymentRef string     `gorm:"size:128;index" json:"payment_ref"`
	Status     HoldStatus `gorm:"size:16;not null" json:"status"`
	Detail     string     `gorm:"size:255" json:"detail"`

	// 人工退款 / 撤销记录
	ResolvedBy string     `gorm:"size:64" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	RefundRef  string     `gorm:"size:128" json:"refund_ref,omitempty"`
}

func (PaymentHold) TableName() string { return "payment_holds" }
