package payment

import (
	"context"

	"pack_sale/internal/model"

	"github.com/shopspring/decimal"
)

// HoldRequest 预授权请求。Method 为网关侧的支付凭证（卡 token 等）。
type HoldRequest struct {
	Amount      int64
	Currency    string
	Method      string
	Description string
	Metadata    map[string]any
}

// HoldResult 预授权结果；Status 为 hold 表示授权成功、尚未扣款。
type HoldResult struct {
	Ref    string
	Status model.HoldStatus
	Detail string
}

// RefundResult 人工退款结果：已扣款的走退款（refunded），仅授权未扣的走撤销（cancel）。
type RefundResult struct {
	Status model.HoldStatus
	Ref    string
}

// Gateway 支付网关：预授权、扣款、撤销、退款。返回的状态直接映射到 PaymentHold 状态机。
type Gateway interface {
	Hold(ctx context.Context, req HoldRequest) (HoldResult, error)
	Capture(ctx context.Context, ref string) (model.HoldStatus, error)
	Cancel(ctx context.Context, ref string) (model.HoldStatus, error)
	Refund(ctx context.Context, ref string) (RefundResult, error)
}

var hundred = decimal.NewFromInt(100)

// ChargeAmount 含通道费的预授权金额：amount × (1 + fee/100)，向上取整到最小货币单位。
func ChargeAmount(amount int64, feePercent decimal.Decimal) int64 {
	factor := decimal.NewFromInt(1).Add(feePercent.Div(hundred))
	return decimal.NewFromInt(amount).Mul(factor).Ceil().IntPart()
}
