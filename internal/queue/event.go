package queue

import "fmt"

// PurchaseEvent 一次购买尝试的终态事件，经 Redis Stream 转发到 Kafka。
type PurchaseEvent struct {
	AttemptID  string `json:"attempt_id"`
	SaleID     uint   `json:"sale_id"`
	UserID     string `json:"user_id"`
	Units      int    `json:"units"`
	Amount     int64  `json:"amount"` // 分
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	Kind       string `json:"kind,omitempty"`
	TxnID      string `json:"txn_id,omitempty"`
	OccurredAt int64  `json:"occurred_at"` // unix 秒
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (e PurchaseEvent) Validate() error {
	if e.AttemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}
	if e.SaleID == 0 {
		return fmt.Errorf("sale_id is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.Units <= 0 {
		return fmt.Errorf("units must be > 0")
	}
	if e.Amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	if e.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// AssetMintedEvent 链上铸造完成通知，驱动待入库资产对账。
type AssetMintedEvent struct {
	SaleID        uint   `json:"sale_id"`
	AssetID       int64  `json:"asset_id"`
	AssetContract string `json:"asset_contract"`
}

func (e AssetMintedEvent) Validate() error {
	if e.SaleID == 0 {
		return fmt.Errorf("sale_id is required")
	}
	if e.AssetID <= 0 {
		return fmt.Errorf("asset_id must be > 0")
	}
	return nil
}
