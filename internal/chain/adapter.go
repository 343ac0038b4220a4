package chain

import "context"

// Settlement 链上动作的执行结果。Settled=false 时 Detail 为链端返回的原因。
type Settlement struct {
	Settled   bool   `json:"settled"`
	Reference string `json:"reference"`
	Detail    string `json:"detail"`
}

// Adapter 链适配层：签名、ABI 编码、读表都在适配服务内完成，这里只发动作、读计数、查归属。
type Adapter interface {
	Settle(ctx context.Context, action string, payload any, contract string) (Settlement, error)
	MintCount(ctx context.Context, saleID uint) (int, error)
	CheckOwnership(ctx context.Context, assetContract string, assetID int64) (bool, error)
}

// 链上动作名
const (
	ActionRegisterSale = "registersale"
	ActionSetQueue     = "setqueue"
	ActionBuyTemplate  = "buytemplate"
	ActionMint         = "mint"
)

// BuyTemplatePayload Wax 购买动作参数
type BuyTemplatePayload struct {
	Rank       int    `json:"rank"`
	SaleID     uint   `json:"sale_id"`
	TemplateID int64  `json:"template_id"`
	AmountPaid int64  `json:"amount_paid"`
	Username   string `json:"username"`
}

// SetQueuePayload 同步时段到链上合约，链端按同样的窗口校验
type SetQueuePayload struct {
	SaleID    uint  `json:"sale_id"`
	MinRank   int   `json:"min_rank"`
	MaxRank   int   `json:"max_rank"`
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

// RegisterSalePayload 在链上登记活动
type RegisterSalePayload struct {
	SaleID       uint   `json:"sale_id"`
	TemplateID   int64  `json:"template_id"`
	CollectionID string `json:"collection_id"`
	MaxIssue     int    `json:"max_issue"`
	LimitPerUser int    `json:"limit_per_user"`
	Price        int64  `json:"price"`
	SaleStart    int64  `json:"sale_start"`
	SaleEnd      int64  `json:"sale_end"`
	IsFreePack   bool   `json:"is_free_pack"`
}

// MintPayload 以太坊购买即铸造
type MintPayload struct {
	SaleID  uint   `json:"sale_id"`
	AssetID int64  `json:"asset_id"`
	UserID  string `json:"user_id"`
}
