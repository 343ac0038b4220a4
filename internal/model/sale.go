package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// QueueType 排队方式
type QueueType int

const (
	QueueFCFS   QueueType = 1 // 先到先得，按注册顺序排名
	QueueRandom QueueType = 2 // 到点后统一洗牌
	QueueNone   QueueType = 3 // 不排队，开售即可买
)

func (q QueueType) Valid() bool { return q >= QueueFCFS && q <= QueueNone }

// Chain 结算所在的链
type Chain int

const (
	ChainNone     Chain = 0
	ChainWax      Chain = 1
	ChainEthereum Chain = 2
)

func (c Chain) Valid() bool { return c >= ChainNone && c <= ChainEthereum }

func (c Chain) String() string {
	switch c {
	case ChainWax:
		return "wax"
	case ChainEthereum:
		return "ethereum"
	default:
		return "none"
	}
}

// SlotState 时段配置状态机：draft -> configuring -> ready，ready 之后不可再追加时段。
type SlotState string

const (
	SlotDraft       SlotState = "draft"
	SlotConfiguring SlotState = "configuring"
	SlotReady       SlotState = "ready"
)

// CanTransition 只允许向前推进；configuring 可以停留在自身（追加非末尾时段）。
func (s SlotState) CanTransition(to SlotState) bool {
	switch s {
	case SlotDraft:
		return to == SlotConfiguring || to == SlotReady
	case SlotConfiguring:
		return to == SlotConfiguring || to == SlotReady
	default:
		return false
	}
}

// QueueState 排名状态机：open -> shuffled。FCFS / 不排队的活动创建即为 shuffled。
type QueueState string

const (
	QueueOpen     QueueState = "open"
	QueueShuffled QueueState = "shuffled"
)

// DefaultChargeFee 支付通道费率（百分比）
var DefaultChargeFee = decimal.NewFromFloat(3.5)

// Sale 卡包发售活动：价格、限购、总量、时间窗、结算链。创建后只允许运营开关类字段变更。
type Sale struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	CollectionID string    `gorm:"size:64" json:"collection_id"`
	TemplateID   int64     `gorm:"not null;index" json:"template_id"`
	TemplateName string    `gorm:"size:128" json:"template_name"`
	Price        int64     `gorm:"not null" json:"price"` // 单位：分
	Currency     string    `gorm:"size:8;not null" json:"currency"`
	LimitPerUser int       `gorm:"not null" json:"limit_per_user"`
	MaxIssue     int       `gorm:"not null" json:"max_issue"`
	IsFreePack   bool      `gorm:"not null" json:"is_free_pack"`
	QueueType    QueueType `gorm:"not null" json:"queue_type"`
	Chain        Chain     `gorm:"not null" json:"chain"`

	RegistrationStart       time.Time `gorm:"not null" json:"registration_start"`
	RegistrationEnd         time.Time `gorm:"not null" json:"registration_end"`
	SaleStart               time.Time `gorm:"not null" json:"sale_start"`
	SaleEnd                 time.Time `gorm:"not null" json:"sale_end"`
	UnpackStart             time.Time `json:"unpack_start"`
	QueueInitializationTime time.Time `json:"queue_initialization_time"`

	SlotState  SlotState  `gorm:"size:16;not null" json:"slot_state"`
	QueueState QueueState `gorm:"size:16;not null" json:"queue_state"`

	IsEnabled               bool            `gorm:"not null" json:"is_enabled"`
	IsFeatured              bool            `gorm:"not null" json:"is_featured"`
	IsReRegistrationEnabled bool            `gorm:"not null" json:"is_re_registration_enabled"`
	ChargeFee               decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"charge_fee"`

	// 链上登记结果（Wax registersale），失败不阻塞活动创建。
	TxnStatus  bool   `json:"txn_status"`
	TxnMessage string `gorm:"size:255" json:"txn_message"`
	TxnID      string `gorm:"size:128" json:"txn_id"`
	AddedBy    string `gorm:"size:64" json:"added_by"`
}

func (Sale) TableName() string { return "sales" }

// QueueConfigurationInitialized 时段是否已覆盖到 SaleEnd。
func (s *Sale) QueueConfigurationInitialized() bool { return s.SlotState == SlotReady }

// QueueInitialized 排名是否已定稿。
func (s *Sale) QueueInitialized() bool { return s.QueueState == QueueShuffled }

// InSaleWindow 判断 now 是否落在 [SaleStart, SaleEnd)。
func (s *Sale) InSaleWindow(now time.Time) bool {
	return !now.Before(s.SaleStart) && now.Before(s.SaleEnd)
}

// EthereumSale 以太坊活动的补充信息：合约、是否购买即铸造、预留的 asset id 区间。
type EthereumSale struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SaleID        uint   `gorm:"not null;uniqueIndex" json:"sale_id"`
	AssetContract string `gorm:"size:64;not null;index" json:"asset_contract"`
	MintOnBuy     bool   `gorm:"not null" json:"mint_on_buy"`
	RangeFrom     int64  `gorm:"not null" json:"range_from"`
	RangeTo       int64  `gorm:"not null" json:"range_to"`
}

func (EthereumSale) TableName() string { return "ethereum_sales" }
