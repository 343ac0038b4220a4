package model

import "time"

// Registration 用户报名记录，(sale_id, user_id) 唯一；Rank 一经分配不再修改（洗牌除外）。
type Registration struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SaleID   uint   `gorm:"not null;uniqueIndex:idx_reg_sale_user,priority:1;index:idx_reg_sale_rank,priority:1" json:"sale_id"`
	UserID   string `gorm:"size:64;not null;uniqueIndex:idx_reg_sale_user,priority:2" json:"user_id"`
	Username string `gorm:"size:64" json:"username"`
	Rank     int    `gorm:"not null;index:idx_reg_sale_rank,priority:2" json:"rank"`
}

func (Registration) TableName() string { return "sale_registrations" }

// QueueSlot 排名区间 [MinRank, MaxRank] 与购买时间窗 [SlotStart, SlotEnd) 的绑定。
type QueueSlot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SaleID          uint      `gorm:"not null;index" json:"sale_id"`
	MinRank         int       `gorm:"not null" json:"min_rank"`
	MaxRank         int       `gorm:"not null" json:"max_rank"`
	IntervalSeconds int64     `gorm:"not null" json:"interval_seconds"`
	SlotStart       time.Time `gorm:"not null" json:"slot_start"`
	SlotEnd         time.Time `gorm:"not null" json:"slot_end"`

	TxnStatus  bool   `json:"txn_status"`
	TxnMessage string `gorm:"size:255" json:"txn_message"`
	TxnID      string `gorm:"size:128" json:"txn_id"`
}

func (QueueSlot) TableName() string { return "queue_slots" }

func (q *QueueSlot) Contains(rank int) bool { return rank >= q.MinRank && rank <= q.MaxRank }

// Active 判断 now 是否落在 [SlotStart, SlotEnd)。
func (q *QueueSlot) Active(now time.Time) bool {
	return !now.Before(q.SlotStart) && now.Before(q.SlotEnd)
}
