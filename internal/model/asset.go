package model

import "time"

// AssetReservation 以太坊 asset id 的占用关系；尝试失败时释放。
type AssetReservation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	SaleID    uint   `gorm:"not null;uniqueIndex:idx_res_sale_asset,priority:1" json:"sale_id"`
	AssetID   int64  `gorm:"not null;uniqueIndex:idx_res_sale_asset,priority:2" json:"asset_id"`
	AttemptID string `gorm:"size:36;not null;index" json:"attempt_id"`
}

func (AssetReservation) TableName() string { return "asset_reservations" }

// PendingAsset 已分配给用户、但链上尚未铸造完成的资产。存在即代表已占用，入库后删除。
type PendingAsset struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	SaleID        uint   `gorm:"not null;uniqueIndex:idx_pending_sale_asset,priority:1" json:"sale_id"`
	AssetID       int64  `gorm:"not null;uniqueIndex:idx_pending_sale_asset,priority:2" json:"asset_id"`
	UserID        string `gorm:"size:64;not null;index" json:"user_id"`
	AssetContract string `gorm:"size:64" json:"asset_contract"`
	AttemptID     string `gorm:"size:36" json:"attempt_id"`
}

func (PendingAsset) TableName() string { return "pending_assets" }

// VaultAsset 已入库到用户名下的资产
type VaultAsset struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID        string `gorm:"size:64;not null;index" json:"user_id"`
	AssetID       int64  `gorm:"not null;uniqueIndex:idx_vault_contract_asset,priority:2" json:"asset_id"`
	AssetContract string `gorm:"size:64;not null;uniqueIndex:idx_vault_contract_asset,priority:1" json:"asset_contract"`
	Chain         Chain  `gorm:"not null" json:"chain"`
}

func (VaultAsset) TableName() string { return "vault_assets" }
