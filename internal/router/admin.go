package router

import (
	"context"
	"time"

	"pack_sale/internal/catalog"
	"pack_sale/internal/model"
	"pack_sale/internal/purchase"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createSaleBody struct {
	CollectionID            string           `json:"collection_id"`
	TemplateID              int64            `json:"template_id" binding:"required,min=1"`
	TemplateName            string           `json:"template_name"`
	Price                   int64            `json:"price" binding:"min=0"`
	Currency                string           `json:"currency"`
	LimitPerUser            int              `json:"limit_per_user" binding:"required,min=1"`
	MaxIssue                int              `json:"max_issue" binding:"required,min=1"`
	IsFreePack              bool             `json:"is_free_pack"`
	QueueType               model.QueueType  `json:"queue_type" binding:"required"`
	Chain                   model.Chain      `json:"chain"`
	RegistrationStart       time.Time        `json:"registration_start"`
	RegistrationEnd         time.Time        `json:"registration_end"`
	SaleStart               time.Time        `json:"sale_start" binding:"required"`
	SaleEnd                 time.Time        `json:"sale_end" binding:"required"`
	UnpackStart             time.Time        `json:"unpack_start"`
	QueueInitializationTime time.Time        `json:"queue_initialization_time"`
	IsReRegistrationEnabled bool             `json:"is_re_registration_enabled"`
	ChargeFee               *decimal.Decimal `json:"charge_fee"`
	AssetContract           string           `json:"asset_contract"`
	MintOnBuy               bool             `json:"mint_on_buy"`
}

// createSale 运营创建活动，时间字段使用 RFC3339。
func createSale(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createSaleBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		sale, err := d.Catalog.CreateSale(c.Request.Context(), catalog.CreateSaleInput{
			CollectionID:            body.CollectionID,
			TemplateID:              body.TemplateID,
			TemplateName:            body.TemplateName,
			Price:                   body.Price,
			Currency:                body.Currency,
			LimitPerUser:            body.LimitPerUser,
			MaxIssue:                body.MaxIssue,
			IsFreePack:              body.IsFreePack,
			QueueType:               body.QueueType,
			Chain:                   body.Chain,
			RegistrationStart:       body.RegistrationStart,
			RegistrationEnd:         body.RegistrationEnd,
			SaleStart:               body.SaleStart,
			SaleEnd:                 body.SaleEnd,
			UnpackStart:             body.UnpackStart,
			QueueInitializationTime: body.QueueInitializationTime,
			IsReRegistrationEnabled: body.IsReRegistrationEnabled,
			ChargeFee:               body.ChargeFee,
			AssetContract:           body.AssetContract,
			MintOnBuy:               body.MintOnBuy,
			AddedBy:                 c.GetHeader(usernameHeader),
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, sale)
	}
}

// setFlag 运营开关：enabled / featured / mint_on_buy
func setFlag(d Deps, set func(ctx context.Context, saleID uint, value bool) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		var body struct {
			Value *bool `json:"value" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := set(c.Request.Context(), id, *body.Value); err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"sale_id": id, "value": *body.Value})
	}
}

func configureSlot(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		var body struct {
			IntervalSeconds int64 `json:"interval_seconds"`
			MinRank         int   `json:"min_rank"`
			MaxRank         int   `json:"max_rank"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		slot, err := d.Queue.ConfigureSlot(c.Request.Context(), id, body.IntervalSeconds, body.MinRank, body.MaxRank)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, slot)
	}
}

// preloadSupply 把剩余可售件数预热到 Redis 供应闸门。
func preloadSupply(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		remaining, err := d.Catalog.PreloadSupply(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, gin.H{"sale_id": id, "remaining": remaining})
	}
}

func listRegistrations(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		regs, err := d.Queue.Registrations(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, regs)
	}
}

// listSoldUnits 账本明细，含失败行
func listSoldUnits(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		if _, err := d.Catalog.Sale(c.Request.Context(), id); err != nil {
			fail(c, d, err)
			return
		}
		units, err := d.Store.ListSoldUnits(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, units)
	}
}

// operatorBuy 运营代购，免支付
func operatorBuy(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		var body struct {
			UserID     string `json:"user_id" binding:"required"`
			Username   string `json:"username"`
			TemplateID int64  `json:"template_id" binding:"required,min=1"`
			Amount     int64  `json:"amount" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		if body.Username == "" {
			body.Username = body.UserID
		}
		receipt, err := d.Purchases.BuyAsOperator(detached(c), purchase.Request{
			SaleID:     id,
			UserID:     body.UserID,
			Username:   body.Username,
			TemplateID: body.TemplateID,
			Amount:     body.Amount,
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, receipt)
	}
}

func depositMinted(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		var body struct {
			From int64 `json:"from_asset_id"`
			To   int64 `json:"to_asset_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := d.Reconciler.DepositMinted(c.Request.Context(), id, body.From, body.To)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, res)
	}
}

// listStale 长时间停留在 pending 的账本行
func listStale(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		units, err := d.Sweeper.Stale(c.Request.Context())
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, units)
	}
}
