package router

import (
	"context"

	"pack_sale/internal/purchase"

	"github.com/gin-gonic/gin"
)

// listSales 已开启的活动列表
func listSales(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sales, err := d.Catalog.List(c.Request.Context(), true)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, sales)
	}
}

// getSale 活动详情；以太坊活动附带合约信息。
func getSale(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		sale, err := d.Catalog.Sale(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		data := gin.H{"sale": sale}
		if eth, err := d.Catalog.EthereumSale(c.Request.Context(), id); err == nil {
			data["ethereum"] = eth
		}
		ok(c, data)
	}
}

func listSlots(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		slots, err := d.Queue.Slots(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, slots)
	}
}

func register(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		userID, username, valid := caller(c)
		if !valid {
			return
		}
		reg, err := d.Queue.Register(c.Request.Context(), id, userID, username)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, reg)
	}
}

func rankOf(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		userID, _, valid := caller(c)
		if !valid {
			return
		}
		info, err := d.Queue.RankOf(c.Request.Context(), id, userID)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, info)
	}
}

// publicQueue 洗牌后的公开排名
func publicQueue(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		regs, err := d.Queue.Queue(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		out := make([]gin.H, len(regs))
		for i, r := range regs {
			out[i] = gin.H{"username": r.Username, "rank": r.Rank}
		}
		ok(c, out)
	}
}

type buyBody struct {
	TemplateID    int64  `json:"template_id" binding:"required,min=1"`
	Amount        int64  `json:"amount" binding:"min=0"`
	PaymentMethod string `json:"payment_method"`
}

// buy 用户购买。同步返回结果：成功回执或带分类的失败。
func buy(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		userID, username, valid := caller(c)
		if !valid {
			return
		}
		var body buyBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		receipt, err := d.Purchases.Buy(detached(c), purchase.Request{
			SaleID:        id,
			UserID:        userID,
			Username:      username,
			TemplateID:    body.TemplateID,
			Amount:        body.Amount,
			PaymentMethod: body.PaymentMethod,
		})
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, receipt)
	}
}

func getAttempt(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := d.Purchases.Attempt(c.Request.Context(), c.Param("attempt_id"))
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, st)
	}
}

// detached 购买一旦开始就不应被客户端断开打断补偿流程。
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
