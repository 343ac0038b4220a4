package router

import (
	"strconv"
	"time"

	"pack_sale/internal/model"
	"pack_sale/internal/store"

	"github.com/gin-gonic/gin"
)

// listPayments ?status= 按预授权状态过滤
func listPayments(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		rows, err := d.Payments.Payments(c.Request.Context(), id, model.HoldStatus(c.Query("status")))
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, rows)
	}
}

func listRefunds(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := saleID(c)
		if !valid {
			return
		}
		rows, err := d.Payments.RefundQueue(c.Request.Context(), id)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, rows)
	}
}

// refundPayment 处理人取 X-Username
func refundPayment(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := c.GetHeader(usernameHeader)
		if operator == "" {
			badRequest(c, "missing "+usernameHeader)
			return
		}
		hold, err := d.Payments.Refund(detached(c), c.Param("hold_id"), operator)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, hold)
	}
}

// soldUnitsReport ?sale_id=&from=&to=&page=&limit=，时间为 RFC3339
func soldUnitsReport(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f store.SoldUnitFilter
		var err error
		if v := c.Query("sale_id"); v != "" {
			id, perr := strconv.ParseUint(v, 10, 32)
			if perr != nil {
				badRequest(c, "invalid sale_id")
				return
			}
			f.SaleID = uint(id)
		}
		if f.From, err = time.Parse(time.RFC3339, c.Query("from")); err != nil {
			badRequest(c, "invalid from")
			return
		}
		if f.To, err = time.Parse(time.RFC3339, c.Query("to")); err != nil {
			badRequest(c, "invalid to")
			return
		}
		f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
		f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

		report, err := d.Payments.SoldReport(c.Request.Context(), f)
		if err != nil {
			fail(c, d, err)
			return
		}
		ok(c, report)
	}
}
