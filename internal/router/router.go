package router

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pack_sale/internal/allocator"
	"pack_sale/internal/apperr"
	"pack_sale/internal/catalog"
	"pack_sale/internal/config"
	"pack_sale/internal/middleware"
	"pack_sale/internal/purchase"
	"pack_sale/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

const (
	adminTokenHeader = "X-Admin-Token"
	usernameHeader   = "X-Username"
)

// Deps 路由需要的服务。Redis 为 nil 时购买接口不限流。
type Deps struct {
	Catalog    *catalog.Service
	Queue      *allocator.Allocator
	Purchases  *purchase.Orchestrator
	Reconciler *purchase.Reconciler
	Sweeper    *purchase.Sweeper
	Payments   *purchase.PaymentDesk
	Store      *store.Store
	Redis      *rd.Client
	Config     config.AppConfig
	Log        *slog.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")
	api.GET("/sales", listSales(d))
	api.GET("/sales/:sale_id", getSale(d))
	api.GET("/sales/:sale_id/slots", listSlots(d))
	api.POST("/sales/:sale_id/register", register(d))
	api.GET("/sales/:sale_id/rank", rankOf(d))
	api.GET("/sales/:sale_id/queue", publicQueue(d))
	api.POST("/sales/:sale_id/buy",
		middleware.RedisRateLimit(d.Redis, d.Config.BuyRateLimit, d.Config.BuyRateWindow, d.Log),
		buy(d))
	api.GET("/purchases/:attempt_id", getAttempt(d))

	admin := api.Group("/admin", requireAdmin(d.Config.AdminToken))
	admin.POST("/sales", createSale(d))
	admin.POST("/sales/:sale_id/enabled", setFlag(d, d.Catalog.SetEnabled))
	admin.POST("/sales/:sale_id/featured", setFlag(d, d.Catalog.SetFeatured))
	admin.POST("/sales/:sale_id/mint_on_buy", setFlag(d, d.Catalog.SetMintOnBuy))
	admin.POST("/sales/:sale_id/slots", configureSlot(d))
	admin.POST("/sales/:sale_id/preload", preloadSupply(d))
	admin.GET("/sales/:sale_id/registrations", listRegistrations(d))
	admin.GET("/sales/:sale_id/sold_units", listSoldUnits(d))
	admin.POST("/sales/:sale_id/buy", operatorBuy(d))
	admin.POST("/sales/:sale_id/deposit_minted", depositMinted(d))
	admin.GET("/purchases/stale", listStale(d))
	admin.GET("/sales/:sale_id/payments", listPayments(d))
	admin.GET("/sales/:sale_id/refunds", listRefunds(d))
	admin.POST("/payments/:hold_id/refund", refundPayment(d))
	admin.GET("/reports/sold_units", soldUnitsReport(d))
}

// requireAdmin 运营接口的简单令牌校验
func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(adminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": msg})
}

// statusOf 错误分类到 HTTP 状态码
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAdmissionRejected, apperr.KindConfigurationInvalid:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPaymentFailed:
		return http.StatusPaymentRequired
	case apperr.KindSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail 按错误分类写响应；internal 错误只记日志，不向外暴露细节。
func fail(c *gin.Context, d Deps, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	msg := apperr.MessageOf(err)
	if kind == apperr.KindInternal {
		d.Log.Error("request failed", "path", c.FullPath(), "err", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": status, "kind": kind, "msg": msg})
}

func saleID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("sale_id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid sale_id")
		return 0, false
	}
	return uint(id), true
}

// caller 上游网关透传的用户身份
func caller(c *gin.Context) (userID, username string, ok bool) {
	userID = strings.TrimSpace(c.GetHeader(middleware.UserIDHeader))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "missing " + middleware.UserIDHeader})
		return "", "", false
	}
	username = strings.TrimSpace(c.GetHeader(usernameHeader))
	if username == "" {
		username = userID
	}
	return userID, username, true
}
