// Package httptransport 提供 x402email 的 HTTP API。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/auth"
	"github.com/Merit-Systems/x402email/internal/config"
	"github.com/Merit-Systems/x402email/internal/health"
	"github.com/Merit-Systems/x402email/internal/inbound"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/middleware"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	inboxes    *service.InboxService
	subdomains *service.SubdomainService
	outbound   *service.OutboundService
	inbound    *inbound.Processor
	ledger     *ledger.Ledger
	log        *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	InboxService     *service.InboxService
	SubdomainService *service.SubdomainService
	OutboundService  *service.OutboundService
	Processor        *inbound.Processor
	Ledger           *ledger.Ledger
	AuthManager      *auth.Manager
	Health           *health.HealthChecker // 为空时不注册健康检查
	Metrics          *monitoring.Metrics   // 为空时使用 monitoring.Default
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.Default
	}

	router := gin.New()
	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.DynamicBodySizeLimit(map[string]int64{
		"/api/send":           middleware.SendBodyLimit,
		"/api/inbox/send":     middleware.SendBodyLimit,
		"/api/subdomain/send": middleware.SendBodyLimit,
	}, middleware.DefaultBodyLimit))

	corsConfig := gincors.Config{
		AllowOrigins:  deps.Config.CORS.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	// 允许所有来源时不能携带凭证
	corsConfig.AllowCredentials = true
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		inboxes:    deps.InboxService,
		subdomains: deps.SubdomainService,
		outbound:   deps.OutboundService,
		inbound:    deps.Processor,
		ledger:     deps.Ledger,
		log:        deps.Logger.Named("api"),
	}
	walletAuth := middleware.NewWalletAuth(deps.AuthManager, deps.Logger)

	// ========== Health & Metrics ==========
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	api := router.Group("/api")

	// ========== Inbound Webhook ==========
	// SNS 不携带钱包令牌，真实性由主题与签名校验保证
	api.POST("/webhooks/ses", handler.sesWebhook)

	// ========== Cron ==========
	cron := api.Group("/cron")
	cron.Use(middleware.CronAuth(deps.Config.Cron.Secret))
	{
		cron.POST("/sweep", handler.sweep)
		cron.POST("/subdomain/verify", handler.markSubdomainVerified)
	}

	paid := api.Group("")
	paid.Use(walletAuth.RequireWallet())

	// ========== Shared Send ==========
	paid.POST("/send", handler.sendShared)

	// ========== Root Inbox ==========
	inbox := paid.Group("/inbox")
	{
		inbox.POST("/buy", handler.buyInbox)
		inbox.POST("/update", handler.updateInbox)
		inbox.POST("/cancel", handler.cancelInbox)
		inbox.POST("/status", handler.inboxStatus)
		inbox.POST("/list", handler.listInboxes)
		inbox.POST("/topup", handler.topup(ledger.PlanTopup))
		inbox.POST("/topup/quarter", handler.topup(ledger.PlanQuarter))
		inbox.POST("/topup/year", handler.topup(ledger.PlanYear))
		inbox.POST("/messages", handler.listInboxMessages)
		inbox.POST("/messages/read", handler.readInboxMessage)
		inbox.POST("/messages/delete", handler.deleteInboxMessage)
		inbox.POST("/send", handler.sendFromInbox)
	}

	// ========== Subdomain ==========
	sub := paid.Group("/subdomain")
	{
		sub.POST("/buy", handler.buySubdomain)
		sub.POST("/update", handler.updateSubdomain)
		sub.POST("/status", handler.subdomainStatus)
		sub.POST("/list", handler.listSubdomains)
		sub.POST("/signers", handler.subdomainSigners)
		sub.POST("/send", handler.sendFromSubdomain)

		sub.POST("/inbox/create", handler.createSubdomainInbox)
		sub.POST("/inbox/update", handler.updateSubdomainInbox)
		sub.POST("/inbox/delete", handler.deleteSubdomainInbox)
		sub.POST("/inbox/list", handler.listSubdomainInboxes)
		sub.POST("/inbox/messages", handler.listSubdomainInboxMessages)
		sub.POST("/inbox/messages/read", handler.readSubdomainInboxMessage)
		sub.POST("/inbox/messages/delete", handler.deleteSubdomainInboxMessage)
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "Not found")
	})

	return router
}

// bind 解析 JSON 请求体，失败时直接写入 400
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return false
	}
	return true
}
