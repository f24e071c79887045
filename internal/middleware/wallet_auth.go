package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/auth"
)

// WalletKey gin 上下文中调用方钱包地址的键
const WalletKey = "wallet"

// WalletAuth 钱包身份认证中间件
type WalletAuth struct {
	manager *auth.Manager
	log     *zap.Logger
}

// NewWalletAuth 创建钱包认证中间件
func NewWalletAuth(manager *auth.Manager, log *zap.Logger) *WalletAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletAuth{manager: manager, log: log.Named("auth")}
}

// RequireWallet 要求有效的钱包令牌，并把小写钱包地址写入上下文
func (wa *WalletAuth) RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortUnauthorized(c, "Wallet authentication required")
			return
		}

		wallet, err := wa.manager.Validate(token)
		if err != nil {
			wa.log.Warn("wallet token rejected", zap.Error(err), zap.String("ip", c.ClientIP()))
			if errors.Is(err, auth.ErrExpiredToken) {
				abortUnauthorized(c, "Wallet token expired")
				return
			}
			abortUnauthorized(c, "Invalid wallet token")
			return
		}

		c.Set(WalletKey, wallet)
		c.Next()
	}
}

// Wallet 取出已认证的钱包地址
func Wallet(c *gin.Context) string {
	return c.GetString(WalletKey)
}

// CronAuth 定时任务认证，要求 Authorization: Bearer <secret>
//
// 未配置密钥时入口关闭。
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code": http.StatusServiceUnavailable,
				"msg":  "Cron endpoint is not configured",
			})
			return
		}
		token := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			abortUnauthorized(c, "Unauthorized")
			return
		}
		c.Next()
	}
}

// bearerToken 从 Authorization 头提取令牌
func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": http.StatusUnauthorized,
		"msg":  msg,
	})
}
