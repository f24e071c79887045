package httptransport

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/inbound"
)

type verifySubdomainRequest struct {
	Subdomain   string `json:"subdomain" binding:"required"`
	DNSVerified *bool  `json:"dnsVerified"`
	SESVerified *bool  `json:"sesVerified"`
}

// sesWebhook 接收 SNS 推送的入站通知
//
// 只有外层 JSON 无法解析时返回 400，其余结果（包括忽略和失败）都以 200 应答，
// 处理细节放在响应体中。
func (h *Handler) sesWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.inbound.HandleEnvelope(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, inbound.ErrMalformed) {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		h.respondError(c, err)
		return
	}
	Success(c, result)
}

// sweep 停用过期收件箱并发送到期提醒
func (h *Handler) sweep(c *gin.Context) {
	result, err := h.ledger.Sweep(c.Request.Context())
	if err != nil {
		h.log.Error("sweep failed", zap.Error(err))
		Error(c, http.StatusInternalServerError, MsgInternalError)
		return
	}
	Success(c, result)
}

// markSubdomainVerified DNS 与 SES 验证完成后的回调
func (h *Handler) markSubdomainVerified(c *gin.Context) {
	var req verifySubdomainRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.MarkVerified(c.Request.Context(), req.Subdomain, req.DNSVerified, req.SESVerified)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}
