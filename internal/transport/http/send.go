package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/Merit-Systems/x402email/internal/middleware"
	"github.com/Merit-Systems/x402email/internal/service"
)

type inboxSendRequest struct {
	Username string `json:"username" binding:"required"`
	service.SendRequest
}

type subdomainSendRequest struct {
	From string `json:"from" binding:"required"`
	service.SendRequest
}

// sendShared 从共享中继地址发信
func (h *Handler) sendShared(c *gin.Context) {
	var req service.SendRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.outbound.SendShared(c.Request.Context(), middleware.Wallet(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}

func (h *Handler) sendFromInbox(c *gin.Context) {
	var req inboxSendRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.outbound.SendFromInbox(c.Request.Context(), middleware.Wallet(c), req.Username, req.SendRequest)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}

func (h *Handler) sendFromSubdomain(c *gin.Context) {
	var req subdomainSendRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.outbound.SendFromSubdomain(c.Request.Context(), middleware.Wallet(c), req.From, req.SendRequest)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}
