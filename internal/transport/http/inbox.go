package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/middleware"
	"github.com/Merit-Systems/x402email/internal/service"
)

type usernameRequest struct {
	Username string `json:"username" binding:"required"`
}

type buyInboxRequest struct {
	Username       string `json:"username" binding:"required"`
	ForwardTo      string `json:"forwardTo"`
	RetainMessages bool   `json:"retainMessages"`
}

type updateInboxRequest struct {
	Username       string  `json:"username" binding:"required"`
	ForwardTo      *string `json:"forwardTo"`
	RetainMessages *bool   `json:"retainMessages"`
}

type cancelInboxRequest struct {
	Username      string `json:"username" binding:"required"`
	RefundAddress string `json:"refundAddress"`
}

type listMessagesRequest struct {
	Username string `json:"username" binding:"required"`
	Cursor   string `json:"cursor"`
	Limit    int    `json:"limit"`
}

type messageRequest struct {
	Username  string `json:"username" binding:"required"`
	MessageID string `json:"messageId" binding:"required"`
}

// buyInbox 购买根域名收件箱
func (h *Handler) buyInbox(c *gin.Context) {
	var req buyInboxRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.inboxes.Buy(c.Request.Context(), service.BuyInboxInput{
		Wallet:         middleware.Wallet(c),
		Username:       req.Username,
		ForwardTo:      req.ForwardTo,
		RetainMessages: req.RetainMessages,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Created(c, view)
}

func (h *Handler) updateInbox(c *gin.Context) {
	var req updateInboxRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.inboxes.Update(c.Request.Context(), service.UpdateInboxInput{
		Wallet:         middleware.Wallet(c),
		Username:       req.Username,
		ForwardTo:      req.ForwardTo,
		RetainMessages: req.RetainMessages,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}

// cancelInbox 取消收件箱并退款
//
// 退款转账失败时收件箱已停用，以 502 返回结果供人工跟进。
func (h *Handler) cancelInbox(c *gin.Context) {
	var req cancelInboxRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.inboxes.Cancel(c.Request.Context(), middleware.Wallet(c), req.Username, req.RefundAddress)
	if err != nil {
		if result != nil && domain.KindOf(err) == domain.KindUpstreamTransportFailure {
			ErrorWithData(c, domain.KindUpstreamTransportFailure.HTTPStatus(), MsgRefundFailed, result)
			return
		}
		h.respondError(c, err)
		return
	}
	Success(c, result)
}

func (h *Handler) inboxStatus(c *gin.Context) {
	var req usernameRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.inboxes.Status(c.Request.Context(), middleware.Wallet(c), req.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}

func (h *Handler) listInboxes(c *gin.Context) {
	views, err := h.inboxes.ListOwned(c.Request.Context(), middleware.Wallet(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, gin.H{"inboxes": views})
}

// topup 按套餐续费，任何钱包都可以为收件箱付费
func (h *Handler) topup(plan ledger.Plan) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req usernameRequest
		if !bind(c, &req) {
			return
		}

		result, err := h.inboxes.Topup(c.Request.Context(), req.Username, plan)
		if err != nil {
			h.respondError(c, err)
			return
		}
		Success(c, result)
	}
}

func (h *Handler) listInboxMessages(c *gin.Context) {
	var req listMessagesRequest
	if !bind(c, &req) {
		return
	}

	page, err := h.inboxes.ListMessages(c.Request.Context(), middleware.Wallet(c), req.Username, service.ListQuery{
		Cursor: req.Cursor,
		Limit:  req.Limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, page)
}

func (h *Handler) readInboxMessage(c *gin.Context) {
	var req messageRequest
	if !bind(c, &req) {
		return
	}

	detail, err := h.inboxes.ReadMessage(c.Request.Context(), middleware.Wallet(c), req.Username, req.MessageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, detail)
}

func (h *Handler) deleteInboxMessage(c *gin.Context) {
	var req messageRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.inboxes.DeleteMessage(c.Request.Context(), middleware.Wallet(c), req.Username, req.MessageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}
