package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/Merit-Systems/x402email/internal/middleware"
	"github.com/Merit-Systems/x402email/internal/service"
)

type subdomainRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
}

type updateSubdomainRequest struct {
	Subdomain         string  `json:"subdomain" binding:"required"`
	CatchAllForwardTo *string `json:"catchAllForwardTo"`
}

type signersRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
	Action    string `json:"action"` // add、remove、list，默认 list
	Wallet    string `json:"wallet"`
}

type subdomainInboxRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
	LocalPart string `json:"localPart" binding:"required"`
}

type createSubdomainInboxRequest struct {
	Subdomain      string `json:"subdomain" binding:"required"`
	LocalPart      string `json:"localPart" binding:"required"`
	ForwardTo      string `json:"forwardTo"`
	RetainMessages *bool  `json:"retainMessages"`
}

type updateSubdomainInboxRequest struct {
	Subdomain      string  `json:"subdomain" binding:"required"`
	LocalPart      string  `json:"localPart" binding:"required"`
	ForwardTo      *string `json:"forwardTo"`
	RetainMessages *bool   `json:"retainMessages"`
	Active         *bool   `json:"active"`
}

type subdomainMessagesRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
	LocalPart string `json:"localPart" binding:"required"`
	Cursor    string `json:"cursor"`
	Limit     int    `json:"limit"`
}

type subdomainMessageRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
	LocalPart string `json:"localPart" binding:"required"`
	MessageID string `json:"messageId" binding:"required"`
}

// buySubdomain 购买子域名，DNS 与发信验证由外部流程完成
func (h *Handler) buySubdomain(c *gin.Context) {
	var req subdomainRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.Buy(c.Request.Context(), middleware.Wallet(c), req.Subdomain)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Created(c, view)
}

func (h *Handler) updateSubdomain(c *gin.Context) {
	var req updateSubdomainRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.Update(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.CatchAllForwardTo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}

func (h *Handler) subdomainStatus(c *gin.Context) {
	var req subdomainRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.Status(c.Request.Context(), middleware.Wallet(c), req.Subdomain)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}

func (h *Handler) listSubdomains(c *gin.Context) {
	views, err := h.subdomains.ListOwned(c.Request.Context(), middleware.Wallet(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, gin.H{"subdomains": views})
}

// subdomainSigners 管理签名钱包
func (h *Handler) subdomainSigners(c *gin.Context) {
	var req signersRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	wallet := middleware.Wallet(c)

	switch req.Action {
	case "add":
		signer, err := h.subdomains.AddSigner(ctx, wallet, req.Subdomain, req.Wallet)
		if err != nil {
			h.respondError(c, err)
			return
		}
		Success(c, signer)
	case "remove":
		if err := h.subdomains.RemoveSigner(ctx, wallet, req.Subdomain, req.Wallet); err != nil {
			h.respondError(c, err)
			return
		}
		Success(c, gin.H{"removed": true})
	case "", "list":
		signers, err := h.subdomains.ListSigners(ctx, wallet, req.Subdomain)
		if err != nil {
			h.respondError(c, err)
			return
		}
		Success(c, gin.H{"signers": signers})
	default:
		BadRequest(c, MsgUnknownAction)
	}
}

func (h *Handler) createSubdomainInbox(c *gin.Context) {
	var req createSubdomainInboxRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.CreateInbox(c.Request.Context(), middleware.Wallet(c), req.Subdomain, service.CreateSubdomainInboxInput{
		LocalPart:      req.LocalPart,
		ForwardTo:      req.ForwardTo,
		RetainMessages: req.RetainMessages,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Created(c, view)
}

func (h *Handler) updateSubdomainInbox(c *gin.Context) {
	var req updateSubdomainInboxRequest
	if !bind(c, &req) {
		return
	}

	view, err := h.subdomains.UpdateInbox(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.LocalPart, service.UpdateSubdomainInboxInput{
		ForwardTo:      req.ForwardTo,
		RetainMessages: req.RetainMessages,
		Active:         req.Active,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, view)
}

// deleteSubdomainInbox 删除收件箱及其保留邮件
func (h *Handler) deleteSubdomainInbox(c *gin.Context) {
	var req subdomainInboxRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.subdomains.DeleteInbox(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.LocalPart)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}

func (h *Handler) listSubdomainInboxes(c *gin.Context) {
	var req subdomainRequest
	if !bind(c, &req) {
		return
	}

	views, err := h.subdomains.ListInboxes(c.Request.Context(), middleware.Wallet(c), req.Subdomain)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, gin.H{"inboxes": views})
}

func (h *Handler) listSubdomainInboxMessages(c *gin.Context) {
	var req subdomainMessagesRequest
	if !bind(c, &req) {
		return
	}

	page, err := h.subdomains.ListInboxMessages(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.LocalPart, service.ListQuery{
		Cursor: req.Cursor,
		Limit:  req.Limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, page)
}

func (h *Handler) readSubdomainInboxMessage(c *gin.Context) {
	var req subdomainMessageRequest
	if !bind(c, &req) {
		return
	}

	detail, err := h.subdomains.ReadInboxMessage(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.LocalPart, req.MessageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, detail)
}

func (h *Handler) deleteSubdomainInboxMessage(c *gin.Context) {
	var req subdomainMessageRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.subdomains.DeleteInboxMessage(c.Request.Context(), middleware.Wallet(c), req.Subdomain, req.LocalPart, req.MessageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, result)
}
