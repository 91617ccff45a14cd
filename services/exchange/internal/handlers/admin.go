package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// AdminRegistry is the write side of the token/agent registry, managed by
// platform operators rather than traders.
type AdminRegistry interface {
	RegisterToken(ctx context.Context, tok storage.Token) error
	RegisterAgent(ctx context.Context, a storage.Agent) error
}

func (h *Handler) registerAdmin(r gin.IRouter) {
	admin := r.Group("/admin")
	admin.POST("/tokens", h.registerToken)
	admin.POST("/agents", h.registerAgent)
}

type registerTokenRequest struct {
	Address                  string `json:"address" binding:"required"`
	Tradable                 bool   `json:"tradable"`
	TransferApprovalRequired bool   `json:"transfer_approval_required"`
	Issuer                   string `json:"issuer"`
}

func (h *Handler) registerToken(c *gin.Context) {
	var req registerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.admin.RegisterToken(c.Request.Context(), storage.Token{
		Address:                  req.Address,
		Tradable:                 req.Tradable,
		TransferApprovalRequired: req.TransferApprovalRequired,
		Issuer:                   req.Issuer,
	})
	if err != nil {
		h.internalError(c, "register_token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "tradable": req.Tradable})
}

type registerAgentRequest struct {
	Address  string `json:"address" binding:"required"`
	Approved bool   `json:"approved"`
}

func (h *Handler) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.admin.RegisterAgent(c.Request.Context(), storage.Agent{
		Address:  req.Address,
		Approved: req.Approved,
	})
	if err != nil {
		h.internalError(c, "register_agent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "approved": req.Approved})
}
