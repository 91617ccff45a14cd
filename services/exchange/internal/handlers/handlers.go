// Package handlers exposes the exchange over HTTP. Precondition failures of
// single operations come back as 200 with applied=false and a machine
// reason; only malformed requests and internal failures use error codes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/service"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

type Handler struct {
	svc    *service.Service
	admin  AdminRegistry
	logger *slog.Logger
}

func New(svc *service.Service, admin AdminRegistry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, admin: admin, logger: logger}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/orders", h.createOrder)
	r.GET("/orders/latest", h.latestOrderID)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/cancel", h.cancelOrder)
	r.POST("/orders/:id/execute", h.executeOrder)
	r.GET("/orders/:id/agreements/latest", h.latestAgreementID)
	r.GET("/orders/:id/agreements/:agreement_id", h.getAgreement)
	r.POST("/orders/:id/agreements/:agreement_id/confirm", h.confirmAgreement)
	r.POST("/orders/:id/agreements/:agreement_id/cancel", h.cancelAgreement)

	r.GET("/balances/:account/:token", h.getBalance)
	r.POST("/withdrawals", h.withdraw)
	r.GET("/tokens/:token/last-price", h.lastPrice)

	h.registerDeliveries(r)
	h.registerAdmin(r)
}

type resultBody struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

func toBody(r service.Result) resultBody {
	return resultBody{Applied: r.Applied, Reason: r.Reason}
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("operation failed", "operation", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type createOrderRequest struct {
	Owner  string          `json:"owner" binding:"required"`
	Token  string          `json:"token" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	IsBuy  bool            `json:"is_buy"`
	Agent  string          `json:"agent" binding:"required"`
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		Owner:  req.Owner,
		Token:  req.Token,
		Amount: req.Amount,
		Price:  req.Price,
		IsBuy:  req.IsBuy,
		Agent:  req.Agent,
	})
	if err != nil {
		h.internalError(c, "create_order", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":  res.Applied,
		"reason":   res.Reason,
		"order_id": res.OrderID,
	})
}

type callerRequest struct {
	Caller string `json:"caller" binding:"required"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CancelOrder(c.Request.Context(), req.Caller, id)
	if err != nil {
		h.internalError(c, "cancel_order", err)
		return
	}
	c.JSON(http.StatusOK, toBody(res))
}

type executeOrderRequest struct {
	Caller string          `json:"caller" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	IsBuy  bool            `json:"is_buy"`
}

func (h *Handler) executeOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req executeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.ExecuteOrder(c.Request.Context(), req.Caller, id, req.Amount, req.IsBuy)
	if err != nil {
		h.internalError(c, "execute_order", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":      res.Applied,
		"reason":       res.Reason,
		"order_id":     res.OrderID,
		"agreement_id": res.AgreementID,
	})
}

func (h *Handler) confirmAgreement(c *gin.Context) {
	h.settleAgreement(c, "confirm_agreement", h.svc.ConfirmAgreement)
}

func (h *Handler) cancelAgreement(c *gin.Context) {
	h.settleAgreement(c, "cancel_agreement", h.svc.CancelAgreement)
}

func (h *Handler) settleAgreement(c *gin.Context, op string,
	fn func(ctx context.Context, caller string, orderID, agreementID int64) (service.Result, error)) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agreementID, ok := pathID(c, "agreement_id")
	if !ok {
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := fn(c.Request.Context(), req.Caller, orderID, agreementID)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, toBody(res))
}

type orderBody struct {
	OrderID  int64  `json:"order_id"`
	Owner    string `json:"owner"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Price    string `json:"price"`
	IsBuy    bool   `json:"is_buy"`
	Agent    string `json:"agent"`
	Canceled bool   `json:"canceled"`
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.svc.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "get_order", err)
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, orderBody{
		OrderID:  order.ID,
		Owner:    order.Owner,
		Token:    order.Token,
		Amount:   order.Amount.String(),
		Price:    order.Price.String(),
		IsBuy:    order.IsBuy,
		Agent:    order.Agent,
		Canceled: order.Canceled,
	})
}

func (h *Handler) latestOrderID(c *gin.Context) {
	id, err := h.svc.LatestOrderID(c.Request.Context())
	if err != nil {
		h.internalError(c, "latest_order_id", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"latest_order_id": id})
}

func (h *Handler) latestAgreementID(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	id, err := h.svc.LatestAgreementID(c.Request.Context(), orderID)
	if err != nil {
		h.internalError(c, "latest_agreement_id", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "latest_agreement_id": id})
}

func (h *Handler) getAgreement(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agreementID, ok := pathID(c, "agreement_id")
	if !ok {
		return
	}
	a, err := h.svc.GetAgreement(c.Request.Context(), orderID, agreementID)
	if err != nil {
		h.internalError(c, "get_agreement", err)
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agreement not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":     a.OrderID,
		"agreement_id": a.ID,
		"counterparty": a.Counterparty,
		"amount":       a.Amount.String(),
		"price":        a.Price.String(),
		"canceled":     a.Canceled,
		"paid":         a.Paid,
	})
}

func (h *Handler) getBalance(c *gin.Context) {
	b, err := h.svc.GetBalance(c.Request.Context(), c.Param("account"), c.Param("token"))
	if err != nil {
		h.internalError(c, "get_balance", err)
		return
	}
	c.JSON(http.StatusOK, balanceBody(b))
}

func balanceBody(b storage.Balance) gin.H {
	return gin.H{
		"account":    b.Account,
		"token":      b.Token,
		"balance":    b.Balance.String(),
		"commitment": b.Commitment.String(),
	}
}

type withdrawRequest struct {
	Caller string `json:"caller" binding:"required"`
	Token  string `json:"token" binding:"required"`
}

func (h *Handler) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.Withdraw(c.Request.Context(), req.Caller, req.Token)
	if err != nil {
		h.internalError(c, "withdraw", err)
		return
	}
	body := gin.H{"applied": res.Applied, "reason": res.Reason}
	if res.Applied {
		body["amount"] = res.Amount.String()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) lastPrice(c *gin.Context) {
	price, err := h.svc.LastPrice(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.internalError(c, "last_price", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": c.Param("token"), "last_price": price.String()})
}
