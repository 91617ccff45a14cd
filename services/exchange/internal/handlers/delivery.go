package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/engine"
	"github.com/stexlab/stex/services/exchange/internal/service"
)

func (h *Handler) registerDeliveries(r gin.IRouter) {
	r.POST("/deliveries", h.createDelivery)
	r.POST("/deliveries/finish", h.bulkFinishDeliveries)
	r.GET("/deliveries/latest", h.latestDeliveryID)
	r.GET("/deliveries/:id", h.getDelivery)
	r.POST("/deliveries/:id/cancel", h.cancelDelivery)
	r.POST("/deliveries/:id/confirm", h.confirmDelivery)
	r.POST("/deliveries/:id/finish", h.finishDelivery)
	r.POST("/deliveries/:id/abort", h.abortDelivery)
}

type createDeliveryRequest struct {
	Seller string          `json:"seller" binding:"required"`
	Token  string          `json:"token" binding:"required"`
	Buyer  string          `json:"buyer" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Agent  string          `json:"agent" binding:"required"`
	Data   string          `json:"data"`
}

func (h *Handler) createDelivery(c *gin.Context) {
	var req createDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CreateDelivery(c.Request.Context(), service.CreateDeliveryInput{
		Seller: req.Seller,
		Token:  req.Token,
		Buyer:  req.Buyer,
		Amount: req.Amount,
		Agent:  req.Agent,
		Data:   req.Data,
	})
	if err != nil {
		h.internalError(c, "create_delivery", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":     res.Applied,
		"reason":      res.Reason,
		"delivery_id": res.DeliveryID,
	})
}

func (h *Handler) cancelDelivery(c *gin.Context) {
	h.deliveryTransition(c, "cancel_delivery", h.svc.CancelDelivery)
}

func (h *Handler) confirmDelivery(c *gin.Context) {
	h.deliveryTransition(c, "confirm_delivery", h.svc.ConfirmDelivery)
}

func (h *Handler) finishDelivery(c *gin.Context) {
	h.deliveryTransition(c, "finish_delivery", h.svc.FinishDelivery)
}

func (h *Handler) abortDelivery(c *gin.Context) {
	h.deliveryTransition(c, "abort_delivery", h.svc.AbortDelivery)
}

func (h *Handler) deliveryTransition(c *gin.Context, op string,
	fn func(ctx context.Context, caller string, deliveryID int64) (service.Result, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := fn(c.Request.Context(), req.Caller, id)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, toBody(res))
}

type bulkFinishRequest struct {
	Caller      string  `json:"caller" binding:"required"`
	DeliveryIDs []int64 `json:"delivery_ids" binding:"required,min=1"`
}

// bulkFinishDeliveries is the one hard-fail surface: a failed precondition
// anywhere in the batch aborts everything and returns 409.
func (h *Handler) bulkFinishDeliveries(c *gin.Context) {
	var req bulkFinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.svc.BulkFinishDelivery(c.Request.Context(), req.Caller, req.DeliveryIDs)
	if err != nil {
		if reason, ok := engine.RejectionReason(err); ok {
			c.JSON(http.StatusConflict, gin.H{"applied": false, "reason": reason, "error": err.Error()})
			return
		}
		h.internalError(c, "bulk_finish_delivery", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "finished": len(req.DeliveryIDs)})
}

func (h *Handler) getDelivery(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.svc.GetDelivery(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "get_delivery", err)
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "delivery not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delivery_id": d.ID,
		"token":       d.Token,
		"seller":      d.Seller,
		"buyer":       d.Buyer,
		"amount":      d.Amount.String(),
		"agent":       d.Agent,
		"data":        d.Data,
		"confirmed":   d.Confirmed,
		"valid":       d.Valid,
	})
}

func (h *Handler) latestDeliveryID(c *gin.Context) {
	id, err := h.svc.LatestDeliveryID(c.Request.Context())
	if err != nil {
		h.internalError(c, "latest_delivery_id", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"latest_delivery_id": id})
}
