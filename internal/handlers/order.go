// internal/handlers/order.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type OrderHandler struct {
	checkoutService *services.CheckoutService
	escrowService   *services.EscrowService
}

func NewOrderHandler(checkoutService *services.CheckoutService, escrowService *services.EscrowService) *OrderHandler {
	return &OrderHandler{
		checkoutService: checkoutService,
		escrowService:   escrowService,
	}
}

type updateFulfillmentRequest struct {
	Status models.OrderStatus `json:"status" validate:"required,oneof=processing shipped delivered"`
}

// POST /orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}

	var req services.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.checkoutService.CreateOrder(c.Request.Context(), caller.UserID, &req)
	if err != nil {
		utils.RespondError(c, "order", err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"order":   order,
		"message": i18n.T(lang, i18n.KeyOrderCreated),
	})
}

// POST /orders/:id/pay
func (h *OrderHandler) Pay(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "order ID")
	if !ok {
		return
	}

	var req services.PayRequest
	if !bindJSON(c, &req) {
		return
	}

	initiation, err := h.checkoutService.Pay(c.Request.Context(), orderID, caller.UserID, &req)
	if err != nil {
		utils.RespondError(c, "order", err)
		return
	}

	utils.SuccessResponseWithMeta(c, initiation, gin.H{"message": i18n.T(lang, i18n.KeyPaymentInitiated)})
}

// GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "order ID")
	if !ok {
		return
	}

	view, err := h.checkoutService.GetOrder(c.Request.Context(), orderID, caller)
	if err != nil {
		utils.RespondError(c, "order", err)
		return
	}

	utils.SuccessResponse(c, view)
}

// PUT /orders/:id/fulfillment
func (h *OrderHandler) UpdateFulfillment(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "order ID")
	if !ok {
		return
	}

	var req updateFulfillmentRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.checkoutService.UpdateFulfillment(c.Request.Context(), orderID, caller, req.Status)
	if err != nil {
		utils.RespondError(c, "order", err)
		return
	}

	utils.SuccessResponseWithMeta(c, order, gin.H{"message": i18n.T(lang, i18n.KeyOrderFulfilled)})
}

// POST /orders/:id/disputes
func (h *OrderHandler) OpenDispute(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "order ID")
	if !ok {
		return
	}

	var req services.OpenDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.escrowService.OpenDispute(c.Request.Context(), orderID, caller.UserID, req.Reason)
	if err != nil {
		utils.RespondError(c, "order", err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"dispute": dispute,
		"message": i18n.T(lang, i18n.KeyDisputeOpened),
	})
}
