// internal/handlers/payout.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type PayoutHandler struct {
	payoutService *services.PayoutService
}

func NewPayoutHandler(payoutService *services.PayoutService) *PayoutHandler {
	return &PayoutHandler{
		payoutService: payoutService,
	}
}

// GET /payouts/balance
func (h *PayoutHandler) GetBalance(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}

	balance, err := h.payoutService.GetBalance(c.Request.Context(), caller.UserID)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.SuccessResponse(c, balance)
}

// POST /payouts/requests
func (h *PayoutHandler) RequestPayout(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}

	var req services.CreatePayoutRequest
	if !bindJSON(c, &req) {
		return
	}

	request, err := h.payoutService.RequestPayout(c.Request.Context(), caller.UserID, &req)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"payout_request": request,
		"message":        i18n.T(lang, i18n.KeyPayoutRequested),
	})
}

// GET /payouts/requests
func (h *PayoutHandler) ListPayoutRequests(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	params := utils.GetPaginationParams(c)

	requests, total, err := h.payoutService.ListPayoutRequests(c.Request.Context(), caller.UserID, params)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(requests, total, params))
}
