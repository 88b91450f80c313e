// internal/handlers/admin.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type AdminHandler struct {
	adminService  *services.AdminService
	escrowService *services.EscrowService
	payoutService *services.PayoutService
}

func NewAdminHandler(adminService *services.AdminService, escrowService *services.EscrowService, payoutService *services.PayoutService) *AdminHandler {
	return &AdminHandler{
		adminService:  adminService,
		escrowService: escrowService,
		payoutService: payoutService,
	}
}

// GET /admin/dashboard
func (h *AdminHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.adminService.GetDashboardStats(c.Request.Context())
	if err != nil {
		utils.RespondError(c, "dashboard", err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"stats": stats,
	})
}

// GET /admin/audit-logs
func (h *AdminHandler) GetAuditLogs(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	filter := services.AdminAuditFilter{
		PaginationParams: params,
		Action:           c.Query("action"),
		ResourceType:     c.Query("resource_type"),
	}
	if resourceID := c.Query("resource_id"); resourceID != "" {
		id, err := uuid.Parse(resourceID)
		if err != nil {
			utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, "resource_id"), nil)
			return
		}
		filter.ResourceID = &id
	}

	logs, total, err := h.adminService.GetAuditLogs(c.Request.Context(), filter)
	if err != nil {
		utils.RespondError(c, "audit_log", err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(logs, total, params))
}

// GET /admin/notifications
func (h *AdminHandler) GetAdminNotifications(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	notifications, total, err := h.adminService.GetAdminNotifications(c.Request.Context(), params)
	if err != nil {
		utils.RespondError(c, "notification", err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(notifications, total, params))
}

// PUT /admin/notifications/:id/read
func (h *AdminHandler) MarkAdminNotificationRead(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	id, ok := pathID(c, "notification ID")
	if !ok {
		return
	}

	if err := h.adminService.MarkAdminNotificationRead(c.Request.Context(), id); err != nil {
		utils.RespondError(c, "notification", err)
		return
	}

	utils.SuccessResponseWithMeta(c, gin.H{"id": id}, gin.H{"message": i18n.T(lang, i18n.KeyAdminNotificationRead)})
}

// PUT /admin/disputes/:id/resolve
func (h *AdminHandler) ResolveDispute(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	disputeID, ok := pathID(c, "dispute ID")
	if !ok {
		return
	}

	var req services.ResolveDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.escrowService.ResolveDispute(c.Request.Context(), disputeID, caller, req)
	if err != nil {
		utils.RespondError(c, "dispute", err)
		return
	}

	utils.SuccessResponseWithMeta(c, result, gin.H{"message": i18n.T(lang, i18n.KeyDisputeResolved)})
}

// POST /admin/escrow/:id/release
func (h *AdminHandler) ReleaseEscrow(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	escrowID, ok := pathID(c, "escrow ID")
	if !ok {
		return
	}

	payout, err := h.escrowService.ReleaseEscrow(c.Request.Context(), escrowID, caller)
	if err != nil {
		utils.RespondError(c, "escrow", err)
		return
	}

	utils.SuccessResponseWithMeta(c, payout, gin.H{"message": i18n.T(lang, i18n.KeyEscrowReleased)})
}

// POST /admin/escrow/release-due
func (h *AdminHandler) ReleaseDue(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}

	result, err := h.escrowService.ReleaseDue(c.Request.Context(), caller)
	if err != nil {
		utils.RespondError(c, "escrow", err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /admin/payouts
func (h *AdminHandler) GetPayoutRequests(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	sellerID := uuid.Nil
	if raw := c.Query("seller_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, "seller_id"), nil)
			return
		}
		sellerID = id
	}

	requests, total, err := h.payoutService.ListPayoutRequests(c.Request.Context(), sellerID, params)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(requests, total, params))
}

// PUT /admin/payouts/:id/decision
func (h *AdminHandler) DecidePayoutRequest(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "payout request ID")
	if !ok {
		return
	}

	var req services.DecidePayoutRequest
	if !bindJSON(c, &req) {
		return
	}

	request, err := h.payoutService.DecidePayoutRequest(c.Request.Context(), requestID, caller, req.Approve, req.Notes)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.SuccessResponseWithMeta(c, request, gin.H{"message": i18n.T(lang, i18n.KeyPayoutDecided)})
}

// PUT /admin/payouts/:id/complete
func (h *AdminHandler) CompletePayoutRequest(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	caller, ok := principal(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "payout request ID")
	if !ok {
		return
	}

	var req services.CompletePayoutRequest
	if !bindJSON(c, &req) {
		return
	}

	request, err := h.payoutService.CompletePayoutRequest(c.Request.Context(), requestID, caller, req.ExternalTransactionID)
	if err != nil {
		utils.RespondError(c, "payout", err)
		return
	}

	utils.SuccessResponseWithMeta(c, request, gin.H{"message": i18n.T(lang, i18n.KeyPayoutCompleted)})
}
