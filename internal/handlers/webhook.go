// internal/handlers/webhook.go
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-ledger/internal/archive"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	registry       *providers.Registry
	reconciliation *services.ReconciliationService
	archiver       archive.Archiver
}

func NewWebhookHandler(registry *providers.Registry, reconciliation *services.ReconciliationService, archiver archive.Archiver) *WebhookHandler {
	if archiver == nil {
		archiver = archive.NopArchiver{}
	}
	return &WebhookHandler{
		registry:       registry,
		reconciliation: reconciliation,
		archiver:       archiver,
	}
}

// POST /webhooks/:provider
//
// Everything the ledger has durably recorded is acknowledged with 200 so the
// provider stops redelivering, anomalies included.
func (h *WebhookHandler) Receive(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	name := providers.Provider(c.Param("provider"))
	log := logrus.WithField("provider", string(name))

	adapter, err := h.registry.Get(name)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "UNSUPPORTED_PROVIDER", i18n.T(lang, i18n.KeyPaymentUnsupportedProvider), nil)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "body"), nil)
		return
	}

	if key, err := h.archiver.Store(c.Request.Context(), string(name), payload, c.Request.Header); err != nil {
		log.WithError(err).Warn("Failed to archive provider callback")
	} else if key != "" {
		log = log.WithField("archive_key", key)
	}

	event, err := adapter.ParseCallback(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, providers.ErrIgnoredEvent) {
			utils.SuccessResponse(c, gin.H{"disposition": "ignored"})
			return
		}
		log.WithError(err).Warn("Rejected provider callback")
		utils.RespondError(c, "payment", err)
		return
	}

	result, err := h.reconciliation.Apply(c.Request.Context(), event)
	if err != nil {
		log.WithError(err).WithField("order_ref", event.OrderRef).Warn("Provider callback not applied")
		utils.RespondError(c, "payment", err)
		return
	}

	utils.SuccessResponseWithMeta(c, result, gin.H{"message": i18n.T(lang, i18n.KeyWebhookProcessed)})
}
