// internal/utils/response.go
package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/i18n"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success: true,
		Data:    data,
	})
}

func ErrorResponse(c *gin.Context, statusCode int, code, message string, details interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func BadRequestResponse(c *gin.Context, message string, details interface{}) {
	lang := GetLangFromContext(c)
	if message == "" {
		message = i18n.T(lang, i18n.KeyValidationInvalid, "request")
	}
	ErrorResponse(c, http.StatusBadRequest, "BAD_REQUEST", message, details)
}

func UnauthorizedResponse(c *gin.Context, message string) {
	lang := GetLangFromContext(c)
	if message == "" {
		message = i18n.T(lang, i18n.KeyAuthRequired)
	}
	ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func ForbiddenResponse(c *gin.Context, message string) {
	lang := GetLangFromContext(c)
	if message == "" {
		message = i18n.T(lang, i18n.KeyAuthAccessDenied)
	}
	ErrorResponse(c, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func NotFoundResponse(c *gin.Context, resource string) {
	lang := GetLangFromContext(c)
	message := i18n.T(lang, resource+".not_found")
	ErrorResponse(c, http.StatusNotFound, "NOT_FOUND", message, nil)
}

func InternalErrorResponse(c *gin.Context, message string) {
	if message == "" {
		message = i18n.T(GetLangFromContext(c), i18n.KeyInternalError)
	}
	ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
}

func ValidationErrorResponse(c *gin.Context, errors []ValidationError) {
	lang := GetLangFromContext(c)
	message := i18n.T(lang, i18n.KeyValidationInvalid, "input")
	ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", message, errors)
}

// RespondError maps the service error taxonomy onto the response envelope.
// resource names the i18n prefix used for not-found messages.
func RespondError(c *gin.Context, resource string, err error) {
	lang := GetLangFromContext(c)

	var validationErr *apperr.ValidationError
	var conflictErr *apperr.ConflictError

	switch {
	case errors.As(err, &validationErr):
		ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error(), gin.H{"field": validationErr.Field})
	case errors.Is(err, apperr.ErrSignatureInvalid):
		ErrorResponse(c, http.StatusBadRequest, "SIGNATURE_INVALID", i18n.T(lang, i18n.KeyPaymentSignatureInvalid), nil)
	case errors.Is(err, apperr.ErrAuthentication):
		UnauthorizedResponse(c, "")
	case errors.Is(err, apperr.ErrAuthorization):
		ForbiddenResponse(c, "")
	case errors.Is(err, apperr.ErrNotFound):
		NotFoundResponse(c, resource)
	case errors.As(err, &conflictErr):
		ErrorResponse(c, http.StatusConflict, "CONFLICT", i18n.T(lang, i18n.KeyConflict), gin.H{
			"resource": conflictErr.Resource,
			"id":       conflictErr.ID,
			"reason":   conflictErr.Reason,
		})
	case errors.Is(err, apperr.ErrInsufficientBalance):
		ErrorResponse(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", i18n.T(lang, i18n.KeyPayoutInsufficientBalance), nil)
	case errors.Is(err, apperr.ErrUnknownOrder):
		ErrorResponse(c, http.StatusUnprocessableEntity, "UNKNOWN_ORDER", i18n.T(lang, i18n.KeyPaymentUnknownOrder), nil)
	case errors.Is(err, apperr.ErrPaymentTimeout):
		ErrorResponse(c, http.StatusGatewayTimeout, "PAYMENT_TIMEOUT", i18n.T(lang, i18n.KeyPaymentTimeout), nil)
	case errors.Is(err, apperr.ErrProviderUnavailable):
		ErrorResponse(c, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", i18n.T(lang, i18n.KeyPaymentProviderDown), nil)
	default:
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled request error")
		InternalErrorResponse(c, "")
	}
}

func PaginatedResponse(c *gin.Context, result PaginationResult) {
	SetPaginationHeaders(c, result)
	SuccessResponseWithMeta(c, result.Data, gin.H{
		"pagination": gin.H{
			"page":        result.Page,
			"limit":       result.Limit,
			"total":       result.Total,
			"total_pages": result.TotalPages,
		},
	})
}

func GetLangFromContext(c *gin.Context) string {
	if lang, exists := c.Get("lang"); exists {
		if langStr, ok := lang.(string); ok {
			return langStr
		}
	}
	return "en"
}

func GetUserIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	if userID, exists := c.Get("user_id"); exists {
		if id, ok := userID.(uuid.UUID); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}

func GetUserRoleFromContext(c *gin.Context) (string, bool) {
	if role, exists := c.Get("user_role"); exists {
		if roleStr, ok := role.(string); ok {
			return roleStr, true
		}
	}
	return "", false
}
