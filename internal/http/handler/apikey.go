package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// KeyValidator checks a key against the AI backend. Implemented by
// aisession.Client.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (bool, error)
}

type APIKeyHandler struct {
	validator KeyValidator
}

func NewAPIKeyHandler(validator KeyValidator) *APIKeyHandler {
	return &APIKeyHandler{validator: validator}
}

type validateKeyRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// Validate checks whether the submitted key authenticates against the AI
// backend before the dashboard stores it.
func (h *APIKeyHandler) Validate(c *gin.Context) {
	ctx := c.Request.Context()

	var req validateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "apiKey is required"})
		return
	}

	valid, err := h.validator.ValidateAPIKey(ctx, req.APIKey)
	if err != nil {
		slog.ErrorContext(ctx, "api key validation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": valid})
}
