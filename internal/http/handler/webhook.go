package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"hookrelay.io/relay/internal/ingest"
)

// maxBodyBytes caps inbound webhook bodies at 512 KiB.
const maxBodyBytes = 512 * 1024

// Delivery id headers, checked in order. Senders without either get a
// content-hash fallback downstream.
var deliveryIDHeaders = []string{"X-Delivery-Id", "X-Webhook-Delivery"}

type WebhookHandler struct {
	ingest ingest.Service
}

func NewWebhookHandler(ingestService ingest.Service) *WebhookHandler {
	return &WebhookHandler{ingest: ingestService}
}

// HandleDelivery accepts a webhook delivery for a trigger. The body is
// raw JSON, or form-encoded with the JSON under a "payload" field.
// Responses are always fast: execution happens asynchronously.
func (h *WebhookHandler) HandleDelivery(c *gin.Context) {
	ctx := c.Request.Context()

	triggerID, err := strconv.ParseInt(c.Param("trigger_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger id"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	}

	payload, ok := extractPayload(c.ContentType(), body)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	var deliveryID string
	for _, header := range deliveryIDHeaders {
		if v := c.GetHeader(header); v != "" {
			deliveryID = v
			break
		}
	}

	result, err := h.ingest.Ingest(ctx, ingest.Params{
		TriggerID:  triggerID,
		DeliveryID: deliveryID,
		Payload:    payload,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrTriggerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
			return
		}
		slog.ErrorContext(ctx, "webhook ingestion failed", "trigger_id", triggerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store event"})
		return
	}

	response := gin.H{"status": "ok"}
	if result.EventID != nil {
		response["eventId"] = *result.EventID
	}
	c.JSON(http.StatusOK, response)
}

// extractPayload returns the JSON body, unwrapping form encoding when the
// sender posts it under a "payload" field.
func extractPayload(contentType string, body []byte) (json.RawMessage, bool) {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, false
		}
		payload := values.Get("payload")
		if payload == "" {
			return nil, false
		}
		body = []byte(payload)
	}

	if !json.Valid(body) {
		return nil, false
	}
	return body, true
}
