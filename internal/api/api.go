package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/middleware"
)

// HTTPHandler exposes webhook management over HTTP.
type HTTPHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the management routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.healthCheck)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TenantExtractor(middleware.TenantConfig{}))

	hooks := v1.Group("/webhooks")
	{
		hooks.GET("", h.listWebhooks)
		hooks.POST("", h.createWebhook)
		hooks.GET("/:id", h.getWebhook)
		hooks.PATCH("/:id", h.updateWebhook)
		hooks.DELETE("/:id", h.deleteWebhook)
		hooks.POST("/:id/rotate-secret", h.rotateSecret)
		hooks.GET("/:id/deliveries", h.listDeliveries)
	}

	deliveries := v1.Group("/deliveries")
	{
		deliveries.GET("/:id", h.getDelivery)
		deliveries.POST("/:id/retry", h.retryDelivery)
	}

	v1.POST("/events", h.triggerEvent)
	v1.GET("/event-types", h.listEventTypes)
}

func (h *HTTPHandler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) listWebhooks(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	hooks, err := h.svc.ListWebhooks(c.Request.Context(), tenantID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	out := make([]WebhookResponse, 0, len(hooks))
	for _, w := range hooks {
		out = append(out, newWebhookResponse(w, false))
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out})
}

func (h *HTTPHandler) getWebhook(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	w, err := h.svc.GetWebhook(c.Request.Context(), tenantID, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWebhookResponse(w, false))
}

func (h *HTTPHandler) createWebhook(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var req webhooks.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Failed to bind create webhook request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := h.svc.CreateWebhook(c.Request.Context(), tenantID, req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newWebhookResponse(w, true))
}

func (h *HTTPHandler) updateWebhook(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req webhooks.UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Failed to bind update webhook request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := h.svc.UpdateWebhook(c.Request.Context(), tenantID, id, req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWebhookResponse(w, false))
}

func (h *HTTPHandler) deleteWebhook(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteWebhook(c.Request.Context(), tenantID, id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) rotateSecret(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	w, err := h.svc.RotateSecret(c.Request.Context(), tenantID, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWebhookResponse(w, true))
}

func (h *HTTPHandler) listDeliveries(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := h.svc.ListDeliveries(c.Request.Context(), tenantID, id, limit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if list == nil {
		list = []webhooks.Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": list})
}

func (h *HTTPHandler) getDelivery(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	d, err := h.svc.GetDelivery(c.Request.Context(), tenantID, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *HTTPHandler) retryDelivery(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	d, err := h.svc.RetryDelivery(c.Request.Context(), tenantID, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *HTTPHandler) triggerEvent(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var req triggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.TriggerEvent(c.Request.Context(), tenantID, req.Event, req.Payload); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event": req.Event})
}

func (h *HTTPHandler) listEventTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"event_types": h.svc.EventTypes()})
}

func (h *HTTPHandler) tenantID(c *gin.Context) (string, bool) {
	tenantID, err := middleware.TenantIDFromGinContext(c)
	if err != nil || tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID header required"})
		return "", false
	}
	return tenantID, true
}

// idParam rejects ids that cannot exist before they reach the store.
func (h *HTTPHandler) idParam(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": webhooks.ErrNotFound.Error()})
		return "", false
	}
	return id.String(), true
}

func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	switch {
	case webhooks.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, webhooks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, delivery.ErrAlreadyDelivered), errors.Is(err, delivery.ErrAttemptInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Webhook service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
