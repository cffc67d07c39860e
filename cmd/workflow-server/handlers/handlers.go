// Package handlers implements the HTTP surface of the workflow server.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/bus"
	"github.com/lyzr/flowengine/common/engine"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/logger"
)

// Handler carries the shared collaborators for every route.
type Handler struct {
	Engine *engine.Engine
	Broker *events.Broker
	Bus    *bus.Bus
	Log    *logger.Logger
}

// Register mounts every route on the echo instance.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/", h.Root)
	e.GET("/health", h.Health)

	e.POST("/workflows/execute", h.ExecuteWorkflow)
	e.POST("/workflows/execute-file", h.ExecuteWorkflowFile)
	e.GET("/workflows/active", h.ActiveWorkflows)
	e.GET("/workflows/:instanceId/status", h.WorkflowStatus)
	e.POST("/workflows/:instanceId/cancel", h.CancelWorkflow)

	e.POST("/webhooks/message", h.PublishMessage)
	e.GET("/webhooks/queue/stats", h.QueueStats)
	e.GET("/webhooks/queue/:correlationKey", h.QueueForKey)
	e.DELETE("/webhooks/queue/:correlationKey", h.ClearQueue)
	e.GET("/webhooks/approve/:messageRef/:correlationKey", h.ApprovalPage("approved"))
	e.POST("/webhooks/approve/:messageRef/:correlationKey", h.ApprovalSubmit("approved"))
	e.GET("/webhooks/deny/:messageRef/:correlationKey", h.ApprovalPage("denied"))
	e.POST("/webhooks/deny/:messageRef/:correlationKey", h.ApprovalSubmit("denied"))
	e.POST("/webhooks/:messageRef/:correlationKey", h.PublishMessagePath)
	e.GET("/webhook/approval/:workflowInstanceId", h.DirectApproval)
}

// Root describes the service.
func (h *Handler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "workflow-server",
		"endpoints": map[string]string{
			"execute":  "POST /workflows/execute",
			"status":   "GET /workflows/{instanceId}/status",
			"active":   "GET /workflows/active",
			"cancel":   "POST /workflows/{instanceId}/cancel",
			"webhooks": "POST /webhooks/message",
			"stream":   "GET /ws",
		},
	})
}

// Health is the liveness probe.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"observers": h.Broker.ObserverCount(),
	})
}
