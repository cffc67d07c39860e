package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type messageRequest struct {
	MessageRef     string `json:"messageRef"`
	CorrelationKey string `json:"correlationKey"`
	Payload        any    `json:"payload"`
}

// PublishMessage publishes a correlated message from a JSON body.
func (h *Handler) PublishMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
	}
	if req.MessageRef == "" || req.CorrelationKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "messageRef and correlationKey are required"})
	}

	delivered := h.Bus.Publish(req.MessageRef, req.CorrelationKey, req.Payload)
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "published",
		"delivered": delivered,
	})
}

// PublishMessagePath publishes with routing taken from the URL; the body,
// when present, becomes the payload.
func (h *Handler) PublishMessagePath(c echo.Context) error {
	messageRef := c.Param("messageRef")
	correlationKey := c.Param("correlationKey")

	payload := map[string]any{}
	if err := c.Bind(&payload); err != nil || len(payload) == 0 {
		payload = map[string]any{}
		form, _ := c.FormParams()
		for k, v := range form {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	delivered := h.Bus.Publish(messageRef, correlationKey, payload)
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "published",
		"delivered": delivered,
	})
}

// ApprovalPage serves the confirmation page linked from approval mails. The
// page POSTs back to the same URL so mail scanners following GET links do
// not submit decisions.
func (h *Handler) ApprovalPage(decision string) echo.HandlerFunc {
	return func(c echo.Context) error {
		messageRef := c.Param("messageRef")
		correlationKey := c.Param("correlationKey")

		verb, color := "Approve", "#28a745"
		if decision == "denied" {
			verb, color = "Deny", "#dc3545"
		}

		page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Confirm %s</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 80px auto; text-align: center;">
    <h2>Confirm your decision</h2>
    <p>You are about to <strong>%s</strong> request <code>%s</code>.</p>
    <form method="POST">
        <button type="submit"
                style="padding: 12px 40px; background-color: %s; color: white;
                       border: none; border-radius: 5px; font-size: 16px; cursor: pointer;">
            %s
        </button>
    </form>
</body>
</html>`, verb, verb, correlationKey, color, verb)

		h.Log.Info("approval page served",
			"message_ref", messageRef, "correlation_key", correlationKey, "decision", decision)
		return c.HTML(http.StatusOK, page)
	}
}

// ApprovalSubmit records the confirmed decision on the bus.
func (h *Handler) ApprovalSubmit(decision string) echo.HandlerFunc {
	return func(c echo.Context) error {
		messageRef := c.Param("messageRef")
		correlationKey := c.Param("correlationKey")

		delivered := h.Bus.Publish(messageRef, correlationKey, map[string]any{
			"decision":  decision,
			"method":    "email",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		h.Log.Info("approval decision recorded",
			"message_ref", messageRef, "correlation_key", correlationKey,
			"decision", decision, "delivered", delivered)

		page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Decision recorded</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 80px auto; text-align: center;">
    <h2>Thank you</h2>
    <p>Your decision (<strong>%s</strong>) has been recorded. You can close this window.</p>
</body>
</html>`, decision)
		return c.HTML(http.StatusOK, page)
	}
}

// DirectApproval deposits a decision for an instance under the fixed
// diagnostic-approval routing pair, without a confirmation step.
func (h *Handler) DirectApproval(c echo.Context) error {
	instanceID := c.Param("workflowInstanceId")
	decision := c.QueryParam("decision")
	if decision != "approved" && decision != "rejected" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "decision must be approved or rejected"})
	}

	delivered := h.Bus.Publish("diagnosticApproval", instanceID, map[string]any{
		"decision":  decision,
		"method":    "direct",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "recorded",
		"instance_id": instanceID,
		"decision":    decision,
		"delivered":   delivered,
	})
}

// QueueStats reports aggregate bus state.
func (h *Handler) QueueStats(c echo.Context) error {
	stats := h.Bus.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"queued_messages": stats.QueuedMessages,
		"waiters":         stats.Waiters,
		"queued_keys":     stats.QueuedKeys,
		"waiter_keys":     stats.WaiterKeys,
	})
}

// QueueForKey lists messages queued under one correlation key.
func (h *Handler) QueueForKey(c echo.Context) error {
	key := c.Param("correlationKey")
	msgs := h.Bus.QueuedMessages(key)
	return c.JSON(http.StatusOK, map[string]any{
		"correlation_key": key,
		"count":           len(msgs),
		"messages":        msgs,
	})
}

// ClearQueue drops the queued messages for one correlation key.
func (h *Handler) ClearQueue(c echo.Context) error {
	key := c.Param("correlationKey")
	removed := h.Bus.Clear(key)
	return c.JSON(http.StatusOK, map[string]any{
		"correlation_key": key,
		"removed":         removed,
	})
}
