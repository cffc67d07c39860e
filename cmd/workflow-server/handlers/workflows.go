package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/engine"
	"github.com/lyzr/flowengine/common/model"
)

type executeRequest struct {
	YAML         string         `json:"yaml"`
	WorkflowFile string         `json:"workflowFile"`
	Context      map[string]any `json:"context"`
}

// ExecuteWorkflow starts an instance from an inline YAML definition or a
// server-side file path and returns its ID immediately.
func (h *Handler) ExecuteWorkflow(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
	}

	var (
		g   *model.Graph
		err error
	)
	switch {
	case req.YAML != "":
		g, err = model.Parse([]byte(req.YAML))
	case req.WorkflowFile != "":
		g, err = model.ParseFile(req.WorkflowFile)
	default:
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "yaml or workflowFile is required"})
	}
	if err != nil {
		return h.parseFailure(c, err)
	}

	return h.startInstance(c, g, req.Context)
}

// ExecuteWorkflowFile starts an instance from a multipart YAML upload with
// an optional JSON context field.
func (h *Handler) ExecuteWorkflowFile(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "file field is required"})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "cannot open upload"})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "cannot read upload"})
	}

	vars := map[string]any{}
	if raw := c.FormValue("context"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "context must be a JSON object"})
		}
	}

	g, err := model.Parse(data)
	if err != nil {
		return h.parseFailure(c, err)
	}
	return h.startInstance(c, g, vars)
}

func (h *Handler) startInstance(c echo.Context, g *model.Graph, vars map[string]any) error {
	instanceID, err := h.Engine.Start(context.Background(), g, vars)
	if err != nil {
		return h.parseFailure(c, err)
	}
	h.Log.Info("workflow accepted", "instance_id", instanceID, "workflow", g.ProcessName)
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "started",
		"instance_id": instanceID,
	})
}

func (h *Handler) parseFailure(c echo.Context, err error) error {
	var parseErr *model.ParseError
	if errors.As(err, &parseErr) {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": parseErr.Error()})
	}
	return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
}

// WorkflowStatus reports one instance.
func (h *Handler) WorkflowStatus(c echo.Context) error {
	instanceID := c.Param("instanceId")
	status, err := h.Engine.Status(instanceID)
	if err != nil {
		var notFound *engine.InstanceNotFoundError
		if errors.As(err, &notFound) {
			return c.JSON(http.StatusNotFound, map[string]any{"status": "not_found", "instance_id": instanceID})
		}
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}

	contextKeys := make([]string, 0, len(status.Variables))
	for k := range status.Variables {
		contextKeys = append(contextKeys, k)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":          status.Status,
		"instance_id":     status.InstanceID,
		"workflow_name":   status.WorkflowName,
		"start_time":      status.StartedAt.UTC().Format(time.RFC3339),
		"active_elements": status.ActiveElements,
		"context_keys":    contextKeys,
	})
}

// ActiveWorkflows lists the running instances.
func (h *Handler) ActiveWorkflows(c echo.Context) error {
	active := h.Engine.ActiveInstances()
	out := make([]map[string]any, 0, len(active))
	for _, s := range active {
		out = append(out, map[string]any{
			"instance_id":     s.InstanceID,
			"workflow_name":   s.WorkflowName,
			"start_time":      s.StartedAt.UTC().Format(time.RFC3339),
			"active_elements": s.ActiveElements,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(out), "instances": out})
}

// CancelWorkflow force-cancels a running instance.
func (h *Handler) CancelWorkflow(c echo.Context) error {
	instanceID := c.Param("instanceId")

	reason := "cancelled via API"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	if err := h.Engine.CancelInstance(instanceID, reason); err != nil {
		var notFound *engine.InstanceNotFoundError
		if errors.As(err, &notFound) {
			return c.JSON(http.StatusNotFound, map[string]any{"status": "not_found", "instance_id": instanceID})
		}
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "cancelled", "instance_id": instanceID})
}
