package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPInvoker calls a tool server's /call endpoint with
// {"tool_name", "arguments"} and unwraps {"success", "result", "error"}.
type HTTPInvoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker against a tool server.
func NewHTTPInvoker(baseURL, apiKey string) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type callRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Error   string `json:"error"`
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	body, err := json.Marshal(callRequest{ToolName: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool call: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q: %w", toolName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &FailureError{Tool: toolName, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, data)}
	}

	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "tool call failed"
		}
		return nil, &FailureError{Tool: toolName, Message: msg}
	}
	return out.Result, nil
}
