package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	log := "boot ok\nERROR: connection refused to db-primary\nfound CVE-2024-12345 in openssl"

	args := BuildArgs("security-lookup", log, "app.log")
	assert.Equal(t, "CVE-2024-12345", args["query"])

	args = BuildArgs("kb-search", log, "app.log")
	assert.Equal(t, "connection refused to db-primary", args["query"])

	args = BuildArgs("kb-search", "nothing interesting", "app.log")
	assert.Equal(t, "error troubleshooting", args["query"])

	args = BuildArgs("custom-tool", log, "app.log")
	assert.Equal(t, "app.log", args["file"])
}

func TestHTTPInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/call", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req callRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.ToolName {
		case "search_kb":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"result":  map[string]any{"articles": 2, "query": req.Arguments["query"]},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown tool"})
		}
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "secret")

	result, err := inv.Invoke(context.Background(), "search_kb", map[string]any{"query": "timeout"})
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.EqualValues(t, 2, m["articles"])

	_, err = inv.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "unknown tool", fe.Message)
}

func TestStaticInvoker(t *testing.T) {
	inv := NewStaticInvoker(map[string]any{"kb-search": "three articles"})

	r, err := inv.Invoke(context.Background(), "kb-search", nil)
	require.NoError(t, err)
	assert.Equal(t, "three articles", r)

	r, err = inv.Invoke(context.Background(), "unknown", nil)
	require.NoError(t, err)
	assert.Equal(t, "simulated", r.(map[string]any)["status"])

	assert.Equal(t, []string{"kb-search", "unknown"}, inv.Calls())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inv.Invoke(ctx, "kb-search", nil)
	assert.Error(t, err)
}
