// Package tools is the boundary to external tool backends used by agentic
// tasks.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Invoker calls one named tool with structured arguments.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}

var (
	cveRe   = regexp.MustCompile(`CVE-\d{4}-\d{4,7}`)
	errorRe = regexp.MustCompile(`(?i)(ERROR|FATAL|CRITICAL)[:\s]+(.{0,100})`)
)

// BuildArgs derives arguments for a tool from the content under analysis.
// Security tools get CVE queries, knowledge-base tools get the first logged
// error line, everything else gets the raw context.
func BuildArgs(toolName, content, fileName string) map[string]any {
	switch toolName {
	case "security-lookup", "grep-search", "regex-match":
		if cves := cveRe.FindAllString(content, -1); len(cves) > 0 {
			return map[string]any{"query": cves[0]}
		}
		return map[string]any{"query": "security vulnerability"}

	case "kb-search", "log-parser", "error-classifier":
		if m := errorRe.FindStringSubmatch(content); m != nil {
			return map[string]any{"query": strings.TrimSpace(m[2])}
		}
		return map[string]any{"query": "error troubleshooting"}

	default:
		return map[string]any{"context": "analysis", "file": fileName}
	}
}

// FailureError wraps a tool backend failure so callers can distinguish it
// from transport errors.
type FailureError struct {
	Tool    string
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}
