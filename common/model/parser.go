package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse deserializes a YAML workflow definition and indexes it into a Graph.
func Parse(data []byte) (*Graph, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("yaml: %v", err)}
	}
	if wf.Process.ID == "" && len(wf.Process.Elements) == 0 {
		return nil, &ParseError{Reason: "document has no process"}
	}
	return NewGraph(&wf.Process)
}

// ParseFile reads and parses a workflow definition from disk.
func ParseFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}
