package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/flowengine/common/bus"
	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/gateway"
)

// errHandledBySubprocess marks a failure that an interrupting error event
// sub-process absorbed. The instance completes normally when it surfaces.
var errHandledBySubprocess = errors.New("handled by event sub-process")

// InstanceNotFoundError is returned for status or cancel requests against an
// unknown instance.
type InstanceNotFoundError struct {
	InstanceID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("workflow instance %q not found", e.InstanceID)
}

// errorType buckets an execution error for task.error frames and boundary
// matching.
func errorType(err error) string {
	var scriptErr *executor.ScriptError
	var timeoutErr *bus.TimeoutError
	var noMatch *gateway.NoMatchError
	switch {
	case errors.As(err, &scriptErr):
		return "scriptError"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &noMatch):
		return "gatewayNoMatch"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "executionError"
	}
}
