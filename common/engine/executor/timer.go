package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/common/expr"
)

// timerExecutor pauses a path for a configured duration, absolute date, or
// cycle interval. Waits are capped so demo workflows stay responsive.
type timerExecutor struct {
	env *Env
}

func (e *timerExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	vars := call.Scope.Snapshot()

	var wait time.Duration
	var label string

	switch {
	case task.StringProp("timerDuration") != "":
		spec := expr.SubstituteText(task.StringProp("timerDuration"), vars)
		d, err := ParseISODuration(spec)
		if err != nil {
			return fmt.Errorf("timer %q: %w", task.ID, err)
		}
		wait, label = d, spec

	case task.StringProp("timerDate") != "":
		spec := expr.SubstituteText(task.StringProp("timerDate"), vars)
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return fmt.Errorf("timer %q: invalid date %q: %w", task.ID, spec, err)
		}
		wait, label = time.Until(at), spec
		if wait < 0 {
			wait = 0
		}

	case task.StringProp("timerCycle") != "":
		// Cycles fire once per pass through this node; only the interval
		// part of R<n>/<duration> matters here.
		spec := task.StringProp("timerCycle")
		d, err := parseCycleInterval(spec)
		if err != nil {
			return fmt.Errorf("timer %q: %w", task.ID, err)
		}
		wait, label = d, spec

	default:
		return fmt.Errorf("timer %q: no timerDuration, timerDate, or timerCycle configured", task.ID)
	}

	capped := CapDuration(wait, e.env.Options.DemoMaxTimer)
	if capped < wait {
		e.env.Log.Info("timer wait capped", "task_id", task.ID, "requested", wait, "capped", capped)
	}

	e.env.Broker.TaskProgress(task.ID, "waiting",
		fmt.Sprintf("Waiting %s (%s)", capped, label), 0.3)

	select {
	case <-time.After(capped):
	case <-ctx.Done():
		return ctx.Err()
	}

	e.env.Broker.TaskProgress(task.ID, "completed", "Timer fired", 1.0)
	return nil
}

func parseCycleInterval(spec string) (time.Duration, error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return ParseISODuration(spec[i+1:])
		}
	}
	return ParseISODuration(spec)
}
