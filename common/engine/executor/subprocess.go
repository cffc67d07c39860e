package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/model"
)

// callActivityExecutor runs a named subprocess definition in its own scope,
// with explicit input and output mappings.
type callActivityExecutor struct {
	env *Env
}

func (e *callActivityExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	if call.Runner == nil {
		return fmt.Errorf("callActivity %q: no runner available", task.ID)
	}

	calledElement := task.StringProp("calledElement")
	sub, ok := call.Graph.Subprocess(calledElement)
	if !ok {
		return fmt.Errorf("callActivity %q: unknown subprocess %q", task.ID, calledElement)
	}

	child := NewScope(nil)
	if task.BoolProp("inheritVariables") {
		child.Merge(call.Scope.Snapshot())
	}
	for _, m := range mappings(task, "inputMappings") {
		applyMapping(m, call.Scope, child)
	}

	e.env.Broker.TaskProgress(task.ID, "executing",
		fmt.Sprintf("Calling subprocess %q", calledElement), 0.2)

	if err := call.Runner.RunGraph(ctx, sub, child); err != nil {
		return fmt.Errorf("callActivity %q: %w", task.ID, err)
	}

	for _, m := range mappings(task, "outputMappings") {
		applyMapping(m, child, call.Scope)
	}

	e.env.Broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("Subprocess %q completed", calledElement), 1.0)
	return nil
}

// subProcessExecutor runs an inline child graph over the parent's scope.
type subProcessExecutor struct {
	env *Env
}

func (e *subProcessExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	if call.Runner == nil {
		return fmt.Errorf("subProcess %q: no runner available", task.ID)
	}

	child, err := model.ChildGraph(task)
	if err != nil {
		return fmt.Errorf("subProcess %q: %w", task.ID, err)
	}

	e.env.Broker.TaskProgress(task.ID, "executing",
		fmt.Sprintf("Entering %s", displayName(task)), 0.2)

	if err := call.Runner.RunGraph(ctx, child, call.Scope); err != nil {
		return fmt.Errorf("subProcess %q: %w", task.ID, err)
	}

	e.env.Broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("%s completed", displayName(task)), 1.0)
	return nil
}

func mappings(task *model.Element, key string) []map[string]any {
	raw, ok := task.Prop(key)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// applyMapping copies source to target between scopes. A ${...} source is
// resolved against the source scope; a bare name copies that variable.
func applyMapping(m map[string]any, from, to *Scope) {
	source, _ := m["source"].(string)
	target, _ := m["target"].(string)
	if target == "" {
		return
	}
	vars := from.Snapshot()
	if v, ok := vars[source]; ok {
		to.Set(target, v)
		return
	}
	to.Set(target, expr.SubstituteText(source, vars))
}
