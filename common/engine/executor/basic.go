package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/model"
)

// simpleExecutor covers task, manualTask, and businessRuleTask: emit
// progress and complete promptly.
type simpleExecutor struct {
	env *Env
}

func (e *simpleExecutor) Execute(ctx context.Context, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := call.Task
	e.env.Broker.TaskProgress(task.ID, "executing", fmt.Sprintf("Executing %s", displayName(task)), 0.5)
	e.env.Broker.TaskProgress(task.ID, "completed", fmt.Sprintf("%s completed", displayName(task)), 1.0)
	return nil
}

// scriptExecutor evaluates the task's script as a sandboxed expression over
// the variable scope and stores the result.
type scriptExecutor struct {
	env *Env
}

func (e *scriptExecutor) Execute(ctx context.Context, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := call.Task
	script := task.StringProp("script")
	resultVar := task.StringProp("resultVariable")
	if resultVar == "" {
		resultVar = task.ID + "_result"
	}

	e.env.Broker.TaskProgress(task.ID, "executing", "Evaluating script", 0.3)

	result, err := e.env.Expr.EvaluateExpression(script, call.Scope.Snapshot())
	if err != nil {
		e.env.Broker.TaskProgress(task.ID, "failed", fmt.Sprintf("Script error: %v", err), 0.5)
		return &ScriptError{TaskID: task.ID, Cause: err}
	}

	call.Scope.Set(resultVar, result)
	e.env.Broker.TaskProgress(task.ID, "completed", "Script completed", 1.0)
	return nil
}

// serviceExecutor has two sub-forms: "external" publishes an abstract work
// item and completes immediately; "expression" evaluates a templated
// string into a result variable.
type serviceExecutor struct {
	env *Env
}

func (e *serviceExecutor) Execute(ctx context.Context, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := call.Task
	implementation := task.StringProp("implementation")
	resultVar := task.StringProp("resultVariable")
	if resultVar == "" {
		resultVar = task.ID + "_result"
	}

	switch implementation {
	case "external":
		topic := task.StringProp("topic")
		e.env.Broker.TaskProgress(task.ID, "executing", fmt.Sprintf("Publishing work item to topic %q", topic), 0.5)
		call.Scope.Set(task.ID+"_topic", topic)
		call.Scope.Set(task.ID+"_published", true)
		e.env.Broker.TaskProgress(task.ID, "completed", "Work item published", 1.0)
		return nil

	case "expression", "":
		expression := task.StringProp("expression")
		e.env.Broker.TaskProgress(task.ID, "executing", "Evaluating expression", 0.3)

		result, err := e.env.Expr.EvaluateExpression(expression, call.Scope.Snapshot())
		if err != nil {
			// Templated plain strings are accepted as-is when they are not
			// valid expressions.
			resolved := expr.SubstituteText(expression, call.Scope.Snapshot())
			call.Scope.Set(resultVar, resolved)
			e.env.Broker.TaskProgress(task.ID, "completed", "Expression resolved", 1.0)
			return nil
		}
		call.Scope.Set(resultVar, result)
		e.env.Broker.TaskProgress(task.ID, "completed", "Expression evaluated", 1.0)
		return nil

	default:
		return fmt.Errorf("service task %q: unsupported implementation %q", task.ID, implementation)
	}
}

func displayName(task *model.Element) string {
	if task.Name != "" {
		return task.Name
	}
	return task.ID
}
