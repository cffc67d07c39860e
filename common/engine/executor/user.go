package executor

import (
	"context"
	"fmt"
	"strings"
)

// userTaskExecutor registers an approval task and blocks until a decision
// arrives over the observer channel. A rejected decision is stored, not
// raised; downstream gateways branch on it.
type userTaskExecutor struct {
	env *Env
}

func (e *userTaskExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	broker := e.env.Broker

	payload := map[string]any{
		"taskId":          task.ID,
		"elementId":       task.ID,
		"instanceId":      call.InstanceID,
		"name":            displayName(task),
		"assignee":        task.StringProp("assignee"),
		"candidateGroups": task.StringSliceProp("candidateGroups"),
		"priority":        task.StringProp("priority"),
		"dueDate":         task.StringProp("dueDate"),
	}

	if formFields, ok := task.Prop("formFields"); ok {
		payload["formFields"] = formFields
	} else {
		// Without a configured form, surface upstream task results so the
		// approver has something to review.
		data := make(map[string]any)
		for k, v := range call.Scope.Snapshot() {
			if strings.HasSuffix(k, "_result") {
				data[k] = v
			}
		}
		payload["data"] = data
	}

	broker.CreateUserTask(payload)
	broker.TaskProgress(task.ID, "waiting", fmt.Sprintf("Waiting for user decision on %s", displayName(task)), 0.3)

	completion, err := broker.WaitUserTask(ctx, task.ID)
	if err != nil {
		return err
	}

	call.Scope.Set(task.ID+"_decision", completion.Decision)
	call.Scope.Set(task.ID+"_comments", completion.Comments)
	call.Scope.Set(task.ID+"_completedBy", completion.User)
	call.Scope.Set("decision", completion.Decision)

	broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("User task completed with decision %q", completion.Decision), 1.0)

	e.env.Log.Info("user task completed",
		"task_id", task.ID, "decision", completion.Decision, "user", completion.User)
	return nil
}
