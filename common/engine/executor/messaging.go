package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/common/email"
	"github.com/lyzr/flowengine/common/expr"
)

// receiveExecutor blocks on the correlation bus until a matching message
// arrives or the window elapses.
type receiveExecutor struct {
	env *Env
}

func (e *receiveExecutor) Execute(ctx context.Context, call *Call) error {
	task := call.Task
	scope := call.Scope

	messageRef := task.StringProp("messageRef")
	correlationKey := expr.SubstituteText(task.StringProp("correlationKey"), scope.Snapshot())
	if correlationKey == "" {
		correlationKey = call.InstanceID
	}

	timeout := e.env.Options.ReceiveTimeout
	if ms := task.IntProp("timeout", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	e.env.Broker.TaskProgress(task.ID, "waiting",
		fmt.Sprintf("Waiting for message %q (key %s)", messageRef, correlationKey), 0.3)

	msg, err := e.env.Bus.WaitForMessage(ctx, task.ID, messageRef, correlationKey, timeout)
	if err != nil {
		return err
	}

	// Mapping payloads merge into the scope so downstream conditions can
	// branch on individual fields.
	if m, ok := msg.Payload.(map[string]any); ok {
		scope.Merge(m)
	}
	scope.Set(task.ID+"_message", msg.Payload)
	scope.Set(task.ID+"_payload", msg.Payload)
	scope.Set("message_"+messageRef+"_received", true)

	e.env.Broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("Received message %q", messageRef), 1.0)
	return nil
}

// sendExecutor resolves templated mail fields, optionally appends approval
// links, and delegates delivery to the mailer. Delivery failures fall back
// to logging rather than failing the path.
type sendExecutor struct {
	env *Env
}

func (e *sendExecutor) Execute(ctx context.Context, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := call.Task
	vars := call.Scope.Snapshot()
	opts := e.env.Options

	to := task.StringProp("to")
	if to == "" {
		to = opts.DefaultTo
	}
	from := task.StringProp("fromEmail")
	if from == "" {
		from = opts.DefaultFrom
	}

	subject := expr.SubstituteText(task.StringProp("subject"), vars)
	body := expr.SubstituteText(task.StringProp("messageBody"), vars)
	to = expr.SubstituteText(to, vars)
	htmlFormat := task.BoolProp("htmlFormat")

	if task.BoolProp("includeApprovalLinks") {
		messageRef := task.StringProp("approvalMessageRef")
		if messageRef == "" {
			messageRef = "approvalRequest"
		}
		correlationKey := expr.SubstituteText(task.StringProp("approvalCorrelationKey"), vars)
		if correlationKey == "" {
			correlationKey = call.InstanceID
		}
		body = email.AddApprovalLinks(body, opts.PublicBaseURL, messageRef, correlationKey, htmlFormat)
	}

	messageType := task.StringProp("messageType")
	if messageType == "" {
		messageType = "Email"
	}
	e.env.Broker.TaskProgress(task.ID, "executing",
		fmt.Sprintf("Sending %s to %s", messageType, to), 0.3)

	result := map[string]any{"to": to, "sent": true, "method": "mailer"}
	err := e.env.Mailer.Send(ctx, email.Message{
		From: from, To: to, Subject: subject, Body: body, HTML: htmlFormat,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.env.Log.Warn("mail delivery failed, continuing", "task_id", task.ID, "error", err)
		result["method"] = "simulated"
	}

	call.Scope.Set(task.ID+"_result", result)
	e.env.Broker.TaskProgress(task.ID, "completed",
		fmt.Sprintf("%s sent to %s", messageType, to), 1.0)
	return nil
}
