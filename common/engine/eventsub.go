package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/model"
)

// eventSubPollInterval is how often scope-flag driven starts (message,
// signal, escalation) are checked.
const eventSubPollInterval = 500 * time.Millisecond

// startEventSubMonitors arms one goroutine per event sub-process declared in
// the graph. monCtx bounds the waiting; bodyCtx runs a triggered body and
// must outlive an interrupting teardown of the main flow.
func (e *Engine) startEventSubMonitors(monCtx, bodyCtx context.Context, inst *Instance, g *model.Graph, scope *executor.Scope) {
	for _, es := range g.EventSubProcesses() {
		kind := es.EventSubProcessStartKind()
		switch kind {
		case "", model.KindErrorStartEvent, model.KindCompensationStartEvent:
			// Error starts trigger from the failure path, compensation
			// starts from a throw; neither needs a monitor.
			continue
		}

		child, err := model.ChildGraph(es)
		if err != nil {
			e.log.Warn("event sub-process has no runnable body", "id", es.ID, "error", err)
			continue
		}
		start, err := subGraphStart(child)
		if err != nil {
			e.log.Warn("event sub-process body has no start", "id", es.ID, "error", err)
			continue
		}
		interrupting := startInterrupts(start)

		switch kind {
		case model.KindTimerStartEvent:
			d, err := executor.ParseISODuration(start.StringProp("timerDuration"))
			if err != nil {
				e.log.Warn("timer start has invalid duration", "id", es.ID, "error", err)
				continue
			}
			d = executor.CapDuration(d, e.env.Options.DemoMaxTimer)
			inst.aux.Add(1)
			go func(es *model.Element, child *model.Graph) {
				defer inst.aux.Done()
				select {
				case <-time.After(d):
					e.triggerEventSub(bodyCtx, inst, es, child, scope, interrupting)
				case <-monCtx.Done():
				}
			}(es, child)

		case model.KindMessageStartEvent, model.KindSignalStartEvent, model.KindEscalationStartEvent:
			flag := startFlagName(kind, start)
			if flag == "" {
				e.log.Warn("event sub-process start has no reference to watch", "id", es.ID)
				continue
			}
			inst.aux.Add(1)
			go func(es *model.Element, child *model.Graph, flag string) {
				defer inst.aux.Done()
				ticker := time.NewTicker(eventSubPollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if v, ok := scope.Get(flag); ok && truthy(v) {
							scope.Delete(flag)
							e.triggerEventSub(bodyCtx, inst, es, child, scope, interrupting)
							return
						}
					case <-monCtx.Done():
						return
					}
				}
			}(es, child, flag)
		}
	}
}

// triggerEventSub runs a fired event sub-process body. Interrupting bodies
// run against a snapshot of the active tasks, which are torn down when the
// body finishes.
func (e *Engine) triggerEventSub(ctx context.Context, inst *Instance, es *model.Element, child *model.Graph, scope *executor.Scope, interrupting bool) {
	e.log.Info("event sub-process triggered", "id", es.ID, "interrupting", interrupting)
	e.broker.ElementActivated(es.ID, es.Type, es.Name)

	var snapshot []*taskHandle
	if interrupting {
		inst.markHandledBySub()
		snapshot = inst.activeHandles()
	}

	start, err := subGraphStart(child)
	if err == nil {
		if runErr := e.executeFrom(ctx, inst, child, start, scope, uuid.NewString()); runErr != nil && !errors.Is(runErr, context.Canceled) {
			e.log.Warn("event sub-process body failed", "id", es.ID, "error", runErr)
		}
	}
	e.broker.ElementCompleted(es.ID, 0)

	if interrupting {
		for _, h := range snapshot {
			e.broker.TaskCancelled(h.elementID, "interrupted by event sub-process "+es.ID)
			h.cancel()
		}
		if inst.runCancel != nil {
			inst.runCancel()
		}
	}
}

// runErrorEventSub finds an error-started event sub-process matching the
// failure and runs it. Error event sub-processes always interrupt.
func (e *Engine) runErrorEventSub(ctx context.Context, inst *Instance, g *model.Graph, scope *executor.Scope, cause error) (bool, error) {
	for _, es := range g.EventSubProcesses() {
		if es.EventSubProcessStartKind() != model.KindErrorStartEvent {
			continue
		}
		child, err := model.ChildGraph(es)
		if err != nil {
			e.log.Warn("error event sub-process has no runnable body", "id", es.ID, "error", err)
			continue
		}
		start, err := subGraphStart(child)
		if err != nil {
			continue
		}
		code := start.StringProp("errorCode")
		if code != "" && !strings.Contains(cause.Error(), code) {
			continue
		}

		scope.Set("error_type", errorType(cause))
		scope.Set("error_message", cause.Error())
		e.log.Info("error event sub-process handling failure", "id", es.ID, "error", cause)

		snapshot := inst.activeHandles()
		e.broker.ElementActivated(es.ID, es.Type, es.Name)
		runErr := e.executeFrom(ctx, inst, child, start, scope, uuid.NewString())
		e.broker.ElementCompleted(es.ID, 0)

		for _, h := range snapshot {
			e.broker.TaskCancelled(h.elementID, "interrupted by error event sub-process "+es.ID)
			h.cancel()
		}
		inst.markHandledBySub()
		return true, runErr
	}
	return false, nil
}

func startInterrupts(start *model.Element) bool {
	if v, ok := start.Prop("isInterrupting"); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return true
}

func startFlagName(kind string, start *model.Element) string {
	switch kind {
	case model.KindMessageStartEvent:
		if ref := start.StringProp("messageRef"); ref != "" {
			return "message_" + ref + "_received"
		}
	case model.KindSignalStartEvent:
		if ref := start.StringProp("signalRef"); ref != "" {
			return "signal_" + ref + "_received"
		}
	case model.KindEscalationStartEvent:
		if ref := start.StringProp("escalationCode"); ref != "" {
			return "escalation_" + ref + "_raised"
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	default:
		return true
	}
}
