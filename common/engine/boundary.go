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

// runTaskNode executes a task element, applying multi-instance and loop
// wrappers before the boundary-aware single run. The returned bool reports
// whether the task's normal outgoing flows should still be followed; a
// fired interrupting boundary replaces them with its own path.
func (e *Engine) runTaskNode(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string) (bool, error) {
	if isMultiInstance(el) {
		return e.runMultiInstance(ctx, inst, g, el, scope, pathID)
	}
	if el.StringProp("loopCondition") != "" {
		return e.runLoop(ctx, inst, g, el, scope, pathID)
	}
	return e.runWithBoundaries(ctx, inst, g, el, scope, pathID, el.ID)
}

// runLoop repeats the task while its loop condition holds, bounded by
// loopMaximum.
func (e *Engine) runLoop(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string) (bool, error) {
	max := el.IntProp("loopMaximum", 10)
	cond := el.StringProp("loopCondition")

	for i := 0; i < max; i++ {
		scope.Set("loopCounter", i+1)
		follow, err := e.runWithBoundaries(ctx, inst, g, el, scope, pathID, el.ID)
		if err != nil || !follow {
			return follow, err
		}
		again, evalErr := e.env.Expr.EvaluateCondition(cond, scope.Snapshot())
		if evalErr != nil {
			e.log.Warn("loop condition evaluation failed, stopping loop",
				"task_id", el.ID, "condition", cond, "error", evalErr)
			break
		}
		if !again {
			break
		}
	}
	return true, nil
}

// runWithBoundaries runs the task once, racing it against its attached
// timer boundaries and catching failures with its error boundaries.
func (e *Engine) runWithBoundaries(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID, handleKey string) (bool, error) {
	boundaries := g.BoundariesAttachedTo(el.ID)

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	inst.registerTask(&taskHandle{
		key:       handleKey,
		elementID: el.ID,
		pathID:    pathID,
		cancel:    cancelTask,
	})
	defer inst.unregisterTask(handleKey)

	started := time.Now()
	e.broker.ElementActivated(el.ID, el.Type, el.Name)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- e.registry.Execute(taskCtx, &executor.Call{
			Task:       el,
			Scope:      scope,
			Graph:      g,
			InstanceID: inst.ID,
			Runner:     &subRunner{e: e, inst: inst},
		})
	}()

	timerCh := make(chan *model.Element, len(boundaries))
	timerCtx, stopTimers := context.WithCancel(ctx)
	defer stopTimers()
	for _, b := range boundaries {
		if b.Type != model.KindTimerBoundaryEvent {
			continue
		}
		d, err := executor.ParseISODuration(b.StringProp("timerDuration"))
		if err != nil {
			e.log.Warn("timer boundary has invalid duration, ignoring",
				"boundary_id", b.ID, "error", err)
			continue
		}
		d = executor.CapDuration(d, e.env.Options.DemoMaxTimer)
		go func(b *model.Element, d time.Duration) {
			select {
			case <-time.After(d):
				select {
				case timerCh <- b:
				default:
				}
			case <-timerCtx.Done():
			}
		}(b, d)
	}

	for {
		select {
		case err := <-resultCh:
			stopTimers()
			if err != nil {
				return e.handleTaskError(ctx, inst, g, el, scope, pathID, err)
			}
			for _, b := range boundaries {
				if b.Type == model.KindCompensationBoundaryEvent {
					inst.addCompensation(el, b, g)
				}
			}
			e.broker.ElementCompleted(el.ID, time.Since(started))
			e.broker.StateDelta(inst.ID, scope.Snapshot())
			return true, nil

		case b := <-timerCh:
			interrupting := boundaryInterrupts(b)
			e.broker.ElementActivated(b.ID, b.Type, b.Name)

			if interrupting {
				e.broker.TaskCancelled(el.ID, "interrupted by timer boundary "+b.ID)
				cancelTask()
				<-resultCh // let the task goroutine unwind
				e.broker.ElementCompleted(b.ID, 0)
				return false, e.followFlows(ctx, inst, g, g.Outgoing(b.ID), scope, inst.inheritPath(pathID), false)
			}

			// Non-interrupting: open a concurrent path and keep waiting for
			// the task itself.
			e.broker.ElementCompleted(b.ID, 0)
			flows := g.Outgoing(b.ID)
			inst.aux.Add(1)
			go func() {
				defer inst.aux.Done()
				if err := e.followFlows(ctx, inst, g, flows, scope, uuid.NewString(), false); err != nil && !errors.Is(err, context.Canceled) {
					e.log.Warn("non-interrupting boundary path failed",
						"boundary_id", b.ID, "error", err)
				}
			}()
		}
	}
}

// handleTaskError routes a task failure: quiet teardown, error boundary,
// error event sub-process, or propagation, in that order.
func (e *Engine) handleTaskError(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string, err error) (bool, error) {
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Torn down by a join or a cancel request aimed at this task; the
		// path simply ends.
		return false, nil
	}
	if ctx.Err() != nil {
		return false, err
	}

	kind := errorType(err)
	for _, b := range g.BoundariesAttachedTo(el.ID) {
		if b.Type != model.KindErrorBoundaryEvent {
			continue
		}
		// Empty code catches everything; otherwise match the error kind or a
		// substring of the message.
		code := b.StringProp("errorCode")
		if code != "" && code != kind && !strings.Contains(err.Error(), code) {
			continue
		}

		scope.Set(b.ID+"_errorType", kind)
		scope.Set(b.ID+"_errorMessage", err.Error())
		e.log.Info("error boundary caught task failure",
			"task_id", el.ID, "boundary_id", b.ID, "error", err)

		e.broker.ElementActivated(b.ID, b.Type, b.Name)
		e.broker.ElementCompleted(b.ID, 0)

		if boundaryInterrupts(b) {
			return false, e.followFlows(ctx, inst, g, g.Outgoing(b.ID), scope, inst.inheritPath(pathID), false)
		}

		// Non-interrupting catch: the boundary path runs concurrently and
		// the task's normal outgoing flow is still followed.
		flows := g.Outgoing(b.ID)
		inst.aux.Add(1)
		go func() {
			defer inst.aux.Done()
			if err := e.followFlows(ctx, inst, g, flows, scope, uuid.NewString(), false); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn("non-interrupting error boundary path failed",
					"boundary_id", b.ID, "error", err)
			}
		}()
		return true, nil
	}

	if handled, subErr := e.runErrorEventSub(ctx, inst, g, scope, err); handled {
		if subErr != nil {
			return false, subErr
		}
		return false, errHandledBySubprocess
	}

	e.broker.TaskError(el.ID, errorType(err), err.Error(), false)
	return false, err
}

func boundaryInterrupts(b *model.Element) bool {
	if v, ok := b.Prop("cancelActivity"); ok {
		if bv, ok := v.(bool); ok {
			return bv
		}
	}
	return true
}
