// Package engine walks a parsed workflow graph to completion: traversal,
// gateway semantics, boundary events, event sub-processes, compensation,
// and the instance registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/gateway"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/model"
)

// Result is the outcome of one completed instance.
type Result struct {
	InstanceID string         `json:"instanceId"`
	Outcome    string         `json:"outcome"`
	Duration   time.Duration  `json:"-"`
	Variables  map[string]any `json:"variables"`
}

// Engine executes workflow graphs. One engine serves many concurrent
// instances.
type Engine struct {
	env      *executor.Env
	registry *executor.Registry
	gateways *gateway.Evaluator
	broker   *events.Broker
	log      *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// New creates an engine over the shared executor environment.
func New(env *executor.Env) *Engine {
	return &Engine{
		env:       env,
		registry:  executor.NewRegistry(env),
		gateways:  gateway.New(env.Expr, env.Broker, env.Log),
		broker:    env.Broker,
		log:       env.Log,
		instances: make(map[string]*Instance),
	}
}

// Execute runs a graph to completion and returns its outcome. Blocks until
// every path, including non-interrupting boundary paths, has finished.
func (e *Engine) Execute(ctx context.Context, g *model.Graph, vars map[string]any) (*Result, error) {
	return e.executeAs(ctx, uuid.NewString(), g, vars)
}

// Start launches a graph in the background and returns its instance ID
// immediately. Progress is observable through the broker and the status
// endpoints.
func (e *Engine) Start(ctx context.Context, g *model.Graph, vars map[string]any) (string, error) {
	if _, err := g.StartEvent(); err != nil {
		return "", err
	}
	instanceID := uuid.NewString()
	go func() {
		if _, err := e.executeAs(ctx, instanceID, g, vars); err != nil {
			e.log.WithInstanceID(instanceID).Warn("background run failed", "error", err)
		}
	}()
	return instanceID, nil
}

func (e *Engine) executeAs(ctx context.Context, instanceID string, g *model.Graph, vars map[string]any) (*Result, error) {
	start, err := g.StartEvent()
	if err != nil {
		return nil, err
	}

	scope := executor.NewScope(vars)
	scope.Set("workflowInstanceId", instanceID)
	inst := newInstance(instanceID, g, scope)

	runCtx, cancelRun := context.WithCancel(ctx)
	inst.runCancel = cancelRun
	defer cancelRun()

	e.mu.Lock()
	e.instances[instanceID] = inst
	e.mu.Unlock()

	e.registerPrefs(g)
	log := e.log.WithInstanceID(instanceID)
	log.Info("workflow started", "workflow", g.ProcessName)

	e.broker.WorkflowStarted(instanceID, g.ProcessName)
	e.broker.StateSnapshot(instanceID, scope.Snapshot())

	monCtx, stopMonitors := context.WithCancel(runCtx)
	e.startEventSubMonitors(monCtx, ctx, inst, g, scope)

	runErr := e.executeFrom(runCtx, inst, g, start, scope, uuid.NewString())
	stopMonitors()
	inst.aux.Wait()

	outcome := "success"
	switch {
	case runErr == nil:
	case errors.Is(runErr, errHandledBySubprocess), inst.wasHandledBySub():
		runErr = nil
	case inst.currentStatus() == StatusCancelled:
		outcome = "cancelled"
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "failed"
	}

	switch outcome {
	case "success":
		inst.setStatus(StatusCompleted)
	case "cancelled":
		inst.setStatus(StatusCancelled)
	default:
		inst.setStatus(StatusFailed)
	}

	duration := time.Since(inst.startedAt)
	e.broker.WorkflowCompleted(instanceID, outcome, duration)
	e.broker.ForgetInstance(instanceID)
	log.Info("workflow finished", "outcome", outcome, "duration", duration)

	result := &Result{
		InstanceID: instanceID,
		Outcome:    outcome,
		Duration:   duration,
		Variables:  scope.Snapshot(),
	}
	if outcome == "failed" {
		return result, runErr
	}
	return result, nil
}

// Status returns the snapshot of one instance.
func (e *Engine) Status(instanceID string) (InstanceStatus, error) {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return InstanceStatus{}, &InstanceNotFoundError{InstanceID: instanceID}
	}
	return inst.snapshot(inst.graph.ProcessName), nil
}

// ActiveInstances lists the instances still running.
func (e *Engine) ActiveInstances() []InstanceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []InstanceStatus
	for _, inst := range e.instances {
		if inst.currentStatus() == StatusRunning {
			out = append(out, inst.snapshot(inst.graph.ProcessName))
		}
	}
	return out
}

// CancelInstance tears a running instance down.
func (e *Engine) CancelInstance(instanceID, reason string) error {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return &InstanceNotFoundError{InstanceID: instanceID}
	}
	if inst.currentStatus() != StatusRunning {
		return fmt.Errorf("instance %q is not running", instanceID)
	}

	inst.setStatus(StatusCancelled)
	e.broker.WorkflowCancelled(instanceID, reason)
	for _, h := range inst.activeHandles() {
		e.broker.TaskCancelled(h.elementID, reason)
		h.cancel()
	}
	if inst.runCancel != nil {
		inst.runCancel()
	}
	return nil
}

// registerPrefs records element properties with the broker so per-element
// event category filtering applies, recursing into inline children. Only
// elements carrying a custom block opt into filtering; everything else
// publishes unfiltered.
func (e *Engine) registerPrefs(g *model.Graph) {
	register := func(el *model.Element) {
		if el.Properties == nil {
			return
		}
		if _, ok := el.Properties["custom"]; !ok {
			return
		}
		e.broker.RegisterElementPrefs(el.ID, el.Properties)
	}
	for _, el := range g.Elements() {
		register(el)
		for _, child := range el.ChildElements {
			register(child)
		}
	}
}

// subRunner lets executors (callActivity, subProcess) run nested graphs
// inside the owning instance.
type subRunner struct {
	e    *Engine
	inst *Instance
}

func (r *subRunner) RunGraph(ctx context.Context, g *model.Graph, scope *executor.Scope) error {
	return r.e.runNestedGraph(ctx, r.inst, g, scope)
}

func (e *Engine) runNestedGraph(ctx context.Context, inst *Instance, g *model.Graph, scope *executor.Scope) error {
	start, err := subGraphStart(g)
	if err != nil {
		return err
	}
	e.registerPrefs(g)

	monCtx, stopMonitors := context.WithCancel(ctx)
	defer stopMonitors()
	e.startEventSubMonitors(monCtx, ctx, inst, g, scope)

	return e.executeFrom(ctx, inst, g, start, scope, uuid.NewString())
}

// executeFrom drives one element and recurses along its outgoing flows.
func (e *Engine) executeFrom(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case el.Type == model.KindEndEvent:
		e.broker.ElementActivated(el.ID, el.Type, el.Name)
		e.broker.ElementCompleted(el.ID, 0)
		return nil

	case el.IsGateway():
		return e.runGateway(ctx, inst, g, el, scope, pathID)

	case el.Type == model.KindCompensationIntermediateThrowEvent:
		e.broker.ElementActivated(el.ID, el.Type, el.Name)
		if err := e.runCompensations(ctx, inst, scope); err != nil {
			return err
		}
		e.broker.ElementCompleted(el.ID, 0)
		return e.followFlows(ctx, inst, g, g.Outgoing(el.ID), scope, pathID, false)

	case el.IsTask():
		followNormal, err := e.runTaskNode(ctx, inst, g, el, scope, pathID)
		if err != nil {
			return err
		}
		if !followNormal {
			return nil
		}
		return e.followFlows(ctx, inst, g, g.Outgoing(el.ID), scope, pathID, false)

	default:
		// Start events, intermediate events, and event-kind starts inside
		// sub-process bodies pass straight through.
		e.broker.ElementActivated(el.ID, el.Type, el.Name)
		e.broker.ElementCompleted(el.ID, 0)
		return e.followFlows(ctx, inst, g, g.Outgoing(el.ID), scope, pathID, false)
	}
}

// followFlows continues traversal along fired flows. More than one flow
// forks concurrent paths, each with its own path token; a parallel fork
// additionally stamps the tokens so the matching join can count them.
func (e *Engine) followFlows(ctx context.Context, inst *Instance, g *model.Graph, flows []*model.Connection, scope *executor.Scope, pathID string, parallelFork bool) error {
	switch len(flows) {
	case 0:
		return nil
	case 1:
		next, ok := g.Element(flows[0].To)
		if !ok {
			return fmt.Errorf("flow target %q not in graph %q", flows[0].To, g.ProcessID)
		}
		return e.executeFrom(ctx, inst, g, next, scope, pathID)
	}

	childIDs := inst.forkPaths(pathID, len(flows), parallelFork)

	var wg sync.WaitGroup
	errCh := make(chan error, len(flows))
	for i, c := range flows {
		next, ok := g.Element(c.To)
		if !ok {
			return fmt.Errorf("flow target %q not in graph %q", c.To, g.ProcessID)
		}
		wg.Add(1)
		go func(next *model.Element, childID string) {
			defer wg.Done()
			errCh <- e.executeFrom(ctx, inst, g, next, scope, childID)
		}(next, childIDs[i])
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err == nil {
			continue
		}
		if errors.Is(err, errHandledBySubprocess) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

func (e *Engine) runGateway(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string) error {
	incoming := g.Incoming(el.ID)
	if len(incoming) > 1 {
		key := g.ProcessID + "/" + el.ID
		switch el.Type {
		case model.KindParallelGateway:
			fired, cont := inst.arriveAtParallelJoin(key, pathID, len(incoming))
			if !fired {
				return nil
			}
			pathID = cont
		case model.KindInclusiveGateway:
			if !inst.arriveAtInclusiveJoin(key) {
				return nil
			}
			e.cancelCompetingBranches(inst, g, el)
		}
	}

	e.broker.ElementActivated(el.ID, el.Type, el.Name)
	flows, err := e.gateways.Evaluate(g, el, scope.Snapshot())
	if err != nil {
		return err
	}
	e.broker.ElementCompleted(el.ID, 0)
	return e.followFlows(ctx, inst, g, flows, scope, pathID, el.Type == model.KindParallelGateway)
}

// cancelCompetingBranches tears down tasks still running upstream of a
// satisfied inclusive join so losing branches never reach it.
func (e *Engine) cancelCompetingBranches(inst *Instance, g *model.Graph, join *model.Element) {
	upstream := make(map[string]bool)
	for _, c := range g.Incoming(join.ID) {
		collectUpstream(g, c.From, upstream)
	}
	for _, h := range inst.handlesFor(upstream) {
		e.broker.TaskCancelled(h.elementID, "another branch reached the join first")
		h.cancel()
	}
}

// collectUpstream walks incoming edges from id, stopping at forking
// gateways so only the join's own branches are collected.
func collectUpstream(g *model.Graph, id string, seen map[string]bool) {
	if seen[id] {
		return
	}
	el, ok := g.Element(id)
	if !ok {
		return
	}
	if el.IsGateway() && len(g.Outgoing(id)) > 1 {
		return
	}
	seen[id] = true
	for _, c := range g.Incoming(id) {
		collectUpstream(g, c.From, seen)
	}
}

// subGraphStart accepts any start-event kind, since sub-process bodies open
// with typed starts.
func subGraphStart(g *model.Graph) (*model.Element, error) {
	for _, el := range g.Elements() {
		switch el.Type {
		case model.KindStartEvent, model.KindErrorStartEvent, model.KindTimerStartEvent,
			model.KindMessageStartEvent, model.KindSignalStartEvent,
			model.KindEscalationStartEvent, model.KindCompensationStartEvent:
			return el, nil
		}
	}
	return nil, fmt.Errorf("graph %q has no start event", g.ProcessID)
}
