// Package executor drives single graph nodes to completion, one executor
// per node kind.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/common/bus"
	"github.com/lyzr/flowengine/common/email"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/llm"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/model"
	"github.com/lyzr/flowengine/common/tools"
)

// Runner executes a subgraph to completion inside the calling instance.
// Implemented by the engine; breaks the dependency cycle for callActivity
// and inline sub-processes.
type Runner interface {
	RunGraph(ctx context.Context, g *model.Graph, scope *Scope) error
}

// Options tunes executor behavior.
type Options struct {
	PublicBaseURL  string
	DefaultFrom    string
	DefaultTo      string
	DefaultModel   string
	MaxTokens      int
	DemoMaxTimer   time.Duration
	ReceiveTimeout time.Duration
}

// Env holds the shared collaborators every executor may use.
type Env struct {
	Broker   *events.Broker
	Bus      *bus.Bus
	Expr     *expr.Evaluator
	Mailer   email.Mailer
	Streamer llm.Streamer
	Tools    tools.Invoker
	Log      *logger.Logger
	Options  Options
}

// Call is one node execution.
type Call struct {
	Task       *model.Element
	Scope      *Scope
	Graph      *model.Graph
	InstanceID string
	Runner     Runner
}

// Executor drives one node kind to completion. It may mutate the scope and
// emit events through the broker; cancellation arrives via the context.
type Executor interface {
	Execute(ctx context.Context, call *Call) error
}

// ScriptError reports a failed script or expression task.
type ScriptError struct {
	TaskID string
	Cause  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script task %q failed: %v", e.TaskID, e.Cause)
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// Registry maps node kinds to executors.
type Registry struct {
	env       *Env
	executors map[string]Executor
}

// NewRegistry builds the registry with every supported node kind bound.
func NewRegistry(env *Env) *Registry {
	r := &Registry{
		env:       env,
		executors: make(map[string]Executor),
	}

	simple := &simpleExecutor{env: env}
	r.executors[model.KindTask] = simple
	r.executors[model.KindManualTask] = simple
	r.executors[model.KindBusinessRuleTask] = simple
	r.executors[model.KindScriptTask] = &scriptExecutor{env: env}
	r.executors[model.KindServiceTask] = &serviceExecutor{env: env}
	r.executors[model.KindUserTask] = &userTaskExecutor{env: env}
	r.executors[model.KindReceiveTask] = &receiveExecutor{env: env}
	r.executors[model.KindSendTask] = &sendExecutor{env: env}
	r.executors[model.KindAgenticTask] = &agenticExecutor{env: env}
	r.executors[model.KindTimerIntermediateCatchEvent] = &timerExecutor{env: env}
	r.executors[model.KindCallActivity] = &callActivityExecutor{env: env}
	r.executors[model.KindSubProcess] = &subProcessExecutor{env: env}

	return r
}

// Execute dispatches a node to its executor.
func (r *Registry) Execute(ctx context.Context, call *Call) error {
	exec, ok := r.executors[call.Task.Type]
	if !ok {
		return fmt.Errorf("no executor registered for node kind %q", call.Task.Type)
	}
	return exec.Execute(ctx, call)
}

// Supports reports whether a node kind has an executor.
func (r *Registry) Supports(kind string) bool {
	_, ok := r.executors[kind]
	return ok
}
