package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/bus"
	"github.com/lyzr/flowengine/common/email"
	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/llm"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/model"
	"github.com/lyzr/flowengine/common/tools"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *recordingObserver) ID() string { return "recorder" }

func (r *recordingObserver) Send(event map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingObserver) typesFor(elementID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e["elementId"] == elementID {
			out = append(out, e["type"].(string))
		}
	}
	return out
}

func (r *recordingObserver) activationOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e["type"] == "element.activated" {
			out = append(out, e["elementId"].(string))
		}
	}
	return out
}

func (r *recordingObserver) count(eventType, elementID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e["type"] == eventType && (elementID == "" || e["elementId"] == elementID) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *recordingObserver) {
	t.Helper()
	log := logger.New("error", "json")
	broker := events.NewBroker(nil, 0, log)
	obs := &recordingObserver{}
	broker.Register(obs)

	env := &executor.Env{
		Broker:   broker,
		Bus:      bus.New(log),
		Expr:     expr.NewEvaluator(),
		Mailer:   email.NewLogMailer(log),
		Streamer: llm.NewSimulatedStreamer(0),
		Tools:    tools.NewStaticInvoker(nil),
		Log:      log,
		Options: executor.Options{
			PublicBaseURL:  "http://localhost:8000",
			DefaultModel:   "test-model",
			MaxTokens:      128,
			DemoMaxTimer:   10 * time.Second,
			ReceiveTimeout: 2 * time.Second,
		},
	}
	return New(env), obs
}

func mustGraph(t *testing.T, p *model.Process) *model.Graph {
	t.Helper()
	g, err := model.NewGraph(p)
	require.NoError(t, err)
	return g
}

func script(id, expression, resultVar string) *model.Element {
	return &model.Element{ID: id, Type: model.KindScriptTask, Properties: map[string]any{
		"script":         expression,
		"resultVariable": resultVar,
	}}
}

func TestSequentialExecutionOrder(t *testing.T) {
	e, obs := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "seq",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			script("stepA", "2 + 3", "a"),
			script("stepB", "a * 10", "b"),
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "stepA"},
			{From: "stepA", To: "stepB"},
			{From: "stepB", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.EqualValues(t, 5, res.Variables["a"])
	assert.EqualValues(t, 50, res.Variables["b"])
	assert.Equal(t, res.InstanceID, res.Variables["workflowInstanceId"])

	assert.Equal(t, []string{"start", "stepA", "stepB", "end"}, obs.activationOrder())
}

func TestExclusiveGatewayTakesFirstMatchThenDefault(t *testing.T) {
	e, obs := newTestEngine(t)
	build := func() *model.Graph {
		return mustGraph(t, &model.Process{
			ID: "excl",
			Elements: []*model.Element{
				{ID: "start", Type: model.KindStartEvent},
				{ID: "decide", Type: model.KindExclusiveGateway},
				script("high", "'high'", "path"),
				script("low", "'low'", "path"),
				{ID: "end", Type: model.KindEndEvent},
			},
			Connections: []*model.Connection{
				{From: "start", To: "decide"},
				{From: "decide", To: "high", Properties: map[string]any{"condition": "${score} > 10"}},
				{From: "decide", To: "low"},
				{From: "high", To: "end"},
				{From: "low", To: "end"},
			},
		})
	}

	res, err := e.Execute(context.Background(), build(), map[string]any{"score": 42})
	require.NoError(t, err)
	assert.Equal(t, "high", res.Variables["path"])

	res, err = e.Execute(context.Background(), build(), map[string]any{"score": 3})
	require.NoError(t, err)
	assert.Equal(t, "low", res.Variables["path"])

	assert.GreaterOrEqual(t, obs.count("gateway.path_taken", "decide"), 2)
}

func TestParallelForkJoinRunsBranchesConcurrently(t *testing.T) {
	e, obs := newTestEngine(t)
	timer := func(id, duration string) *model.Element {
		return &model.Element{ID: id, Type: model.KindTimerIntermediateCatchEvent, Properties: map[string]any{
			"timerDuration": duration,
		}}
	}
	g := mustGraph(t, &model.Process{
		ID: "par",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "fork", Type: model.KindParallelGateway},
			timer("waitA", "PT0.3S"),
			timer("waitB", "PT0.2S"),
			{ID: "join", Type: model.KindParallelGateway},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "fork"},
			{From: "fork", To: "waitA"},
			{From: "fork", To: "waitB"},
			{From: "waitA", To: "join"},
			{From: "waitB", To: "join"},
			{From: "join", To: "end"},
		},
	})

	started := time.Now()
	res, err := e.Execute(context.Background(), g, nil)
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)

	// Concurrent, so roughly max(0.3, 0.2), not the sum.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 450*time.Millisecond)

	// The join fires exactly once, after both arrivals.
	assert.Equal(t, 1, obs.count("element.activated", "join"))
}

func TestInclusiveJoinFirstWinsAndCancelsLoser(t *testing.T) {
	e, obs := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "incl",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "race", Type: model.KindInclusiveGateway},
			script("fast", "'fast'", "winner"),
			{ID: "slow", Type: model.KindReceiveTask, Properties: map[string]any{
				"messageRef":     "neverSent",
				"correlationKey": "race-1",
				"timeout":        5000,
			}},
			{ID: "join", Type: model.KindInclusiveGateway},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "race"},
			{From: "race", To: "fast", Properties: map[string]any{"condition": "true"}},
			{From: "race", To: "slow", Properties: map[string]any{"condition": "true"}},
			{From: "fast", To: "join"},
			{From: "slow", To: "join"},
			{From: "join", To: "end"},
		},
	})

	started := time.Now()
	res, err := e.Execute(context.Background(), g, nil)
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "fast", res.Variables["winner"])

	// The losing receive task was torn down, so the run does not wait out
	// its 5s window.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, obs.count("task.cancelled", "slow"), 1)
	assert.Equal(t, 1, obs.count("element.activated", "join"))
}

func TestInterruptingTimerBoundaryRedirectsFlow(t *testing.T) {
	e, obs := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "boundary",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "approve", Type: model.KindUserTask},
			{ID: "deadline", Type: model.KindTimerBoundaryEvent, AttachedToRef: "approve", Properties: map[string]any{
				"timerDuration": "PT0.2S",
			}},
			script("escalate", "true", "escalated"),
			script("normal", "true", "approvedInTime"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endEsc", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "approve"},
			{From: "approve", To: "normal"},
			{From: "normal", To: "end"},
			{From: "deadline", To: "escalate"},
			{From: "escalate", To: "endEsc"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, true, res.Variables["escalated"])

	// Normal flow after the interrupted task must not run.
	_, followed := res.Variables["approvedInTime"]
	assert.False(t, followed)
	assert.GreaterOrEqual(t, obs.count("task.cancelled", "approve"), 1)
}

func TestNonInterruptingTimerBoundaryKeepsTaskRunning(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "nonint",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "work", Type: model.KindTimerIntermediateCatchEvent, Properties: map[string]any{
				"timerDuration": "PT0.4S",
			}},
			{ID: "reminder", Type: model.KindTimerBoundaryEvent, AttachedToRef: "work", Properties: map[string]any{
				"timerDuration":  "PT0.1S",
				"cancelActivity": false,
			}},
			script("nudge", "true", "reminded"),
			script("done", "true", "finished"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endNudge", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "work"},
			{From: "work", To: "done"},
			{From: "done", To: "end"},
			{From: "reminder", To: "nudge"},
			{From: "nudge", To: "endNudge"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, true, res.Variables["reminded"])
	assert.Equal(t, true, res.Variables["finished"])
}

func TestErrorBoundaryCatchesFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "errb",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "risky", Type: model.KindScriptTask, Properties: map[string]any{
				"script": "((( not a script",
			}},
			{ID: "catchErr", Type: model.KindErrorBoundaryEvent, AttachedToRef: "risky"},
			script("recover", "'recovered'", "outcome"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endOk", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "risky"},
			{From: "risky", To: "endOk"},
			{From: "catchErr", To: "recover"},
			{From: "recover", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "recovered", res.Variables["outcome"])
	assert.Equal(t, "scriptError", res.Variables["catchErr_errorType"])
	assert.NotEmpty(t, res.Variables["catchErr_errorMessage"])
}

func TestErrorBoundaryCodeMustMatch(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "errcode",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "risky", Type: model.KindScriptTask, Properties: map[string]any{
				"script": "((( not a script",
			}},
			{ID: "catchOther", Type: model.KindErrorBoundaryEvent, AttachedToRef: "risky", Properties: map[string]any{
				"errorCode": "paymentDeclined",
			}},
			script("recover", "'recovered'", "outcome"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endOk", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "risky"},
			{From: "risky", To: "endOk"},
			{From: "catchOther", To: "recover"},
			{From: "recover", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, "failed", res.Outcome)
	_, recovered := res.Variables["outcome"]
	assert.False(t, recovered)
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "comp",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			script("bookFlight", "'booked'", "flight"),
			{ID: "compFlight", Type: model.KindCompensationBoundaryEvent, AttachedToRef: "bookFlight"},
			script("undoFlight", "compLog + ['undoFlight']", "compLog"),
			script("bookHotel", "'booked'", "hotel"),
			{ID: "compHotel", Type: model.KindCompensationBoundaryEvent, AttachedToRef: "bookHotel"},
			script("undoHotel", "compLog + ['undoHotel']", "compLog"),
			{ID: "rollback", Type: model.KindCompensationIntermediateThrowEvent},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "bookFlight"},
			{From: "bookFlight", To: "bookHotel"},
			{From: "bookHotel", To: "rollback"},
			{From: "rollback", To: "end"},
			{From: "compFlight", To: "undoFlight"},
			{From: "compHotel", To: "undoHotel"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{"compLog": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)

	// LIFO: the hotel booked last is undone first.
	assert.Equal(t, []any{"undoHotel", "undoFlight"}, res.Variables["compLog"])
}

func TestErrorEventSubProcessAbsorbsFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "errsub",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "risky", Type: model.KindScriptTask, Properties: map[string]any{
				"script": "((( not a script",
			}},
			{ID: "endOk", Type: model.KindEndEvent},
			{
				ID:   "onError",
				Type: model.KindEventSubProcess,
				ChildElements: []*model.Element{
					{ID: "errStart", Type: model.KindErrorStartEvent},
					script("cleanup", "'handled'", "handledBy"),
					{ID: "errEnd", Type: model.KindEndEvent},
				},
				ChildConnections: []*model.Connection{
					{From: "errStart", To: "cleanup"},
					{From: "cleanup", To: "errEnd"},
				},
			},
		},
		Connections: []*model.Connection{
			{From: "start", To: "risky"},
			{From: "risky", To: "endOk"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "handled", res.Variables["handledBy"])
	assert.NotEmpty(t, res.Variables["error_message"])
}

func TestTimerEventSubProcessInterruptsRun(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "timersub",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			// Blocks far longer than the sub-process timer.
			{ID: "approve", Type: model.KindUserTask},
			{ID: "end", Type: model.KindEndEvent},
			{
				ID:   "onTimeout",
				Type: model.KindEventSubProcess,
				ChildElements: []*model.Element{
					{ID: "tStart", Type: model.KindTimerStartEvent, Properties: map[string]any{
						"timerDuration": "PT0.2S",
					}},
					script("recordTimeout", "true", "timedOut"),
					{ID: "tEnd", Type: model.KindEndEvent},
				},
				ChildConnections: []*model.Connection{
					{From: "tStart", To: "recordTimeout"},
					{From: "recordTimeout", To: "tEnd"},
				},
			},
		},
		Connections: []*model.Connection{
			{From: "start", To: "approve"},
			{From: "approve", To: "end"},
		},
	})

	started := time.Now()
	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, true, res.Variables["timedOut"])
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestMessageEventSubProcessNonInterrupting(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "msgsub",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			// Sets the flag the monitor polls, then waits long enough for
			// the poll to observe it.
			script("raise", "true", "message_statusQuery_received"),
			{ID: "linger", Type: model.KindTimerIntermediateCatchEvent, Properties: map[string]any{
				"timerDuration": "PT0.8S",
			}},
			{ID: "end", Type: model.KindEndEvent},
			{
				ID:   "onQuery",
				Type: model.KindEventSubProcess,
				ChildElements: []*model.Element{
					{ID: "mStart", Type: model.KindMessageStartEvent, Properties: map[string]any{
						"messageRef":     "statusQuery",
						"isInterrupting": false,
					}},
					script("answer", "'running'", "statusReply"),
					{ID: "mEnd", Type: model.KindEndEvent},
				},
				ChildConnections: []*model.Connection{
					{From: "mStart", To: "answer"},
					{From: "answer", To: "mEnd"},
				},
			},
		},
		Connections: []*model.Connection{
			{From: "start", To: "raise"},
			{From: "raise", To: "linger"},
			{From: "linger", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "running", res.Variables["statusReply"])
}

func TestMultiInstanceSequential(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "miseq",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "double", Type: model.KindScriptTask, Properties: map[string]any{
				"script":           "item * 2",
				"resultVariable":   "doubledItem",
				"inputCollection":  "numbers",
				"isSequential":     true,
				"inputElement":     "item",
				"outputElement":    "doubledItem",
				"outputCollection": "doubled",
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "double"},
			{From: "double", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{
		"numbers": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)

	doubled := res.Variables["doubled"].([]any)
	require.Len(t, doubled, 3)
	assert.EqualValues(t, 2, doubled[0])
	assert.EqualValues(t, 4, doubled[1])
	assert.EqualValues(t, 6, doubled[2])
	assert.EqualValues(t, 3, res.Variables["double_instances"])
}

func TestMultiInstanceParallelIsolatesScopes(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "mipar",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "greet", Type: model.KindScriptTask, Properties: map[string]any{
				"script":           "'hello ' + item",
				"resultVariable":   "greeting",
				"inputCollection":  "names",
				"outputElement":    "greeting",
				"outputCollection": "greetings",
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "greet"},
			{From: "greet", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{
		"names": []any{"ada", "grace"},
	})
	require.NoError(t, err)

	greetings := res.Variables["greetings"].([]any)
	assert.Equal(t, "hello ada", greetings[0])
	assert.Equal(t, "hello grace", greetings[1])

	// Iteration-local variables stay out of the parent scope.
	_, leaked := res.Variables["greeting"]
	assert.False(t, leaked)
}

func TestLoopConditionRepeatsTask(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "loop",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "inc", Type: model.KindScriptTask, Properties: map[string]any{
				"script":         "count + 1",
				"resultVariable": "count",
				"loopCondition":  "count < 3",
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "inc"},
			{From: "inc", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{"count": 0})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Variables["count"])
}

func TestLoopMaximumBoundsIterations(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "loopmax",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "inc", Type: model.KindScriptTask, Properties: map[string]any{
				"script":         "count + 1",
				"resultVariable": "count",
				"loopCondition":  "true",
				"loopMaximum":    4,
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "inc"},
			{From: "inc", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{"count": 0})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Variables["count"])
}

func TestCallActivityThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "call",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "invoke", Type: model.KindCallActivity, Properties: map[string]any{
				"calledElement": "pricing",
				"inputMappings": []any{
					map[string]any{"source": "basePrice", "target": "price"},
				},
				"outputMappings": []any{
					map[string]any{"source": "total", "target": "finalPrice"},
				},
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "invoke"},
			{From: "invoke", To: "end"},
		},
		SubProcessDefinitions: []*model.SubProcessDefinition{
			{
				ID: "pricing",
				Elements: []*model.Element{
					{ID: "ps", Type: model.KindStartEvent},
					script("addTax", "price * 2", "total"),
					{ID: "pe", Type: model.KindEndEvent},
				},
				Connections: []*model.Connection{
					{From: "ps", To: "addTax"},
					{From: "addTax", To: "pe"},
				},
			},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{"basePrice": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.Variables["finalPrice"])
	_, leaked := res.Variables["total"]
	assert.False(t, leaked)
}

func TestInlineSubProcessSharesParentScope(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "inline",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{
				ID:   "stage",
				Type: model.KindSubProcess,
				ChildElements: []*model.Element{
					{ID: "cs", Type: model.KindStartEvent},
					script("inner", "'from inside'", "innerResult"),
					{ID: "ce", Type: model.KindEndEvent},
				},
				ChildConnections: []*model.Connection{
					{From: "cs", To: "inner"},
					{From: "inner", To: "ce"},
				},
			},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "stage"},
			{From: "stage", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "from inside", res.Variables["innerResult"])
}

func TestReceiveTaskUnblockedByPublish(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "msg",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "waitApproval", Type: model.KindReceiveTask, Properties: map[string]any{
				"messageRef":     "approvalRequest",
				"correlationKey": "${workflowInstanceId}",
				"timeout":        5000,
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "waitApproval"},
			{From: "waitApproval", To: "end"},
		},
	})

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(context.Background(), g, nil)
		done <- outcome{res, err}
	}()

	var instanceID string
	require.Eventually(t, func() bool {
		active := e.ActiveInstances()
		if len(active) != 1 {
			return false
		}
		instanceID = active[0].InstanceID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Publish once the receive task has registered its waiter.
	require.Eventually(t, func() bool {
		return len(e.env.Bus.Waiters()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	e.env.Bus.Publish("approvalRequest", instanceID, map[string]any{"decision": "approved"})

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "success", out.res.Outcome)
	assert.Equal(t, "approved", out.res.Variables["decision"])
}

func TestCancelInstanceStopsRun(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "cancelme",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "wait", Type: model.KindReceiveTask, Properties: map[string]any{
				"messageRef":     "never",
				"correlationKey": "x",
				"timeout":        30000,
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "wait"},
			{From: "wait", To: "end"},
		},
	})

	done := make(chan *Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), g, nil)
		done <- res
	}()

	var instanceID string
	require.Eventually(t, func() bool {
		active := e.ActiveInstances()
		if len(active) != 1 {
			return false
		}
		instanceID = active[0].InstanceID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.CancelInstance(instanceID, "operator request"))

	res := <-done
	assert.Equal(t, "cancelled", res.Outcome)

	status, err := e.Status(instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status.Status)

	assert.Error(t, e.CancelInstance(instanceID, "again"))
	assert.Error(t, e.CancelInstance("no-such-instance", "x"))
}

func TestElementCategoryFilterAppliedDuringRun(t *testing.T) {
	e, obs := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "filtered",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "quiet", Type: model.KindScriptTask, Properties: map[string]any{
				"script":         "1 + 1",
				"resultVariable": "two",
				"custom": map[string]any{
					"aguiEventCategories": []any{"messaging"},
				},
			}},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "quiet"},
			{From: "quiet", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Variables["two"])

	// The element opted out of lifecycle events; unconfigured elements
	// still publish them.
	assert.Zero(t, obs.count("element.activated", "quiet"))
	assert.Equal(t, 1, obs.count("element.activated", "start"))
}

func TestStatusUnknownInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Status("missing")
	var notFound *InstanceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestParallelJoinCountsForkTokens(t *testing.T) {
	e, obs := newTestEngine(t)
	// The join has three incoming flows, but the exclusive gateway routes
	// away from "solo", so only the fork's two tokens can ever arrive.
	g := mustGraph(t, &model.Process{
		ID: "forktokens",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "route", Type: model.KindExclusiveGateway},
			{ID: "fork", Type: model.KindParallelGateway},
			script("legA", "'a'", "ra"),
			script("legB", "'b'", "rb"),
			script("solo", "'solo'", "rs"),
			{ID: "join", Type: model.KindParallelGateway},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "route"},
			{From: "route", To: "fork", Properties: map[string]any{"condition": "${useFork} == true"}},
			{From: "route", To: "solo"},
			{From: "fork", To: "legA"},
			{From: "fork", To: "legB"},
			{From: "solo", To: "join"},
			{From: "legA", To: "join"},
			{From: "legB", To: "join"},
			{From: "join", To: "end"},
		},
	})

	res, err := e.Execute(context.Background(), g, map[string]any{"useFork": true})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "a", res.Variables["ra"])
	assert.Equal(t, "b", res.Variables["rb"])
	assert.Equal(t, 1, obs.count("element.activated", "join"))
	assert.Equal(t, 1, obs.count("element.activated", "end"))
}

func TestErrorBoundaryMatchesErrorKind(t *testing.T) {
	e, _ := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "errkind",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "await", Type: model.KindReceiveTask, Properties: map[string]any{
				"messageRef":     "neverSent",
				"correlationKey": "k-1",
				"timeout":        50,
			}},
			{ID: "catchTimeout", Type: model.KindErrorBoundaryEvent, AttachedToRef: "await", Properties: map[string]any{
				"errorCode": "timeout",
			}},
			script("recover", "'recovered'", "outcome"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endOk", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "await"},
			{From: "await", To: "endOk"},
			{From: "catchTimeout", To: "recover"},
			{From: "recover", To: "end"},
		},
	})

	// The timeout error's message carries no literal "timeout"; the catch
	// must match on the error kind.
	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "recovered", res.Variables["outcome"])
	assert.Equal(t, "timeout", res.Variables["catchTimeout_errorType"])
}

func TestNonInterruptingErrorBoundaryKeepsNormalFlow(t *testing.T) {
	e, obs := newTestEngine(t)
	g := mustGraph(t, &model.Process{
		ID: "errnonint",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "risky", Type: model.KindScriptTask, Properties: map[string]any{
				"script": "((( not a script",
			}},
			{ID: "logErr", Type: model.KindErrorBoundaryEvent, AttachedToRef: "risky", Properties: map[string]any{
				"cancelActivity": false,
			}},
			script("audit", "'logged'", "audited"),
			script("afterRisky", "'continued'", "continued"),
			{ID: "end", Type: model.KindEndEvent},
			{ID: "endAudit", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "risky"},
			{From: "risky", To: "afterRisky"},
			{From: "afterRisky", To: "end"},
			{From: "logErr", To: "audit"},
			{From: "audit", To: "endAudit"},
		},
	})

	res, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)

	// Both the boundary path and the task's normal flow ran.
	assert.Equal(t, "logged", res.Variables["audited"])
	assert.Equal(t, "continued", res.Variables["continued"])
	assert.Equal(t, 1, obs.count("element.activated", "logErr"))
	assert.Equal(t, 1, obs.count("element.activated", "afterRisky"))
}

func TestInclusiveLoserBranchFullyTerminates(t *testing.T) {
	log := logger.New("error", "json")
	broker := events.NewBroker(nil, 0, log)
	obs := &recordingObserver{}
	broker.Register(obs)

	env := &executor.Env{
		Broker: broker,
		Bus:    bus.New(log),
		Expr:   expr.NewEvaluator(),
		Mailer: email.NewLogMailer(log),
		Streamer: &llm.SimulatedStreamer{
			Text:  strings.Repeat("Working through the evidence step by step. ", 80),
			Delay: 20 * time.Millisecond,
		},
		Tools: tools.NewStaticInvoker(nil),
		Log:   log,
		Options: executor.Options{
			DefaultModel:   "test-model",
			MaxTokens:      128,
			DemoMaxTimer:   10 * time.Second,
			ReceiveTimeout: 2 * time.Second,
		},
	}
	e := New(env)

	g := mustGraph(t, &model.Process{
		ID: "inclagent",
		Elements: []*model.Element{
			{ID: "start", Type: model.KindStartEvent},
			{ID: "race", Type: model.KindInclusiveGateway},
			script("fast", "'fast'", "winner"),
			{ID: "slowAgent", Type: model.KindAgenticTask, Properties: map[string]any{
				"content": "long running analysis",
			}},
			script("afterSlow", "'leaked'", "leak"),
			{ID: "join", Type: model.KindInclusiveGateway},
			{ID: "end", Type: model.KindEndEvent},
		},
		Connections: []*model.Connection{
			{From: "start", To: "race"},
			{From: "race", To: "fast", Properties: map[string]any{"condition": "true"}},
			{From: "race", To: "slowAgent", Properties: map[string]any{"condition": "true"}},
			{From: "fast", To: "join"},
			{From: "slowAgent", To: "afterSlow"},
			{From: "afterSlow", To: "join"},
			{From: "join", To: "end"},
		},
	})

	started := time.Now()
	res, err := e.Execute(context.Background(), g, nil)
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Outcome)
	assert.Equal(t, "fast", res.Variables["winner"])
	assert.Less(t, elapsed, 2*time.Second)

	// The losing branch terminates at the cancelled task: one terminal
	// frame, no completion, no downstream traversal, no variable writes.
	assert.GreaterOrEqual(t, obs.count("task.cancelled", "slowAgent"), 1)
	assert.Zero(t, obs.count("element.completed", "slowAgent"))
	assert.Zero(t, obs.count("element.activated", "afterSlow"))
	assert.NotContains(t, res.Variables, "leak")
}
