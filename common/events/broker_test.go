package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/logger"
)

type fakeObserver struct {
	id     string
	mu     sync.Mutex
	events []map[string]any
	fail   bool
}

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(event map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection gone")
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeObserver) received() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeObserver) typesReceived() []string {
	var out []string
	for _, ev := range f.received() {
		out = append(out, ev["type"].(string))
	}
	return out
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	store := newTestStore(t)
	return NewBroker(store, time.Millisecond, logger.New("error", "text"))
}

func TestBroadcastFanOut(t *testing.T) {
	b := newTestBroker(t)
	a := &fakeObserver{id: "a"}
	c := &fakeObserver{id: "c"}
	b.Register(a)
	b.Register(c)

	b.WorkflowStarted("wf-1", "demo")

	require.Len(t, a.received(), 1)
	require.Len(t, c.received(), 1)
	assert.Equal(t, TypeWorkflowStarted, a.received()[0]["type"])
	assert.NotEmpty(t, a.received()[0]["timestamp"])
}

func TestFailedObserverIsEvicted(t *testing.T) {
	b := newTestBroker(t)
	good := &fakeObserver{id: "good"}
	bad := &fakeObserver{id: "bad", fail: true}
	b.Register(good)
	b.Register(bad)

	b.WorkflowStarted("wf-1", "demo")
	assert.Equal(t, 1, b.ObserverCount())

	b.WorkflowCompleted("wf-1", "success", time.Second)
	assert.Len(t, good.received(), 2)
}

func TestElementFilterDropsExcludedCategories(t *testing.T) {
	b := newTestBroker(t)
	obs := &fakeObserver{id: "o"}
	b.Register(obs)

	// Element configured for messaging only.
	b.RegisterElementPrefs("n1", map[string]any{
		"custom": map[string]any{"aguiEventCategories": []any{"messaging"}},
	})

	b.ElementActivated("n1", "agenticTask", "Analyze") // lifecycle: dropped
	b.MessageChunk("n1", "m1", "A full sentence.")     // messaging: sent
	b.ToolStart("n1", "search", nil)                   // tool: dropped

	assert.Equal(t, []string{TypeTextMessageChunk}, obs.typesReceived())
}

func TestUserTaskRendezvous(t *testing.T) {
	b := newTestBroker(t)
	obs := &fakeObserver{id: "o"}
	b.Register(obs)

	b.CreateUserTask(map[string]any{"taskId": "approve_1", "elementId": "approve_1", "name": "Approve"})

	done := make(chan UserTaskCompletion, 1)
	go func() {
		c, err := b.WaitUserTask(context.Background(), "approve_1")
		if err == nil {
			done <- c
		}
	}()

	require.Eventually(t, func() bool {
		return b.CompleteUserTask(UserTaskCompletion{
			TaskID: "approve_1", Decision: "approved", User: "ops",
		})
	}, time.Second, 10*time.Millisecond)

	c := <-done
	assert.Equal(t, "approved", c.Decision)
	assert.Equal(t, "ops", c.User)

	// Unknown task is rejected.
	assert.False(t, b.CompleteUserTask(UserTaskCompletion{TaskID: "ghost"}))
}

func TestCancellationRegistry(t *testing.T) {
	b := newTestBroker(t)
	obs := &fakeObserver{id: "o"}
	b.Register(obs)

	// Not cancellable yet.
	err := b.RequestCancel("n1", "user asked")
	require.Error(t, err)

	b.MarkCancellable("n1")
	sig := b.CancelSignal("n1")
	require.NotNil(t, sig)

	require.NoError(t, b.RequestCancel("n1", "user asked"))
	select {
	case <-sig:
	case <-time.After(time.Second):
		t.Fatal("cancel signal not closed")
	}
	assert.True(t, b.IsCancelled("n1"))

	// Completed elements reject cancellation.
	b.MarkCancellable("n2")
	b.MarkCompleted("n2")
	err = b.RequestCancel("n2", "too late")
	require.Error(t, err)

	types := obs.typesReceived()
	assert.Contains(t, types, TypeTaskCancellable)
	assert.Contains(t, types, TypeTaskCancelling)
	assert.Contains(t, types, TypeTaskCancelFailed)
}

func TestStateDeltaEmitsMergePatch(t *testing.T) {
	b := newTestBroker(t)
	obs := &fakeObserver{id: "o"}
	b.Register(obs)

	b.StateSnapshot("wf-1", map[string]any{"a": 1, "b": "x"})
	b.StateDelta("wf-1", map[string]any{"a": 1, "b": "y", "c": true})

	events := obs.received()
	require.Len(t, events, 2)
	assert.Equal(t, TypeStateSnapshot, events[0]["type"])
	assert.Equal(t, TypeStateDelta, events[1]["type"])

	delta, ok := events[1]["delta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "y", delta["b"])
	assert.Equal(t, true, delta["c"])
	_, hasA := delta["a"]
	assert.False(t, hasA, "unchanged key must not appear in delta")

	// Identical state produces no frame.
	b.StateDelta("wf-1", map[string]any{"a": 1, "b": "y", "c": true})
	assert.Len(t, obs.received(), 2)
}

func TestReplayGoesToOneObserver(t *testing.T) {
	b := newTestBroker(t)
	requester := &fakeObserver{id: "requester"}
	bystander := &fakeObserver{id: "bystander"}
	b.Register(requester)
	b.Register(bystander)

	b.Thinking("n1", "working on it")
	b.MessageChunk("n1", "m1", "All done here.")

	requesterBefore := len(requester.received())
	bystanderBefore := len(bystander.received())

	err := b.Replay(context.Background(), "requester", "n1")
	require.NoError(t, err)

	replayed := requester.received()[requesterBefore:]
	require.Len(t, replayed, 2)
	assert.Equal(t, TypeTaskThinking, replayed[0]["type"])
	assert.Equal(t, TypeTextMessageChunk, replayed[1]["type"])
	assert.Equal(t, true, replayed[0]["replayed"])

	// The bystander saw nothing new.
	assert.Len(t, bystander.received(), bystanderBefore)
}

func TestReplayUnknownObserver(t *testing.T) {
	b := newTestBroker(t)
	err := b.Replay(context.Background(), "ghost", "n1")
	require.Error(t, err)
}
