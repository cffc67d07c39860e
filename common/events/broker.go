package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/flowengine/common/logger"
)

// Observer is one connected event consumer. Send must be safe to call from
// multiple goroutines; an error evicts the observer.
type Observer interface {
	ID() string
	Send(event map[string]any) error
}

// UserTaskCompletion carries a user's decision back to a waiting task.
type UserTaskCompletion struct {
	TaskID   string `json:"taskId"`
	Decision string `json:"decision"`
	Comments string `json:"comments"`
	User     string `json:"user"`
}

// Broker fans runtime events out to observers, persists element-tagged
// events to the store, tracks cancellation state, and serves replay.
type Broker struct {
	mu          sync.Mutex
	observers   map[string]Observer
	prefs       map[string]map[string]any
	userTasks   map[string]chan UserTaskCompletion
	cancellable map[string]bool
	cancelled   map[string]bool
	completed   map[string]bool
	signals     map[string]chan struct{}
	lastState   map[string][]byte

	store       *Store
	filter      *Filter
	replayDelay time.Duration
	log         *logger.Logger
}

// NewBroker creates a broker over the given store. A nil store disables
// persistence and replay (used by tests that only exercise fan-out).
func NewBroker(store *Store, replayDelay time.Duration, log *logger.Logger) *Broker {
	return &Broker{
		observers:   make(map[string]Observer),
		prefs:       make(map[string]map[string]any),
		userTasks:   make(map[string]chan UserTaskCompletion),
		cancellable: make(map[string]bool),
		cancelled:   make(map[string]bool),
		completed:   make(map[string]bool),
		signals:     make(map[string]chan struct{}),
		lastState:   make(map[string][]byte),
		store:       store,
		filter:      NewFilter(),
		replayDelay: replayDelay,
		log:         log,
	}
}

// Register adds an observer to the fan-out set.
func (b *Broker) Register(obs Observer) {
	b.mu.Lock()
	b.observers[obs.ID()] = obs
	n := len(b.observers)
	b.mu.Unlock()
	b.log.Info("observer registered", "observer_id", obs.ID(), "observers", n)
}

// Unregister removes an observer.
func (b *Broker) Unregister(id string) {
	b.mu.Lock()
	delete(b.observers, id)
	n := len(b.observers)
	b.mu.Unlock()
	b.log.Info("observer unregistered", "observer_id", id, "observers", n)
}

// ObserverCount returns the number of registered observers.
func (b *Broker) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// RegisterElementPrefs records an element's properties so per-element
// category filtering can consult them during broadcast.
func (b *Broker) RegisterElementPrefs(elementID string, properties map[string]any) {
	b.mu.Lock()
	b.prefs[elementID] = properties
	b.mu.Unlock()
}

// Broadcast stamps, persists, and fans an event out to every observer that
// passes the element's category filter. Failed writes evict the observer.
func (b *Broker) Broadcast(event map[string]any) {
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	eventType, _ := event["type"].(string)
	elementID, _ := event["elementId"].(string)

	if b.store != nil && elementID != "" {
		if err := b.store.RecordEvent(event); err != nil {
			b.log.Error("persist event failed", "type", eventType, "element_id", elementID, "error", err)
		}
	}

	b.mu.Lock()
	if elementID != "" {
		if props, ok := b.prefs[elementID]; ok && !b.filter.ShouldSend(eventType, props) {
			b.mu.Unlock()
			return
		}
	}
	snapshot := make([]Observer, 0, len(b.observers))
	for _, obs := range b.observers {
		snapshot = append(snapshot, obs)
	}
	b.mu.Unlock()

	var dead []string
	for _, obs := range snapshot {
		if err := obs.Send(event); err != nil {
			dead = append(dead, obs.ID())
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.observers, id)
		}
		b.mu.Unlock()
		b.log.Warn("evicted unreachable observers", "count", len(dead))
	}
}

// SendTo delivers an event to a single observer only.
func (b *Broker) SendTo(observerID string, event map[string]any) error {
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.mu.Lock()
	obs, ok := b.observers[observerID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("observer %q not registered", observerID)
	}
	if err := obs.Send(event); err != nil {
		b.Unregister(observerID)
		return err
	}
	return nil
}

// Typed emit helpers.

func (b *Broker) WorkflowStarted(instanceID, name string) {
	b.Broadcast(map[string]any{
		"type":         TypeWorkflowStarted,
		"instanceId":   instanceID,
		"workflowName": name,
	})
}

func (b *Broker) WorkflowCompleted(instanceID, outcome string, duration time.Duration) {
	b.Broadcast(map[string]any{
		"type":       TypeWorkflowCompleted,
		"instanceId": instanceID,
		"outcome":    outcome,
		"duration":   duration.Seconds(),
	})
}

func (b *Broker) WorkflowCancelled(instanceID, reason string) {
	b.Broadcast(map[string]any{
		"type":       TypeWorkflowCancelled,
		"instanceId": instanceID,
		"reason":     reason,
	})
}

func (b *Broker) ElementActivated(elementID, kind, name string) {
	b.Broadcast(map[string]any{
		"type":        TypeElementActivated,
		"elementId":   elementID,
		"elementType": kind,
		"name":        name,
	})
}

func (b *Broker) ElementCompleted(elementID string, duration time.Duration) {
	b.Broadcast(map[string]any{
		"type":      TypeElementCompleted,
		"elementId": elementID,
		"duration":  duration.Seconds(),
	})
}

func (b *Broker) TaskProgress(elementID, status, message string, fraction float64) {
	b.Broadcast(map[string]any{
		"type":      TypeTaskProgress,
		"elementId": elementID,
		"status":    status,
		"message":   message,
		"progress":  fraction,
	})
}

func (b *Broker) TaskError(elementID, errType, message string, retryable bool) {
	b.Broadcast(map[string]any{
		"type":      TypeTaskError,
		"elementId": elementID,
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
		"retryable": retryable,
	})
}

func (b *Broker) TaskCancelled(elementID, reason string) {
	b.Broadcast(map[string]any{
		"type":      TypeTaskCancelled,
		"elementId": elementID,
		"reason":    reason,
	})
}

func (b *Broker) GatewayEvaluating(elementID string, conditions []map[string]any) {
	b.Broadcast(map[string]any{
		"type":       TypeGatewayEvaluating,
		"elementId":  elementID,
		"conditions": conditions,
	})
}

func (b *Broker) GatewayPathTaken(elementID, flowName, condition string) {
	b.Broadcast(map[string]any{
		"type":      TypeGatewayPathTaken,
		"elementId": elementID,
		"flowName":  flowName,
		"condition": condition,
	})
}

func (b *Broker) Thinking(elementID, message string) {
	b.Broadcast(map[string]any{
		"type":      TypeTaskThinking,
		"elementId": elementID,
		"message":   message,
	})
}

func (b *Broker) ToolStart(elementID, toolName string, args any) {
	b.Broadcast(map[string]any{
		"type":      TypeToolStart,
		"elementId": elementID,
		"toolName":  toolName,
		"args":      args,
	})
}

func (b *Broker) ToolEnd(elementID, toolName string, result any) {
	b.Broadcast(map[string]any{
		"type":      TypeToolEnd,
		"elementId": elementID,
		"toolName":  toolName,
		"result":    result,
	})
	// Legacy consumers still read the combined frame.
	b.Broadcast(map[string]any{
		"type":      TypeAgentToolUse,
		"elementId": elementID,
		"toolName":  toolName,
		"result":    result,
	})
}

func (b *Broker) MessageChunk(elementID, messageID, content string) {
	b.Broadcast(map[string]any{
		"type":      TypeTextMessageChunk,
		"elementId": elementID,
		"messageId": messageID,
		"role":      "assistant",
		"content":   content,
	})
}

// StateSnapshot publishes the full variable scope and remembers it as the
// delta baseline for the instance.
func (b *Broker) StateSnapshot(instanceID string, variables map[string]any) {
	blob, err := json.Marshal(variables)
	if err != nil {
		b.log.Error("encode state snapshot failed", "instance_id", instanceID, "error", err)
		return
	}
	b.mu.Lock()
	b.lastState[instanceID] = blob
	b.mu.Unlock()

	b.Broadcast(map[string]any{
		"type":       TypeStateSnapshot,
		"instanceId": instanceID,
		"state":      variables,
	})
}

// StateDelta publishes a merge patch from the previous published state to
// the current one. Falls back to a snapshot when no baseline exists.
func (b *Broker) StateDelta(instanceID string, variables map[string]any) {
	current, err := json.Marshal(variables)
	if err != nil {
		b.log.Error("encode state failed", "instance_id", instanceID, "error", err)
		return
	}

	b.mu.Lock()
	prev, ok := b.lastState[instanceID]
	b.lastState[instanceID] = current
	b.mu.Unlock()

	if !ok {
		b.Broadcast(map[string]any{
			"type":       TypeStateSnapshot,
			"instanceId": instanceID,
			"state":      variables,
		})
		return
	}

	patch, err := jsonpatch.CreateMergePatch(prev, current)
	if err != nil {
		b.log.Error("create merge patch failed", "instance_id", instanceID, "error", err)
		return
	}
	if string(patch) == "{}" {
		return
	}

	var delta map[string]any
	if err := json.Unmarshal(patch, &delta); err != nil {
		return
	}
	b.Broadcast(map[string]any{
		"type":       TypeStateDelta,
		"instanceId": instanceID,
		"delta":      delta,
	})
}

// ForgetInstance drops the delta baseline for a finished instance.
func (b *Broker) ForgetInstance(instanceID string) {
	b.mu.Lock()
	delete(b.lastState, instanceID)
	b.mu.Unlock()
}

// User-task rendezvous.

// CreateUserTask registers a pending user task and announces it. The task
// map must carry "taskId".
func (b *Broker) CreateUserTask(task map[string]any) {
	taskID, _ := task["taskId"].(string)
	b.mu.Lock()
	if _, exists := b.userTasks[taskID]; !exists {
		b.userTasks[taskID] = make(chan UserTaskCompletion, 1)
	}
	b.mu.Unlock()

	event := map[string]any{
		"type": TypeUserTaskCreated,
		"task": task,
	}
	if elementID, ok := task["elementId"].(string); ok {
		event["elementId"] = elementID
	}
	b.Broadcast(event)
}

// CompleteUserTask delivers a decision to the waiting task. Returns false
// when no such task is pending or it was already completed.
func (b *Broker) CompleteUserTask(completion UserTaskCompletion) bool {
	b.mu.Lock()
	ch, ok := b.userTasks[completion.TaskID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	// The entry stays registered until the waiter consumes it, so a
	// decision arriving before the executor blocks is not lost.
	select {
	case ch <- completion:
		return true
	default:
		return false
	}
}

// WaitUserTask blocks until the task is completed or the context ends.
func (b *Broker) WaitUserTask(ctx context.Context, taskID string) (UserTaskCompletion, error) {
	b.mu.Lock()
	ch, ok := b.userTasks[taskID]
	if !ok {
		ch = make(chan UserTaskCompletion, 1)
		b.userTasks[taskID] = ch
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.userTasks, taskID)
		b.mu.Unlock()
	}()

	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		return UserTaskCompletion{}, ctx.Err()
	}
}

// Cancellation registry.

// MarkCancellable announces that an element accepts cancel requests and
// opens its signal channel.
func (b *Broker) MarkCancellable(elementID string) {
	b.mu.Lock()
	b.cancellable[elementID] = true
	delete(b.cancelled, elementID)
	delete(b.completed, elementID)
	if _, ok := b.signals[elementID]; !ok {
		b.signals[elementID] = make(chan struct{})
	}
	b.mu.Unlock()

	b.Broadcast(map[string]any{
		"type":      TypeTaskCancellable,
		"elementId": elementID,
	})
}

// MarkCompleted records that an element finished; later cancel requests are
// rejected.
func (b *Broker) MarkCompleted(elementID string) {
	b.mu.Lock()
	delete(b.cancellable, elementID)
	b.completed[elementID] = true
	delete(b.signals, elementID)
	b.mu.Unlock()
}

// RequestCancel moves an element from cancellable to cancelled and signals
// its channel. Rejections emit task.cancel.failed.
func (b *Broker) RequestCancel(elementID, reason string) error {
	b.mu.Lock()
	switch {
	case b.completed[elementID]:
		b.mu.Unlock()
		b.Broadcast(map[string]any{
			"type":      TypeTaskCancelFailed,
			"elementId": elementID,
			"reason":    "task already completed",
		})
		return fmt.Errorf("element %q already completed", elementID)
	case !b.cancellable[elementID]:
		b.mu.Unlock()
		b.Broadcast(map[string]any{
			"type":      TypeTaskCancelFailed,
			"elementId": elementID,
			"reason":    "task is not cancellable",
		})
		return fmt.Errorf("element %q is not cancellable", elementID)
	}

	delete(b.cancellable, elementID)
	b.cancelled[elementID] = true
	sig := b.signals[elementID]
	delete(b.signals, elementID)
	b.mu.Unlock()

	b.Broadcast(map[string]any{
		"type":      TypeTaskCancelling,
		"elementId": elementID,
		"reason":    reason,
	})
	if sig != nil {
		close(sig)
	}
	return nil
}

// CancelSignal returns the element's cancellation channel, closed when a
// cancel request is accepted. Returns nil when the element is not
// currently cancellable.
func (b *Broker) CancelSignal(elementID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[elementID]
}

// IsCancelled reports whether a cancel request was accepted for the element.
func (b *Broker) IsCancelled(elementID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[elementID]
}

// Replay re-emits an element's persisted history to one observer in
// chronological order, pacing events to preserve visual cadence.
func (b *Broker) Replay(ctx context.Context, observerID, elementID string) error {
	if b.store == nil {
		return fmt.Errorf("no event store configured")
	}
	b.mu.Lock()
	_, known := b.observers[observerID]
	b.mu.Unlock()
	if !known {
		return fmt.Errorf("observer %q is not registered", observerID)
	}
	items, err := b.store.History(elementID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	b.log.Info("replaying history", "observer_id", observerID, "element_id", elementID, "events", len(items))

	for _, item := range items {
		item.Event["replayed"] = true
		if err := b.SendTo(observerID, item.Event); err != nil {
			return err
		}
		select {
		case <-time.After(b.replayDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ClearHistory removes an element's persisted history.
func (b *Broker) ClearHistory(elementID string) error {
	if b.store == nil {
		return nil
	}
	return b.store.ClearHistory(elementID)
}
