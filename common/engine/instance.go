package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/model"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// InstanceStatus is the externally visible snapshot of one instance.
type InstanceStatus struct {
	InstanceID     string         `json:"instanceId"`
	WorkflowName   string         `json:"workflowName"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	ActiveElements []string       `json:"activeElements"`
	Variables      map[string]any `json:"variables"`
}

// taskHandle tracks one running task so boundary events, joins, and cancel
// requests can tear it down. key is unique per running occurrence; parallel
// multi-instance iterations of one element each get their own.
type taskHandle struct {
	key       string
	elementID string
	pathID    string
	cancel    context.CancelFunc
}

// compensationEntry is one completed activity with a registered compensation
// handler, remembered for a later LIFO sweep.
type compensationEntry struct {
	activity *model.Element
	boundary *model.Element
	graph    *model.Graph
}

// joinState counts branch arrivals at a converging gateway.
type joinState struct {
	arrivals int
	fired    bool
}

// forkFrame records one parallel fork a path token passed through. The
// matching join pops it to count exactly that fork's tokens, regardless of
// the join's static in-degree.
type forkFrame struct {
	forkID string
	width  int
}

// Instance is one live workflow execution.
type Instance struct {
	ID        string
	graph     *model.Graph
	scope     *executor.Scope
	startedAt time.Time

	mu            sync.Mutex
	status        Status
	activeTasks   map[string]*taskHandle
	compensations []compensationEntry
	joins         map[string]*joinState
	pathFrames    map[string][]forkFrame
	handledBySub  bool

	// runCancel tears the whole run down; aux tracks non-interrupting
	// boundary paths and event sub-process bodies that outlive their
	// spawning element.
	runCancel context.CancelFunc
	aux       sync.WaitGroup
}

func newInstance(id string, g *model.Graph, scope *executor.Scope) *Instance {
	return &Instance{
		ID:          id,
		graph:       g,
		scope:       scope,
		startedAt:   time.Now(),
		status:      StatusRunning,
		activeTasks: make(map[string]*taskHandle),
		joins:       make(map[string]*joinState),
		pathFrames:  make(map[string][]forkFrame),
	}
}

func (in *Instance) setStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

func (in *Instance) currentStatus() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

func (in *Instance) snapshot(workflowName string) InstanceStatus {
	in.mu.Lock()
	active := make([]string, 0, len(in.activeTasks))
	for _, h := range in.activeTasks {
		active = append(active, h.elementID)
	}
	status := in.status
	in.mu.Unlock()

	return InstanceStatus{
		InstanceID:     in.ID,
		WorkflowName:   workflowName,
		Status:         status,
		StartedAt:      in.startedAt,
		ActiveElements: active,
		Variables:      in.scope.Snapshot(),
	}
}

func (in *Instance) registerTask(h *taskHandle) {
	in.mu.Lock()
	in.activeTasks[h.key] = h
	in.mu.Unlock()
}

func (in *Instance) unregisterTask(key string) {
	in.mu.Lock()
	delete(in.activeTasks, key)
	in.mu.Unlock()
}

// activeHandles returns a snapshot of the currently running task handles.
func (in *Instance) activeHandles() []*taskHandle {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*taskHandle, 0, len(in.activeTasks))
	for _, h := range in.activeTasks {
		out = append(out, h)
	}
	return out
}

// handlesFor returns the handles of running tasks within the given element
// ID set.
func (in *Instance) handlesFor(ids map[string]bool) []*taskHandle {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []*taskHandle
	for _, h := range in.activeTasks {
		if ids[h.elementID] {
			out = append(out, h)
		}
	}
	return out
}

func (in *Instance) addCompensation(activity, boundary *model.Element, g *model.Graph) {
	in.mu.Lock()
	in.compensations = append(in.compensations, compensationEntry{
		activity: activity,
		boundary: boundary,
		graph:    g,
	})
	in.mu.Unlock()
}

// takeCompensations returns registered entries in reverse registration order
// and clears the list.
func (in *Instance) takeCompensations() []compensationEntry {
	in.mu.Lock()
	entries := in.compensations
	in.compensations = nil
	in.mu.Unlock()

	out := make([]compensationEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out
}

// forkPaths derives child path tokens for a fan-out. A parallel fork pushes
// a frame recording its width so the matching join counts exactly its own
// tokens; any other fan-out just inherits the parent's fork lineage.
func (in *Instance) forkPaths(parentID string, n int, parallelFork bool) []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	frames := in.pathFrames[parentID]
	if parallelFork {
		stacked := make([]forkFrame, len(frames), len(frames)+1)
		copy(stacked, frames)
		frames = append(stacked, forkFrame{forkID: uuid.NewString(), width: n})
	}

	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		if len(frames) > 0 {
			in.pathFrames[ids[i]] = frames
		}
	}
	return ids
}

// inheritPath derives a token for a concurrent path, such as a boundary
// flow, that keeps its parent's fork lineage.
func (in *Instance) inheritPath(parentID string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	id := uuid.NewString()
	if frames := in.pathFrames[parentID]; len(frames) > 0 {
		in.pathFrames[id] = frames
	}
	return id
}

// arriveAtParallelJoin records a token arrival. A token carrying fork
// lineage counts against its own fork's width; the arrival that completes
// the set proceeds on a continuation token with that frame popped. Tokens
// without lineage fall back to the join's static in-degree. Only the
// completing arrival proceeds; earlier ones end their path.
func (in *Instance) arriveAtParallelJoin(key, pathID string, inDegree int) (bool, string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if frames := in.pathFrames[pathID]; len(frames) > 0 {
		top := frames[len(frames)-1]
		forkKey := key + "/" + top.forkID
		js := in.joins[forkKey]
		if js == nil {
			js = &joinState{}
			in.joins[forkKey] = js
		}
		js.arrivals++
		if js.arrivals < top.width {
			return false, ""
		}
		delete(in.joins, forkKey)
		cont := uuid.NewString()
		if len(frames) > 1 {
			in.pathFrames[cont] = frames[:len(frames)-1]
		}
		return true, cont
	}

	js := in.joins[key]
	if js == nil {
		js = &joinState{}
		in.joins[key] = js
	}
	js.arrivals++
	if js.arrivals < inDegree {
		return false, ""
	}
	delete(in.joins, key)
	return true, pathID
}

// arriveAtInclusiveJoin implements first-wins: the first branch proceeds,
// every later arrival ends its path.
func (in *Instance) arriveAtInclusiveJoin(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	js := in.joins[key]
	if js == nil {
		js = &joinState{}
		in.joins[key] = js
	}
	if js.fired {
		return false
	}
	js.fired = true
	return true
}

// markHandledBySub records that an interrupting event sub-process absorbed
// the run.
func (in *Instance) markHandledBySub() {
	in.mu.Lock()
	in.handledBySub = true
	in.mu.Unlock()
}

func (in *Instance) wasHandledBySub() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handledBySub
}
