package model

import (
	"fmt"
)

// Element kinds understood by the engine. Anything outside this set is
// rejected at parse time.
const (
	KindStartEvent                         = "startEvent"
	KindEndEvent                           = "endEvent"
	KindIntermediateEvent                  = "intermediateEvent"
	KindTimerIntermediateCatchEvent        = "timerIntermediateCatchEvent"
	KindErrorBoundaryEvent                 = "errorBoundaryEvent"
	KindTimerBoundaryEvent                 = "timerBoundaryEvent"
	KindCompensationBoundaryEvent          = "compensationBoundaryEvent"
	KindCompensationIntermediateThrowEvent = "compensationIntermediateThrowEvent"

	KindErrorStartEvent        = "errorStartEvent"
	KindTimerStartEvent        = "timerStartEvent"
	KindMessageStartEvent      = "messageStartEvent"
	KindSignalStartEvent       = "signalStartEvent"
	KindEscalationStartEvent   = "escalationStartEvent"
	KindCompensationStartEvent = "compensationStartEvent"

	KindTask             = "task"
	KindUserTask         = "userTask"
	KindServiceTask      = "serviceTask"
	KindScriptTask       = "scriptTask"
	KindSendTask         = "sendTask"
	KindReceiveTask      = "receiveTask"
	KindManualTask       = "manualTask"
	KindBusinessRuleTask = "businessRuleTask"
	KindAgenticTask      = "agenticTask"
	KindSubProcess       = "subProcess"
	KindEventSubProcess  = "eventSubProcess"
	KindCallActivity     = "callActivity"

	KindExclusiveGateway = "exclusiveGateway"
	KindParallelGateway  = "parallelGateway"
	KindInclusiveGateway = "inclusiveGateway"
)

var knownKinds = map[string]bool{
	KindStartEvent: true, KindEndEvent: true, KindIntermediateEvent: true,
	KindTimerIntermediateCatchEvent: true, KindErrorBoundaryEvent: true,
	KindTimerBoundaryEvent: true, KindCompensationBoundaryEvent: true,
	KindCompensationIntermediateThrowEvent: true,
	KindErrorStartEvent:                    true, KindTimerStartEvent: true, KindMessageStartEvent: true,
	KindSignalStartEvent: true, KindEscalationStartEvent: true, KindCompensationStartEvent: true,
	KindTask: true, KindUserTask: true, KindServiceTask: true, KindScriptTask: true,
	KindSendTask: true, KindReceiveTask: true, KindManualTask: true,
	KindBusinessRuleTask: true, KindAgenticTask: true, KindSubProcess: true,
	KindEventSubProcess: true, KindCallActivity: true,
	KindExclusiveGateway: true, KindParallelGateway: true, KindInclusiveGateway: true,
}

// Element is one vertex of the process graph: an event, an activity, or a
// gateway. Behavior is dispatched on Type; properties are free-form and
// scoped to the kind.
type Element struct {
	ID            string         `yaml:"id" json:"id"`
	Type          string         `yaml:"type" json:"type"`
	Name          string         `yaml:"name" json:"name"`
	AttachedToRef string         `yaml:"attachedToRef,omitempty" json:"attachedToRef,omitempty"`
	Properties    map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`

	// Inline sub-processes and event sub-processes carry their own subgraph.
	ChildElements    []*Element    `yaml:"childElements,omitempty" json:"childElements,omitempty"`
	ChildConnections []*Connection `yaml:"childConnections,omitempty" json:"childConnections,omitempty"`
}

// Connection is a directed edge between two elements.
type Connection struct {
	From       string         `yaml:"from" json:"from"`
	To         string         `yaml:"to" json:"to"`
	Type       string         `yaml:"type,omitempty" json:"type,omitempty"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Condition returns the flow's condition expression, or "" for an
// unconditional (default) flow.
func (c *Connection) Condition() string {
	if c.Properties == nil {
		return ""
	}
	if cond, ok := c.Properties["condition"].(string); ok {
		return cond
	}
	return ""
}

// SubProcessDefinition is a named reusable subgraph referenced by
// callActivity elements.
type SubProcessDefinition struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Elements    []*Element    `yaml:"elements" json:"elements"`
	Connections []*Connection `yaml:"connections" json:"connections"`
}

// Pool is carried through from the definition but has no runtime behavior.
type Pool struct {
	ID    string   `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Lanes []string `yaml:"lanes,omitempty" json:"lanes,omitempty"`
}

// Process is the deserialized form of one workflow definition.
type Process struct {
	ID                    string                  `yaml:"id" json:"id"`
	Name                  string                  `yaml:"name" json:"name"`
	Pools                 []Pool                  `yaml:"pools,omitempty" json:"pools,omitempty"`
	Elements              []*Element              `yaml:"elements" json:"elements"`
	Connections           []*Connection           `yaml:"connections" json:"connections"`
	SubProcessDefinitions []*SubProcessDefinition `yaml:"subProcessDefinitions,omitempty" json:"subProcessDefinitions,omitempty"`
}

// Workflow is the top-level YAML document.
type Workflow struct {
	Process Process `yaml:"process" json:"process"`
}

// Graph is the immutable indexed view of a Process. All engine queries go
// through it; nothing mutates after construction.
type Graph struct {
	ProcessID   string
	ProcessName string

	elements map[string]*Element
	order    []string // authoring order of element IDs

	outgoing   map[string][]*Connection
	incoming   map[string][]*Connection
	boundaries map[string][]*Element

	subprocesses map[string]*Graph
	eventSubs    []*Element
}

// ParseError reports a malformed definition. Execution never starts when
// one is returned.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("workflow definition invalid: %s", e.Reason)
}

// NewGraph indexes a Process into a Graph, validating element kinds and
// edge endpoints.
func NewGraph(p *Process) (*Graph, error) {
	g, err := buildGraph(p.ID, p.Name, p.Elements, p.Connections)
	if err != nil {
		return nil, err
	}

	g.subprocesses = make(map[string]*Graph, len(p.SubProcessDefinitions))
	for _, def := range p.SubProcessDefinitions {
		sub, err := buildGraph(def.ID, def.Name, def.Elements, def.Connections)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("subprocess %q: %v", def.ID, err)}
		}
		g.subprocesses[def.ID] = sub
		if def.Name != "" && def.Name != def.ID {
			g.subprocesses[def.Name] = sub
		}
	}

	return g, nil
}

func buildGraph(id, name string, elements []*Element, connections []*Connection) (*Graph, error) {
	g := &Graph{
		ProcessID:   id,
		ProcessName: name,
		elements:    make(map[string]*Element, len(elements)),
		outgoing:    make(map[string][]*Connection),
		incoming:    make(map[string][]*Connection),
		boundaries:  make(map[string][]*Element),
	}

	for _, el := range elements {
		if el.ID == "" {
			return nil, &ParseError{Reason: "element without id"}
		}
		if !knownKinds[el.Type] {
			return nil, &ParseError{Reason: fmt.Sprintf("element %q has unknown type %q", el.ID, el.Type)}
		}
		if _, dup := g.elements[el.ID]; dup {
			return nil, &ParseError{Reason: fmt.Sprintf("duplicate element id %q", el.ID)}
		}
		g.elements[el.ID] = el
		g.order = append(g.order, el.ID)

		if el.AttachedToRef != "" {
			g.boundaries[el.AttachedToRef] = append(g.boundaries[el.AttachedToRef], el)
		}
		if el.Type == KindEventSubProcess {
			g.eventSubs = append(g.eventSubs, el)
		}
	}

	for _, el := range elements {
		if el.AttachedToRef != "" {
			if _, ok := g.elements[el.AttachedToRef]; !ok {
				return nil, &ParseError{Reason: fmt.Sprintf("boundary %q attached to unknown element %q", el.ID, el.AttachedToRef)}
			}
		}
	}

	for _, c := range connections {
		if _, ok := g.elements[c.From]; !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("connection from unknown element %q", c.From)}
		}
		if _, ok := g.elements[c.To]; !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("connection to unknown element %q", c.To)}
		}
		g.outgoing[c.From] = append(g.outgoing[c.From], c)
		g.incoming[c.To] = append(g.incoming[c.To], c)
	}

	return g, nil
}

// Element returns the element with the given ID.
func (g *Graph) Element(id string) (*Element, bool) {
	el, ok := g.elements[id]
	return el, ok
}

// Elements returns all elements in authoring order.
func (g *Graph) Elements() []*Element {
	out := make([]*Element, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.elements[id])
	}
	return out
}

// StartEvent returns the graph's start event. A graph with no start event
// cannot execute.
func (g *Graph) StartEvent() (*Element, error) {
	for _, id := range g.order {
		if g.elements[id].Type == KindStartEvent {
			return g.elements[id], nil
		}
	}
	return nil, &ParseError{Reason: fmt.Sprintf("process %q has no startEvent", g.ProcessID)}
}

// Outgoing returns the outgoing connections of an element, in authoring order.
func (g *Graph) Outgoing(id string) []*Connection {
	return g.outgoing[id]
}

// Incoming returns the incoming connections of an element, in authoring order.
func (g *Graph) Incoming(id string) []*Connection {
	return g.incoming[id]
}

// BoundariesAttachedTo returns the boundary events attached to a task.
func (g *Graph) BoundariesAttachedTo(id string) []*Element {
	return g.boundaries[id]
}

// Subprocess resolves a named subprocess definition by id or name.
func (g *Graph) Subprocess(ref string) (*Graph, bool) {
	sub, ok := g.subprocesses[ref]
	return sub, ok
}

// EventSubProcesses returns the eventSubProcess containers declared at this
// graph's level.
func (g *Graph) EventSubProcesses() []*Element {
	return g.eventSubs
}

// ChildGraph builds a Graph from an element's inline child subgraph
// (subProcess and eventSubProcess containers).
func ChildGraph(el *Element) (*Graph, error) {
	if len(el.ChildElements) == 0 {
		return nil, &ParseError{Reason: fmt.Sprintf("element %q has no child elements", el.ID)}
	}
	return buildGraph(el.ID, el.Name, el.ChildElements, el.ChildConnections)
}

// Kind predicates.

func (e *Element) IsGateway() bool {
	switch e.Type {
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway:
		return true
	}
	return false
}

// IsTask reports whether the element is executed through the task registry.
func (e *Element) IsTask() bool {
	switch e.Type {
	case KindTask, KindUserTask, KindServiceTask, KindScriptTask, KindSendTask,
		KindReceiveTask, KindManualTask, KindBusinessRuleTask, KindAgenticTask,
		KindSubProcess, KindCallActivity, KindTimerIntermediateCatchEvent:
		return true
	}
	return false
}

func (e *Element) IsBoundaryEvent() bool {
	switch e.Type {
	case KindErrorBoundaryEvent, KindTimerBoundaryEvent, KindCompensationBoundaryEvent:
		return true
	}
	return false
}

func (e *Element) IsEvent() bool {
	switch e.Type {
	case KindStartEvent, KindEndEvent, KindIntermediateEvent,
		KindCompensationIntermediateThrowEvent,
		KindErrorStartEvent, KindTimerStartEvent, KindMessageStartEvent,
		KindSignalStartEvent, KindEscalationStartEvent, KindCompensationStartEvent:
		return true
	}
	return e.IsBoundaryEvent()
}

// EventSubProcessStartKind returns the start-event kind of an inline event
// sub-process body, or "" when none is present.
func (e *Element) EventSubProcessStartKind() string {
	for _, child := range e.ChildElements {
		switch child.Type {
		case KindErrorStartEvent, KindTimerStartEvent, KindMessageStartEvent,
			KindSignalStartEvent, KindEscalationStartEvent, KindCompensationStartEvent:
			return child.Type
		}
	}
	return ""
}

// Property helpers. Properties come from YAML and are loosely typed; these
// normalize the common cases.

func (e *Element) Prop(key string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

func (e *Element) StringProp(key string) string {
	if v, ok := e.Prop(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func (e *Element) BoolProp(key string) bool {
	v, ok := e.Prop(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "yes" || t == "1"
	}
	return false
}

func (e *Element) IntProp(key string, def int) int {
	v, ok := e.Prop(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

func (e *Element) FloatProp(key string, def float64) float64 {
	v, ok := e.Prop(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return def
}

// MapProp returns a nested map property, such as properties.custom.
func (e *Element) MapProp(key string) map[string]any {
	v, ok := e.Prop(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out
	}
	return nil
}

// StringSliceProp returns a list-of-strings property.
func (e *Element) StringSliceProp(key string) []string {
	v, ok := e.Prop(key)
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}
