package events

// Event types pushed to observers. The catalogue is closed; anything
// outside it is treated as unknown and always delivered.
const (
	TypeTextMessageStart   = "text.message.start"
	TypeTextMessageContent = "text.message.content"
	TypeTextMessageEnd     = "text.message.end"
	TypeTextMessageChunk   = "text.message.chunk"

	TypeToolStart    = "task.tool.start"
	TypeToolEnd      = "task.tool.end"
	TypeAgentToolUse = "agent.tool_use" // legacy format

	TypeMessagesSnapshot = "messages.snapshot"
	TypeStateSnapshot    = "state.snapshot"
	TypeStateDelta       = "state.delta"

	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowCancelled = "workflow.cancelled"
	TypeElementActivated  = "element.activated"
	TypeElementCompleted  = "element.completed"
	TypeTaskProgress      = "task.progress"
	TypeTaskError         = "task.error"
	TypeTaskCancelled     = "task.cancelled"
	TypeTaskCancellable   = "task.cancellable"
	TypeTaskCancelling    = "task.cancelling"
	TypeTaskCancelFailed  = "task.cancel.failed"
	TypeGatewayEvaluating = "gateway.evaluating"
	TypeGatewayPathTaken  = "gateway.path_taken"

	TypeTaskThinking    = "task.thinking"
	TypeUserTaskCreated = "userTask.created"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeReplayRequest   = "replay.request"
	TypeClearHistory    = "clear.history"
	TypeTaskCancelReq   = "task.cancel.request"
	TypeUserTaskDone    = "userTask.complete"
)

// Event categories used by per-element filtering.
const (
	CategoryMessaging = "messaging"
	CategoryTool      = "tool"
	CategoryState     = "state"
	CategoryLifecycle = "lifecycle"
	CategorySpecial   = "special"
)

var eventCategories = map[string]string{
	TypeTextMessageStart:   CategoryMessaging,
	TypeTextMessageContent: CategoryMessaging,
	TypeTextMessageEnd:     CategoryMessaging,
	TypeTextMessageChunk:   CategoryMessaging,

	TypeToolStart:    CategoryTool,
	TypeToolEnd:      CategoryTool,
	TypeAgentToolUse: CategoryTool,

	TypeMessagesSnapshot: CategoryState,
	TypeStateSnapshot:    CategoryState,
	TypeStateDelta:       CategoryState,

	TypeWorkflowStarted:   CategoryLifecycle,
	TypeWorkflowCompleted: CategoryLifecycle,
	TypeElementActivated:  CategoryLifecycle,
	TypeElementCompleted:  CategoryLifecycle,
	TypeTaskProgress:      CategoryLifecycle,
	TypeTaskError:         CategoryLifecycle,
	TypeTaskCancelled:     CategoryLifecycle,
	TypeTaskCancellable:   CategoryLifecycle,
	TypeTaskCancelling:    CategoryLifecycle,
	TypeTaskCancelFailed:  CategoryLifecycle,
	TypeGatewayEvaluating: CategoryLifecycle,
	TypeGatewayPathTaken:  CategoryLifecycle,

	TypeTaskThinking:    CategorySpecial,
	TypeUserTaskCreated: CategorySpecial,
	TypePing:            CategorySpecial,
	TypePong:            CategorySpecial,
	TypeReplayRequest:   CategorySpecial,
	TypeClearHistory:    CategorySpecial,
}

// CategoryOf returns an event type's category, or "unknown".
func CategoryOf(eventType string) string {
	if c, ok := eventCategories[eventType]; ok {
		return c
	}
	return "unknown"
}

// Filter decides per element which event categories are delivered, driven
// by the element's properties.custom.aguiEventCategories list.
type Filter struct {
	defaults map[string]bool
}

// NewFilter creates a filter with the default categories (messaging, tool).
func NewFilter() *Filter {
	return &Filter{
		defaults: map[string]bool{
			CategoryMessaging: true,
			CategoryTool:      true,
		},
	}
}

// ShouldSend reports whether an event type passes the element's configured
// categories. Unknown event types always pass.
func (f *Filter) ShouldSend(eventType string, properties map[string]any) bool {
	category, known := eventCategories[eventType]
	if !known {
		return true
	}
	return f.EnabledCategories(properties)[category]
}

// EnabledCategories returns the category set configured for an element,
// falling back to the defaults when unset or empty.
func (f *Filter) EnabledCategories(properties map[string]any) map[string]bool {
	configured := configuredCategories(properties)
	if len(configured) == 0 {
		return f.defaults
	}
	return configured
}

func configuredCategories(properties map[string]any) map[string]bool {
	if properties == nil {
		return nil
	}
	custom, ok := properties["custom"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := custom["aguiEventCategories"]
	if !ok {
		return nil
	}

	out := make(map[string]bool)
	switch list := raw.(type) {
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range list {
			out[s] = true
		}
	}
	return out
}
