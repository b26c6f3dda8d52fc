package log

// Structured logging keys shared by the engine and the stores.
const (
	NamespaceKey = "process"

	WorkflowIDKey      = NamespaceKey + ".workflow.id"
	WorkflowNameKey    = NamespaceKey + ".workflow.name"
	WorkflowVersionKey = NamespaceKey + ".workflow.version"

	InstanceIDKey       = NamespaceKey + ".instance.id"
	CallerInstanceIDKey = NamespaceKey + ".instance.caller_id"
	ChildInstanceIDKey  = NamespaceKey + ".instance.child_id"

	ActivityIDKey         = NamespaceKey + ".activity.id"
	ActivityTypeKey       = NamespaceKey + ".activity.type"
	ActivityInstanceIDKey = NamespaceKey + ".activity_instance.id"
	WorkStateKey          = NamespaceKey + ".activity_instance.work_state"

	EventTypeKey = NamespaceKey + ".event.type"

	ActionKey  = NamespaceKey + ".action"
	AttemptKey = NamespaceKey + ".attempt"

	TimerIDKey = NamespaceKey + ".timer.id"
	// DueAtKey is the time at which a timer job fires.
	DueAtKey = NamespaceKey + ".timer.due_at"
)
