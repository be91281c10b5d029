package log

// Attribute keys used for structured logging across the module.
const (
	InstanceIDKey   = "instance_id"
	WorkflowNameKey = "workflow_name"
	InstanceStateKey = "instance_state"

	TicketKey   = "ticket"
	ResponseIDKey = "response_id"
	SeqNrKey    = "seq_nr"

	EngineNameKey = "engine_name"

	AttemptKey = "attempt"
	ErrorKey   = "error"

	DurationKey  = "duration"
	TimeoutAtKey = "timeout_at"
)
