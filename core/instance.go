package core

import "time"

// InstanceState is the persisted lifecycle state of a workflow instance.
type InstanceState int

const (
	InstanceStateInvalid InstanceState = iota

	// InstanceStateNew is the state of an instance that has been persisted but
	// not yet dispatched by any engine.
	InstanceStateNew

	// InstanceStateRunning is the state of an instance that is runnable or
	// currently being advanced by an engine.
	InstanceStateRunning

	// InstanceStateWaiting is the state of an instance suspended on one or
	// more correlation tickets, with a deadline.
	InstanceStateWaiting

	InstanceStateFinished
	InstanceStateError
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStateNew:
		return "New"
	case InstanceStateRunning:
		return "Running"
	case InstanceStateWaiting:
		return "Waiting"
	case InstanceStateFinished:
		return "Finished"
	case InstanceStateError:
		return "Error"
	default:
		return "Invalid"
	}
}

// Final returns true if the state is terminal.
func (s InstanceState) Final() bool {
	return s == InstanceStateFinished || s == InstanceStateError
}

// WorkflowInstance identifies one durable, resumable unit of long-running
// process execution.
type WorkflowInstance struct {
	// InstanceID is the unique, immutable identifier of the instance.
	InstanceID string

	// WorkflowName is the registered name of the workflow this instance runs.
	WorkflowName string
}

func NewWorkflowInstance(instanceID, workflowName string) *WorkflowInstance {
	return &WorkflowInstance{
		InstanceID:   instanceID,
		WorkflowName: workflowName,
	}
}

// InstanceInfo is a point-in-time snapshot of a stored instance.
type InstanceInfo struct {
	Instance *WorkflowInstance

	State InstanceState

	// WaitTickets are the correlation tickets the instance is currently
	// suspended on. Empty unless State is InstanceStateWaiting.
	WaitTickets []string

	// TimeoutAt is the deadline after which a suspended wait is force-resumed.
	// Only set while the instance is waiting.
	TimeoutAt *time.Time

	CreatedAt      time.Time
	LastModifiedAt time.Time
	CompletedAt    *time.Time
}
