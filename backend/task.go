package backend

import (
	"time"

	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/workflow"
)

// Task represents one claimed dispatch of a workflow instance.
type Task struct {
	// Instance is the workflow instance this task is for
	Instance *core.WorkflowInstance

	// Data is the instance's opaque payload at claim time.
	Data []byte

	// Responses are the correlated responses that resumed the instance,
	// consumed when the task is completed.
	Responses []workflow.Response

	// TimedOut is true if this task is a forced resumption of a stale wait.
	TimedOut bool

	// Deadline is the exceeded wait deadline for timed-out tasks.
	Deadline *time.Time

	// LockedBy is the engine identity holding the claim.
	LockedBy string
}
