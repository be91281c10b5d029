// Package workflow defines the contract between the engine and workflow
// logic.
//
// Workflow business logic is opaque to the engine: a registered Handler is
// invoked once per dispatch with the instance's current data and any
// responses delivered since the last step, and returns a directive telling
// the engine how to proceed.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/persistflow/persistflow/core"
)

// Handler advances a workflow instance by one step.
//
// Handlers must be deterministic with respect to their inputs and must not
// retain references to the step after returning; the engine persists the
// outcome transactionally before the instance can be advanced again.
type Handler func(ctx context.Context, step *Step) (Directive, error)

// Step is the input to a single dispatch of workflow logic.
type Step struct {
	Instance *core.WorkflowInstance

	// Data is the instance's opaque payload as of the last committed step.
	Data []byte

	// Responses are the asynchronous responses that resumed this instance,
	// one per consumed correlation ticket. Empty on the first dispatch.
	Responses []Response

	// TimedOut is true when this dispatch is a forced resumption of a stale
	// wait. Cause then carries the timeout error.
	TimedOut bool

	// Cause is the resumption cause for abnormal resumptions, nil otherwise.
	Cause error
}

// Response is an asynchronous response correlated back to this instance.
type Response struct {
	// ID uniquely identifies the response delivery.
	ID string

	// Ticket is the correlation ticket the response was keyed by.
	Ticket string

	Payload []byte

	// Err is set when the responder reported an error instead of a payload.
	Err string

	ReceivedAt time.Time
}

// NewTicket returns a fresh correlation ticket. Workflow logic hands tickets
// to external responders and suspends on them.
func NewTicket() string {
	return uuid.NewString()
}
