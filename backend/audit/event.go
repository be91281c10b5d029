// Package audit defines the append-only trail of workflow state transitions.
//
// Events for a single instance carry a gap-free, ascending sequence number
// starting at 1. Events are never mutated or deleted once written; the trail
// outlives the instance row itself.
package audit

import "time"

type TransitionType uint

const (
	_ TransitionType = iota

	// TransitionCreated records the initial persistence of an instance.
	TransitionCreated

	// TransitionDispatched records an instance being handed to workflow logic.
	TransitionDispatched

	// TransitionWait records an instance suspending on correlation tickets.
	TransitionWait

	// TransitionResume records the consumption of a correlation ticket by a
	// matching asynchronous response.
	TransitionResume

	// TransitionTimeout records a forced resumption of a stale wait.
	TransitionTimeout

	TransitionError
	TransitionFinished
)

func (tt TransitionType) String() string {
	switch tt {
	case TransitionCreated:
		return "Created"
	case TransitionDispatched:
		return "Dispatched"
	case TransitionWait:
		return "Wait"
	case TransitionResume:
		return "Resume"
	case TransitionTimeout:
		return "Timeout"
	case TransitionError:
		return "Error"
	case TransitionFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Event is one committed state transition of a workflow instance.
type Event struct {
	InstanceID string

	// SeqNr is the instance's audit sequence number at write time.
	SeqNr int64

	Type TransitionType

	Timestamp time.Time

	// Payload is transition-specific data, already decoded. May be nil.
	Payload []byte

	// ResponseID back-references the asynchronous response that caused a
	// resumption. Nil for transitions not caused by a response.
	ResponseID *string
}
