package core

import "time"

// WorkflowResult is the terminal outcome of a workflow instance, delivered
// at most once over the result backchannel.
type WorkflowResult struct {
	InstanceID string

	// Value is the opaque result payload of a finished instance. Nil when the
	// instance terminated with an error.
	Value []byte

	// Err is the terminal error of a failed instance, empty on success.
	Err string

	CompletedAt time.Time
}
