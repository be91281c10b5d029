package backend

type Stats struct {
	// ActiveInstances is the number of instances that have not reached a
	// terminal state.
	ActiveInstances int64

	// PendingInstances is the number of unclaimed, runnable instances.
	PendingInstances int64

	// WaitingInstances is the number of instances suspended on tickets.
	WaitingInstances int64

	// DueTimeouts is the number of waiting instances whose deadline has
	// passed but that have not been claimed yet.
	DueTimeouts int64

	// PendingResults is the number of terminal results not yet taken from
	// the backchannel.
	PendingResults int64
}
