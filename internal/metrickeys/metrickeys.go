package metrickeys

const (
	Prefix = "persistflow."

	// Instances
	InstanceCreated  = Prefix + "instance.created"
	InstanceFinished = Prefix + "instance.finished"
	InstanceErrored  = Prefix + "instance.errored"
	InstanceSuspended = Prefix + "instance.suspended"

	TaskClaimed   = Prefix + "task.claimed"
	TaskProcessed = Prefix + "task.processed"

	// Correlation
	ResponseCorrelated = Prefix + "response.correlated"
	ResponseDiscarded  = Prefix + "response.discarded"

	// Timeouts
	TimeoutClaimed = Prefix + "timeout.claimed"

	// Persistence
	TransactionRetried   = Prefix + "tx.retried"
	TransactionExhausted = Prefix + "tx.exhausted"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	WorkflowName = "workflow"

	EngineName = "engine"
)
