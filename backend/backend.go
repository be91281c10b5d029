package backend

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/persistflow/persistflow/backend/audit"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/metrics"
	"github.com/persistflow/persistflow/workflow"
)

var (
	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")
	ErrInstanceNotFinished   = errors.New("workflow instance is not finished")

	// ErrTicketNotFound is returned when no instance owns the given
	// correlation ticket. Responses hitting this are discarded, not failed.
	ErrTicketNotFound = errors.New("correlation ticket not found")

	// ErrTaskNotLocked is returned when completing or extending a task whose
	// claim has been lost, for example after the lock timed out and another
	// engine picked the instance up.
	ErrTaskNotLocked = errors.New("task is not locked by this engine")
)

const TracerName = "persistflow"

// Backend is the durable store shared by all engines of a deployment.
//
// The claim operations are the sole coordination mechanism between engines:
// each is a single atomic conditional update, so a runnable or due instance
// is handed to exactly one concurrent claimer.
type Backend interface {
	// CreateInstance persists a new workflow instance together with its
	// first audit event in one transaction.
	CreateInstance(ctx context.Context, instance *core.WorkflowInstance, data []byte) error

	// ClaimRunnable atomically claims up to limit runnable instances (newly
	// created, or resumed and ready to be advanced) for this backend's
	// engine. Claiming a new instance records its dispatch transition.
	ClaimRunnable(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ClaimDueTimeouts atomically claims up to limit waiting instances whose
	// deadline has passed. Outstanding tickets of a claimed instance are
	// invalidated so that late responses are discarded.
	ClaimDueTimeouts(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ResumeOnTicket consumes the given correlation ticket: the response is
	// recorded against the owning instance and, once no tickets remain, the
	// instance transitions back to runnable. Returns the owning instance id,
	// or ErrTicketNotFound if no instance owns the ticket.
	ResumeOnTicket(ctx context.Context, ticket string, response *workflow.Response) (string, error)

	// CompleteTask checkpoints the outcome of one workflow step: instance
	// state, data, tickets, deadline and the matching audit events are
	// persisted in one transaction and the claim is released.
	CompleteTask(ctx context.Context, task *Task, directive workflow.Directive) error

	// ExtendTask extends the claim of a task while a long step is executing.
	ExtendTask(ctx context.Context, task *Task) error

	// GetInstance returns a snapshot of the given instance.
	GetInstance(ctx context.Context, instanceID string) (*core.InstanceInfo, error)

	// GetAuditTrail returns the instance's audit events ordered by sequence
	// number. The trail remains readable after the instance row is purged.
	GetAuditTrail(ctx context.Context, instanceID string) ([]*audit.Event, error)

	// TakeResult claims one terminal workflow result, or returns nil if none
	// is ready. Each result is handed out at most once across all callers.
	TakeResult(ctx context.Context) (*core.WorkflowResult, error)

	// RemoveInstance purges a finished or failed instance row. The audit
	// trail is retained.
	RemoveInstance(ctx context.Context, instanceID string) error

	// GetStats returns stats about the backend
	GetStats(ctx context.Context) (*Stats, error)

	// Ping reports whether the store is reachable. Evaluated on demand,
	// never cached.
	Ping(ctx context.Context) error

	// Tracer returns the configured tracer for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
