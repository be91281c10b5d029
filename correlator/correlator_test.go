package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/sqlite"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setup(t *testing.T) (*Correlator, backend.Backend) {
	t.Helper()

	b := sqlite.NewInMemoryBackend()
	t.Cleanup(func() { b.Close() })

	c := New(b, WithPollInterval(5*time.Millisecond))
	t.Cleanup(c.Close)

	return c, b
}

// suspendInstance creates an instance and parks it waiting on one ticket.
func suspendInstance(t *testing.T, b backend.Backend, instanceID string) string {
	t.Helper()
	ctx := context.Background()

	instance := core.NewWorkflowInstance(instanceID, "wf")
	require.NoError(t, b.CreateInstance(ctx, instance, nil))

	tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	ticket := workflow.NewTicket()
	require.NoError(t, b.CompleteTask(ctx, tasks[0], workflow.Suspend([]string{ticket})))

	return ticket
}

func Test_Deliver_ResumesWaitingInstance(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	ticket := suspendInstance(t, b, "order-1")

	require.NoError(t, c.Deliver(ctx, ticket, []byte("paid"), ""))
	require.Equal(t, int64(0), c.Discarded())

	info, err := b.GetInstance(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateRunning, info.State)
	require.Empty(t, info.WaitTickets)
}

func Test_Deliver_UnknownTicketIsDiscarded(t *testing.T) {
	c, _ := setup(t)

	require.NoError(t, c.Deliver(context.Background(), workflow.NewTicket(), []byte("nobody waits"), ""))
	require.Equal(t, int64(1), c.Discarded())
}

func Test_Deliver_DuplicateIsNoOp(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	ticket := suspendInstance(t, b, "order-1")

	require.NoError(t, c.Deliver(ctx, ticket, []byte("first"), ""))
	require.NoError(t, c.Deliver(ctx, ticket, []byte("second"), ""))
	require.Equal(t, int64(1), c.Discarded())

	// State and audit are unchanged by the duplicate
	info, err := b.GetInstance(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateRunning, info.State)

	events, err := b.GetAuditTrail(ctx, "order-1")
	require.NoError(t, err)
	before := len(events)

	require.NoError(t, c.Deliver(ctx, ticket, []byte("third"), ""))

	events, err = b.GetAuditTrail(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, before)
}

func Test_Deliver_ErrorResponse(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	ticket := suspendInstance(t, b, "order-1")

	require.NoError(t, c.Deliver(ctx, ticket, nil, "provider unavailable"))

	tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Len(t, tasks[0].Responses, 1)
	require.Equal(t, "provider unavailable", tasks[0].Responses[0].Err)
}

func Test_Poll_EmptyReturnsNil(t *testing.T) {
	c, _ := setup(t)

	start := time.Now()
	result, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, result)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func Test_Poll_DeliversEachResultOnce(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	instance := core.NewWorkflowInstance("order-1", "wf")
	require.NoError(t, b.CreateInstance(ctx, instance, nil))

	tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, b.CompleteTask(ctx, tasks[0], workflow.Finish([]byte("done"))))

	result, err := c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "order-1", result.InstanceID)
	require.Equal(t, []byte("done"), result.Value)

	result, err = c.Poll(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, result)
}
