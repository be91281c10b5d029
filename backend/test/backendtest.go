// Package test contains a conformance suite that every store backend must
// pass.
package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/audit"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/workflow"
)

// SetupFn returns count backends sharing one store, each with its own
// engine identity. Backends are cleaned up via t.Cleanup.
type SetupFn func(t *testing.T, count int) []backend.Backend

func BackendTest(t *testing.T, setup SetupFn) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "Ping_Succeeds",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				require.NoError(t, b.Ping(ctx))
			},
		},
		{
			name: "CreateInstance_DoesNotError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				err := b.CreateInstance(ctx, core.NewWorkflowInstance(uuid.NewString(), "order"), []byte(`{"step":0}`))
				require.NoError(t, err)
			},
		},
		{
			name: "CreateInstance_SameInstanceIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()

				err := b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil)
				require.NoError(t, err)

				err = b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil)
				require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)
			},
		},
		{
			name: "CreateInstance_RecordsCreatedTransition",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), []byte("data")))

				events, err := b.GetAuditTrail(ctx, instanceID)
				require.NoError(t, err)
				require.Len(t, events, 1)
				require.Equal(t, int64(1), events[0].SeqNr)
				require.Equal(t, audit.TransitionCreated, events[0].Type)
				require.Equal(t, []byte("data"), events[0].Payload)
			},
		},
		{
			name: "ClaimRunnable_ReturnsNothingWhenEmpty",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				tasks, err := b.ClaimRunnable(ctx, time.Now(), 10)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "ClaimRunnable_ReturnsAndLocksTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), []byte("data")))

				tasks, err := b.ClaimRunnable(ctx, time.Now(), 10)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, instanceID, tasks[0].Instance.InstanceID)
				require.Equal(t, "order", tasks[0].Instance.WorkflowName)
				require.Equal(t, []byte("data"), tasks[0].Data)

				// First claim holds the lock, a second claim finds nothing
				tasks, err = b.ClaimRunnable(ctx, time.Now(), 10)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "ClaimRunnable_DispatchIsAudited",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil))

				_, err := b.ClaimRunnable(ctx, time.Now(), 1)
				require.NoError(t, err)

				events, err := b.GetAuditTrail(ctx, instanceID)
				require.NoError(t, err)
				require.Len(t, events, 2)
				require.Equal(t, audit.TransitionDispatched, events[1].Type)
			},
		},
		{
			name: "ClaimRunnable_ExpiredLockIsReclaimable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil))

				now := time.Now()
				tasks, err := b.ClaimRunnable(ctx, now, 1)
				require.NoError(t, err)
				require.Len(t, tasks, 1)

				// After the lock timeout the instance is considered abandoned
				later := now.Add(b.Options().LockTimeout + time.Second)
				tasks, err = b.ClaimRunnable(ctx, later, 1)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, instanceID, tasks[0].Instance.InstanceID)
			},
		},
		{
			name: "CompleteTask_SuspendStoresTicketsAndDeadline",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				ticket := workflow.NewTicket()
				err := b.CompleteTask(ctx, task, workflow.Suspend([]string{ticket}, workflow.WithTimeout(time.Minute)))
				require.NoError(t, err)

				info, err := b.GetInstance(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateWaiting, info.State)
				require.Equal(t, []string{ticket}, info.WaitTickets)
				require.NotNil(t, info.TimeoutAt)
				require.WithinDuration(t, time.Now().Add(time.Minute), *info.TimeoutAt, 10*time.Second)
			},
		},
		{
			name: "CompleteTask_LostLockErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				stolen := *task
				stolen.LockedBy = "some-other-engine"

				err := b.CompleteTask(ctx, &stolen, workflow.Finish(nil))
				require.ErrorIs(t, err, backend.ErrTaskNotLocked)
			},
		},
		{
			name: "ExtendTask_KeepsLock",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)
				require.NoError(t, b.ExtendTask(ctx, task))

				stolen := *task
				stolen.LockedBy = "some-other-engine"
				require.ErrorIs(t, b.ExtendTask(ctx, &stolen), backend.ErrTaskNotLocked)
			},
		},
		{
			name: "ResumeOnTicket_LastTicketMakesInstanceRunnable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				t1, t2 := workflow.NewTicket(), workflow.NewTicket()
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{t1, t2})))

				instanceID, err := b.ResumeOnTicket(ctx, t1, response([]byte("first")))
				require.NoError(t, err)
				require.Equal(t, task.Instance.InstanceID, instanceID)

				// One ticket remains, so the instance keeps waiting
				info, err := b.GetInstance(ctx, instanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateWaiting, info.State)
				require.Equal(t, []string{t2}, info.WaitTickets)

				tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
				require.NoError(t, err)
				require.Empty(t, tasks)

				_, err = b.ResumeOnTicket(ctx, t2, response([]byte("second")))
				require.NoError(t, err)

				info, err = b.GetInstance(ctx, instanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateRunning, info.State)
				require.Empty(t, info.WaitTickets)
				require.Nil(t, info.TimeoutAt)

				// The resumed instance is claimable, with both responses
				tasks, err = b.ClaimRunnable(ctx, time.Now(), 1)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Len(t, tasks[0].Responses, 2)
			},
		},
		{
			name: "ResumeOnTicket_UnknownTicket",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				_, err := b.ResumeOnTicket(ctx, workflow.NewTicket(), response(nil))
				require.ErrorIs(t, err, backend.ErrTicketNotFound)
			},
		},
		{
			name: "ResumeOnTicket_DuplicateDeliveryIsNoOp",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				ticket := workflow.NewTicket()
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{ticket})))

				_, err := b.ResumeOnTicket(ctx, ticket, response([]byte("answer")))
				require.NoError(t, err)

				eventsBefore, err := b.GetAuditTrail(ctx, task.Instance.InstanceID)
				require.NoError(t, err)

				// A second delivery for the consumed ticket changes nothing
				_, err = b.ResumeOnTicket(ctx, ticket, response([]byte("answer again")))
				require.ErrorIs(t, err, backend.ErrTicketNotFound)

				info, err := b.GetInstance(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateRunning, info.State)

				eventsAfter, err := b.GetAuditTrail(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, len(eventsBefore), len(eventsAfter))
			},
		},
		{
			name: "ClaimDueTimeouts_NothingBeforeDeadline",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{workflow.NewTicket()}, workflow.WithTimeout(time.Hour))))

				tasks, err := b.ClaimDueTimeouts(ctx, time.Now(), 10)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "ClaimDueTimeouts_ClaimsAndInvalidatesTickets",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				ticket := workflow.NewTicket()
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{ticket}, workflow.WithTimeout(time.Minute))))

				due := time.Now().Add(2 * time.Minute)
				tasks, err := b.ClaimDueTimeouts(ctx, due, 10)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.True(t, tasks[0].TimedOut)
				require.NotNil(t, tasks[0].Deadline)

				// The wait's tickets are gone, a late response is discarded
				_, err = b.ResumeOnTicket(ctx, ticket, response([]byte("too late")))
				require.ErrorIs(t, err, backend.ErrTicketNotFound)

				// And the claim is exclusive
				tasks, err = b.ClaimDueTimeouts(ctx, due, 10)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "CompleteTask_FinishProducesResult",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Finish([]byte("done"))))

				info, err := b.GetInstance(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStateFinished, info.State)
				require.NotNil(t, info.CompletedAt)

				result, err := b.TakeResult(ctx)
				require.NoError(t, err)
				require.NotNil(t, result)
				require.Equal(t, task.Instance.InstanceID, result.InstanceID)
				require.Equal(t, []byte("done"), result.Value)

				// Each result is handed out at most once
				result, err = b.TakeResult(ctx)
				require.NoError(t, err)
				require.Nil(t, result)
			},
		},
		{
			name: "CompleteTask_FailPurgesInstanceButKeepsAuditTrail",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Fail(errors.New("step exploded"))))

				_, err := b.GetInstance(ctx, task.Instance.InstanceID)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				events, err := b.GetAuditTrail(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.Equal(t, audit.TransitionError, events[len(events)-1].Type)
				require.Equal(t, []byte("step exploded"), events[len(events)-1].Payload)

				result, err := b.TakeResult(ctx)
				require.NoError(t, err)
				require.NotNil(t, result)
				require.Equal(t, "step exploded", result.Err)
			},
		},
		{
			name: "AuditTrail_SeqNrsAreGapFreeAndAscending",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := claimNewInstance(t, ctx, b)

				ticket := workflow.NewTicket()
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{ticket})))

				_, err := b.ResumeOnTicket(ctx, ticket, response([]byte("r")))
				require.NoError(t, err)

				tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.NoError(t, b.CompleteTask(ctx, tasks[0], workflow.Finish(nil)))

				events, err := b.GetAuditTrail(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				// Created, Dispatched, Wait, Resume, Finished
				require.Len(t, events, 5)
				for i, event := range events {
					require.Equal(t, int64(i+1), event.SeqNr)
				}
			},
		},
		{
			name: "RemoveInstance_OnlyRemovesFinishedInstances",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				require.ErrorIs(t, b.RemoveInstance(ctx, uuid.NewString()), backend.ErrInstanceNotFound)

				task := claimNewInstance(t, ctx, b)
				require.ErrorIs(t, b.RemoveInstance(ctx, task.Instance.InstanceID), backend.ErrInstanceNotFinished)

				require.NoError(t, b.CompleteTask(ctx, task, workflow.Finish(nil)))
				require.NoError(t, b.RemoveInstance(ctx, task.Instance.InstanceID))

				_, err := b.GetInstance(ctx, task.Instance.InstanceID)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				// The audit trail outlives the instance row
				events, err := b.GetAuditTrail(ctx, task.Instance.InstanceID)
				require.NoError(t, err)
				require.NotEmpty(t, events)
			},
		},
		{
			name: "GetStats_CountsInstances",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(uuid.NewString(), "order"), nil))

				task := claimNewInstance(t, ctx, b)
				require.NoError(t, b.CompleteTask(ctx, task, workflow.Suspend([]string{workflow.NewTicket()})))

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(2), stats.ActiveInstances)
				require.Equal(t, int64(1), stats.WaitingInstances)
				require.Equal(t, int64(1), stats.PendingInstances)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup(t, 1)[0]
			tt.f(t, context.Background(), b)
		})
	}

	t.Run("Claims_AreDisjointAcrossEngines", func(t *testing.T) {
		backends := setup(t, 2)
		claimsAreDisjointAcrossEngines(t, backends[0], backends[1])
	})

	t.Run("DueTimeouts_AreDisjointAcrossEngines", func(t *testing.T) {
		backends := setup(t, 2)
		dueTimeoutsAreDisjointAcrossEngines(t, backends[0], backends[1])
	})
}

func claimNewInstance(t *testing.T, ctx context.Context, b backend.Backend) *backend.Task {
	t.Helper()

	instanceID := uuid.NewString()
	require.NoError(t, b.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil))

	tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, instanceID, tasks[0].Instance.InstanceID)

	return tasks[0]
}

func response(payload []byte) *workflow.Response {
	return &workflow.Response{
		ID:         uuid.NewString(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

// claimsAreDisjointAcrossEngines runs two engines against a fixed set of
// runnable instances: the union of the claimed sets must cover every
// instance, the intersection must be empty.
func claimsAreDisjointAcrossEngines(t *testing.T, b1, b2 backend.Backend) {
	ctx := context.Background()
	const instances = 20

	expected := map[string]bool{}
	for i := 0; i < instances; i++ {
		instanceID := uuid.NewString()
		require.NoError(t, b1.CreateInstance(ctx, core.NewWorkflowInstance(instanceID, "order"), nil))
		expected[instanceID] = true
	}

	claims := claimConcurrently(t, func(b backend.Backend) ([]*backend.Task, error) {
		return b.ClaimRunnable(ctx, time.Now(), 3)
	}, b1, b2)

	requireDisjointCover(t, expected, claims)
}

func dueTimeoutsAreDisjointAcrossEngines(t *testing.T, b1, b2 backend.Backend) {
	ctx := context.Background()
	const instances = 20

	expected := map[string]bool{}
	for i := 0; i < instances; i++ {
		task := claimNewInstance(t, ctx, b1)
		require.NoError(t, b1.CompleteTask(ctx, task, workflow.Suspend([]string{workflow.NewTicket()}, workflow.WithTimeout(time.Millisecond))))
		expected[task.Instance.InstanceID] = true
	}

	due := time.Now().Add(time.Minute)
	claims := claimConcurrently(t, func(b backend.Backend) ([]*backend.Task, error) {
		return b.ClaimDueTimeouts(ctx, due, 3)
	}, b1, b2)

	requireDisjointCover(t, expected, claims)
}

func claimConcurrently(
	t *testing.T,
	claim func(b backend.Backend) ([]*backend.Task, error),
	backends ...backend.Backend,
) []map[string]int {
	t.Helper()

	claims := make([]map[string]int, len(backends))
	errs := make([]error, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		claims[i] = map[string]int{}

		wg.Add(1)
		go func(i int, b backend.Backend) {
			defer wg.Done()

			// Locks are never released here, so an empty claim means the
			// remaining instances are held by the other engine.
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				tasks, err := claim(b)
				if err != nil {
					errs[i] = err
					return
				}

				if len(tasks) == 0 {
					return
				}

				for _, task := range tasks {
					claims[i][task.Instance.InstanceID]++
				}
			}
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	return claims
}

func requireDisjointCover(t *testing.T, expected map[string]bool, claims []map[string]int) {
	t.Helper()

	seen := map[string]int{}
	for _, c := range claims {
		for id, n := range c {
			require.Equal(t, 1, n, "instance %s claimed more than once by one engine", id)
			seen[id] += n
		}
	}

	require.Len(t, seen, len(expected))
	for id := range expected {
		require.Equal(t, 1, seen[id], "instance %s not claimed exactly once", id)
	}
}
