package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/audit"
	"github.com/persistflow/persistflow/backend/sqlite"
	"github.com/persistflow/persistflow/correlator"
	"github.com/persistflow/persistflow/internal/wferrors"
	"github.com/persistflow/persistflow/registry"
	"github.com/persistflow/persistflow/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, r *registry.Registry, backendOpts ...backend.BackendOption) (*Engine, backend.Backend) {
	t.Helper()

	b := sqlite.NewInMemoryBackend(sqlite.WithBackendOptions(backendOpts...))
	t.Cleanup(func() { b.Close() })

	e := New(b, r,
		WithPollers(1),
		WithPollingInterval(5*time.Millisecond),
		WithHeartbeatInterval(0),
	)

	return e, b
}

func newTestCorrelator(t *testing.T, b backend.Backend) *correlator.Correlator {
	t.Helper()

	c := correlator.New(b, correlator.WithPollInterval(5*time.Millisecond))
	t.Cleanup(c.Close)

	return c
}

func Test_Engine_SubmitAndFinish(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("greet", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(append([]byte("hello "), step.Data...)), nil
	}))

	e, b := newTestEngine(t, r)
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	instance, err := e.Submit(ctx, "greet", []byte("world"))
	require.NoError(t, err)

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, instance.InstanceID, result.InstanceID)
	require.Equal(t, []byte("hello world"), result.Value)
	require.Empty(t, result.Err)

	events, err := b.GetAuditTrail(ctx, instance.InstanceID)
	require.NoError(t, err)
	requireTransitions(t, events,
		audit.TransitionCreated,
		audit.TransitionDispatched,
		audit.TransitionFinished,
	)
}

func Test_Engine_SuspendAndResume(t *testing.T) {
	tickets := make(chan string, 1)

	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("ask", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		if len(step.Responses) == 0 {
			ticket := workflow.NewTicket()
			tickets <- ticket
			return workflow.Suspend([]string{ticket}), nil
		}

		return workflow.Finish(step.Responses[0].Payload), nil
	}))

	e, b := newTestEngine(t, r)
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	instance, err := e.Submit(ctx, "ask", nil)
	require.NoError(t, err)

	var ticket string
	select {
	case ticket = <-tickets:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not suspend")
	}

	require.NoError(t, c.Deliver(ctx, ticket, []byte("answer"), ""))

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, instance.InstanceID, result.InstanceID)
	require.Equal(t, []byte("answer"), result.Value)

	events, err := b.GetAuditTrail(ctx, instance.InstanceID)
	require.NoError(t, err)
	requireTransitions(t, events,
		audit.TransitionCreated,
		audit.TransitionDispatched,
		audit.TransitionWait,
		audit.TransitionResume,
		audit.TransitionFinished,
	)
}

func Test_Engine_TimeoutForceResumes(t *testing.T) {
	tickets := make(chan string, 1)

	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("stale", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		if len(step.Responses) == 0 && !step.TimedOut {
			ticket := workflow.NewTicket()
			tickets <- ticket
			return workflow.Suspend([]string{ticket}, workflow.WithTimeout(20*time.Millisecond)), nil
		}

		if !step.TimedOut || !wferrors.IsTimeout(step.Cause) {
			return nil, errors.New("expected a timeout resumption")
		}

		return workflow.Finish([]byte("gave up")), nil
	}))

	e, b := newTestEngine(t, r)
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	instance, err := e.Submit(ctx, "stale", nil)
	require.NoError(t, err)

	var ticket string
	select {
	case ticket = <-tickets:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not suspend")
	}

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, instance.InstanceID, result.InstanceID)
	require.Equal(t, []byte("gave up"), result.Value)

	// The wait was force-resumed, so a late response finds no ticket
	require.NoError(t, c.Deliver(ctx, ticket, []byte("too late"), ""))
	require.Equal(t, int64(1), c.Discarded())

	events, err := b.GetAuditTrail(ctx, instance.InstanceID)
	require.NoError(t, err)
	requireTransitions(t, events,
		audit.TransitionCreated,
		audit.TransitionDispatched,
		audit.TransitionWait,
		audit.TransitionTimeout,
		audit.TransitionFinished,
	)
}

func Test_Engine_WorkflowErrorPurgesInstance(t *testing.T) {
	boom := errors.New("payment declined")

	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("failing", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return nil, boom
	}))

	e, b := newTestEngine(t, r)
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	instance, err := e.Submit(ctx, "failing", nil)
	require.NoError(t, err)

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, instance.InstanceID, result.InstanceID)
	require.Equal(t, boom.Error(), result.Err)

	// Instance row is purged, the audit trail survives
	_, err = b.GetInstance(ctx, instance.InstanceID)
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)

	events, err := b.GetAuditTrail(ctx, instance.InstanceID)
	require.NoError(t, err)
	requireTransitions(t, events,
		audit.TransitionCreated,
		audit.TransitionDispatched,
		audit.TransitionError,
	)
}

func Test_Engine_WorkflowErrorRetainsInstance(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("failing", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Fail(errors.New("payment declined")), nil
	}))

	e, b := newTestEngine(t, r, backend.WithKeepInstanceOnError(true))
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	instance, err := e.Submit(ctx, "failing", nil)
	require.NoError(t, err)

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	info, err := b.GetInstance(ctx, instance.InstanceID)
	require.NoError(t, err)
	require.Equal(t, instance.InstanceID, info.Instance.InstanceID)
	require.True(t, info.State.Final())
}

func Test_Engine_SubmitAfterStop(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("noop", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(nil), nil
	}))

	e, b := newTestEngine(t, r)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.Equal(t, StateStarted, e.State())

	e.Stop()
	require.Equal(t, StateStopped, e.State())
	require.Equal(t, int64(0), e.InstanceCount())

	_, err := e.Submit(ctx, "noop", nil)
	require.ErrorIs(t, err, ErrStopping)

	// Rejected submissions leave no trace in the store
	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.ActiveInstances)
}

func Test_Engine_Restart(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("noop", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(nil), nil
	}))

	e, b := newTestEngine(t, r)
	c := newTestCorrelator(t, b)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	e.Stop()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	require.Equal(t, StateStarted, e.State())

	_, err := e.Submit(ctx, "noop", nil)
	require.NoError(t, err)

	result, err := c.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
}

func Test_Engine_UnregisteredWorkflow(t *testing.T) {
	e, _ := newTestEngine(t, registry.New())

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.Submit(ctx, "unknown", nil)

	var notRegistered *registry.ErrWorkflowNotRegistered
	require.ErrorAs(t, err, &notRegistered)
}

func Test_Engine_Healthy(t *testing.T) {
	e, b := newTestEngine(t, registry.New())

	require.NoError(t, e.Healthy(context.Background()))

	b.Close()
	require.Error(t, e.Healthy(context.Background()))
}

func Test_Engine_MultiEngineProcessesAllInstances(t *testing.T) {
	const instances = 20

	r := registry.New()
	require.NoError(t, r.RegisterWorkflow("echo", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(step.Data), nil
	}))

	// Two engines, two store connections, one shared database
	path := filepath.Join(t.TempDir(), "persistflow.db")

	ctx := context.Background()
	engines := make([]*Engine, 2)
	for i := range engines {
		b := sqlite.NewSqliteBackend(path, sqlite.WithEngineName(fmt.Sprintf("engine-%d", i)))
		t.Cleanup(func() { b.Close() })

		engines[i] = New(b, r, WithPollers(1), WithPollingInterval(5*time.Millisecond), WithHeartbeatInterval(0))
		require.NoError(t, engines[i].Start(ctx))
		defer engines[i].Stop()
	}

	submitted := map[string]bool{}
	for i := 0; i < instances; i++ {
		instance, err := engines[i%2].Submit(ctx, "echo", []byte{byte(i)})
		require.NoError(t, err)
		submitted[instance.InstanceID] = true
	}

	pollBackend := sqlite.NewSqliteBackend(path)
	t.Cleanup(func() { pollBackend.Close() })
	c := newTestCorrelator(t, pollBackend)

	// Exactly one result per submitted instance, no duplicates
	seen := map[string]bool{}
	for i := 0; i < instances; i++ {
		result, err := c.Poll(ctx, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, result, "missing result %d of %d", i+1, instances)
		require.True(t, submitted[result.InstanceID], "result for unknown instance %s", result.InstanceID)
		require.False(t, seen[result.InstanceID], "duplicate result for %s", result.InstanceID)
		seen[result.InstanceID] = true
	}

	result, err := c.Poll(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, result)
}

func requireTransitions(t *testing.T, events []*audit.Event, expected ...audit.TransitionType) {
	t.Helper()

	types := make([]audit.TransitionType, len(events))
	for i, event := range events {
		types[i] = event.Type
		require.Equal(t, int64(i+1), event.SeqNr)
	}

	require.Equal(t, expected, types)
}
