package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/sqlite"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/workflow"
)

func setup(t *testing.T) (*Client, backend.Backend) {
	t.Helper()

	b := sqlite.NewInMemoryBackend()
	t.Cleanup(func() { b.Close() })

	return New(b), b
}

func Test_Submit(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	instance, err := c.Submit(ctx, "order", []byte("data"))
	require.NoError(t, err)
	require.NotEmpty(t, instance.InstanceID)
	require.Equal(t, "order", instance.WorkflowName)

	info, err := b.GetInstance(ctx, instance.InstanceID)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateNew, info.State)
}

func Test_Submit_FixedInstanceID(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	instance, err := c.Submit(ctx, "order", nil, WithInstanceID("order-1"))
	require.NoError(t, err)
	require.Equal(t, "order-1", instance.InstanceID)

	_, err = c.Submit(ctx, "order", nil, WithInstanceID("order-1"))
	require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)
}

func Test_GetInstance_NotFound(t *testing.T) {
	c, _ := setup(t)

	_, err := c.GetInstance(context.Background(), "missing")
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)
}

func Test_WaitForInstance(t *testing.T) {
	c, b := setup(t)
	ctx := context.Background()

	instance, err := c.Submit(ctx, "order", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForInstance(ctx, instance.InstanceID, 5*time.Second)
	}()

	tasks, err := b.ClaimRunnable(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, b.CompleteTask(ctx, tasks[0], workflow.Finish(nil)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("WaitForInstance did not return")
	}
}
