package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	wf "github.com/persistflow/persistflow/workflow"
)

func noop(ctx context.Context, step *wf.Step) (wf.Directive, error) {
	return wf.Finish(nil), nil
}

func Test_Registry(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterWorkflow("order", noop))

	handler, err := r.GetWorkflow("order")
	require.NoError(t, err)
	require.NotNil(t, handler)
}

func Test_Registry_DuplicateName(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterWorkflow("order", noop))

	err := r.RegisterWorkflow("order", noop)
	var dup *ErrWorkflowAlreadyRegistered
	require.ErrorAs(t, err, &dup)
}

func Test_Registry_NotRegistered(t *testing.T) {
	r := New()

	_, err := r.GetWorkflow("missing")
	var missing *ErrWorkflowNotRegistered
	require.ErrorAs(t, err, &missing)
}

func Test_Registry_Invalid(t *testing.T) {
	r := New()

	var invalid *ErrInvalidWorkflow
	require.ErrorAs(t, r.RegisterWorkflow("", noop), &invalid)
	require.ErrorAs(t, r.RegisterWorkflow("order", nil), &invalid)
}
