package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/audit"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/internal/log"
	"github.com/persistflow/persistflow/internal/metrickeys"
	"github.com/persistflow/persistflow/metrics"
)

// Client submits and inspects workflow instances. It talks to the store
// directly and does not require a running engine in the same process.
type Client struct {
	backend backend.Backend
	clock   clock.Clock
}

func New(backend backend.Backend) *Client {
	return &Client{
		backend: backend,
		clock:   clock.New(),
	}
}

type SubmitOption func(*submitOptions)

type submitOptions struct {
	instanceID string
}

// WithInstanceID fixes the instance id instead of generating one. Submitting
// the same id twice returns backend.ErrInstanceAlreadyExists.
func WithInstanceID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.instanceID = id
	}
}

// Submit creates a new instance of the given workflow with the given initial
// data and makes it claimable by any engine running against the store.
func (c *Client) Submit(ctx context.Context, workflowName string, data []byte, opts ...SubmitOption) (*core.WorkflowInstance, error) {
	var options submitOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.instanceID == "" {
		options.instanceID = uuid.NewString()
	}

	instance := core.NewWorkflowInstance(options.instanceID, workflowName)

	ctx, span := c.backend.Tracer().Start(ctx, fmt.Sprintf("Submit: %s", workflowName), trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instance.InstanceID),
		attribute.String(log.WorkflowNameKey, workflowName),
	))
	defer span.End()

	if err := c.backend.CreateInstance(ctx, instance, data); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating workflow instance: %w", err)
	}

	c.backend.Options().Logger.DebugContext(
		ctx,
		"Created workflow instance",
		log.InstanceIDKey, instance.InstanceID,
		log.WorkflowNameKey, workflowName,
	)

	c.backend.Metrics().Counter(metrickeys.InstanceCreated, metrics.Tags{metrickeys.WorkflowName: workflowName}, 1)

	return instance, nil
}

// GetInstance returns a snapshot of the given instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*core.InstanceInfo, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "GetInstance", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	return c.backend.GetInstance(ctx, instanceID)
}

// GetAuditTrail returns the instance's committed transitions in order.
func (c *Client) GetAuditTrail(ctx context.Context, instanceID string) ([]*audit.Event, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "GetAuditTrail", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	return c.backend.GetAuditTrail(ctx, instanceID)
}

// RemoveInstance purges a terminal instance row. The audit trail remains.
func (c *Client) RemoveInstance(ctx context.Context, instanceID string) error {
	ctx, span := c.backend.Tracer().Start(ctx, "RemoveInstance", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	return c.backend.RemoveInstance(ctx, instanceID)
}

// WaitForInstance waits until the given instance reaches a terminal state or
// the timeout expires. Note that a purged instance is indistinguishable from
// one that never existed, so with error retention disabled a failed instance
// surfaces as backend.ErrInstanceNotFound here.
func (c *Client) WaitForInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	ctx, span := c.backend.Tracer().Start(ctx, "WaitForInstance", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		info, err := c.backend.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("getting workflow instance: %w", err)
		}

		if info.State.Final() {
			return nil
		}
	}

	return errors.New("workflow instance did not finish in specified timeout")
}
