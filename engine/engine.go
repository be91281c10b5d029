// Package engine implements the processing loop that advances workflow
// instances: claiming runnable instances and due timeouts from the store,
// executing the registered workflow logic, and checkpointing the outcome.
//
// Multiple engines may run against the same store. The store's claim
// operations are the sole coordination mechanism between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/client"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/internal/log"
	"github.com/persistflow/persistflow/internal/metrickeys"
	"github.com/persistflow/persistflow/internal/wferrors"
	"github.com/persistflow/persistflow/metrics"
	"github.com/persistflow/persistflow/registry"
	"github.com/persistflow/persistflow/workflow"
)

// ErrStopping is returned by Submit when the engine is not accepting new
// work. The submission has no side effects in that case.
var ErrStopping = errors.New("engine is stopping or stopped")

type State int32

const (
	StateStopped State = iota
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	}

	return "Unknown"
}

type Engine struct {
	backend  backend.Backend
	registry *registry.Registry
	client   *client.Client
	options  *Options

	logger  *slog.Logger
	metrics metrics.Client

	mu             sync.Mutex
	state          atomic.Int32
	cancel         context.CancelFunc
	taskQueue      chan *backend.Task
	pollersWg      sync.WaitGroup
	dispatcherDone chan struct{}

	inFlight atomic.Int64
}

// New creates an engine processing the workflows registered in r against the
// given store. The engine does not poll until Start is called.
func New(b backend.Backend, r *registry.Registry, opts ...Option) *Engine {
	return &Engine{
		backend:  b,
		registry: r,
		client:   client.New(b),
		options:  applyOptions(opts...),
		logger:   b.Options().Logger,
		metrics:  b.Metrics(),
	}
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// InstanceCount returns the number of instances this engine currently owns.
// It is zero once the engine has stopped.
func (e *Engine) InstanceCount() int64 {
	return e.inFlight.Load()
}

// Healthy reports whether the engine can reach its store. The check runs on
// demand and is never cached.
func (e *Engine) Healthy(ctx context.Context) error {
	return e.backend.Ping(ctx)
}

// Start begins claiming and processing instances. A stopped engine may be
// started again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if State(e.state.Load()) != StateStopped {
		return fmt.Errorf("engine is already started")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.taskQueue = make(chan *backend.Task)
	e.dispatcherDone = make(chan struct{}, 1)

	e.pollersWg.Add(e.options.Pollers)
	for i := 0; i < e.options.Pollers; i++ {
		go e.poller(pollCtx)
	}

	go e.dispatcher(e.taskQueue, e.dispatcherDone)

	e.state.Store(int32(StateStarted))

	return nil
}

// Stop drains the engine: no new instances are claimed, in-flight tasks run
// to their next suspension or terminal point.
func (e *Engine) Stop() {
	e.mu.Lock()
	if State(e.state.Load()) != StateStarted {
		e.mu.Unlock()
		return
	}

	e.state.Store(int32(StateStopping))
	e.cancel()
	e.mu.Unlock()

	e.pollersWg.Wait()

	close(e.taskQueue)
	<-e.dispatcherDone

	e.state.Store(int32(StateStopped))
}

// Submit creates a new instance of the given workflow. The workflow must be
// registered with this engine's registry; any engine on the same store may
// end up processing it.
func (e *Engine) Submit(ctx context.Context, workflowName string, data []byte, opts ...client.SubmitOption) (*core.WorkflowInstance, error) {
	if e.State() != StateStarted {
		return nil, ErrStopping
	}

	if _, err := e.registry.GetWorkflow(workflowName); err != nil {
		return nil, err
	}

	return e.client.Submit(ctx, workflowName, data, opts...)
}

func (e *Engine) poller(ctx context.Context) {
	defer e.pollersWg.Done()

	ticker := e.options.Clock.Ticker(e.options.PollingInterval)
	defer ticker.Stop()

	for {
		claimed, err := e.poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.ErrorContext(ctx, "polling for tasks", log.ErrorKey, err)
		} else if claimed {
			// Check for more work right away
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) poll(ctx context.Context) (bool, error) {
	now := e.options.Clock.Now()

	tasks, err := e.backend.ClaimRunnable(ctx, now, e.options.ClaimBatchSize)
	if err != nil {
		return false, fmt.Errorf("claiming runnable instances: %w", err)
	}

	for _, task := range tasks {
		e.metrics.Counter(metrickeys.TaskClaimed, metrics.Tags{}, 1)
		e.enqueue(task)
	}

	due, err := e.backend.ClaimDueTimeouts(ctx, now, e.options.ClaimBatchSize)
	if err != nil {
		return len(tasks) > 0, fmt.Errorf("claiming due timeouts: %w", err)
	}

	for _, task := range due {
		e.metrics.Counter(metrickeys.TimeoutClaimed, metrics.Tags{}, 1)
		e.enqueue(task)
	}

	return len(tasks)+len(due) > 0, nil
}

func (e *Engine) enqueue(task *backend.Task) {
	e.inFlight.Add(1)
	e.taskQueue <- task
}

func (e *Engine) dispatcher(taskQueue <-chan *backend.Task, done chan<- struct{}) {
	var sem chan struct{}
	if e.options.MaxParallelTasks > 0 {
		sem = make(chan struct{}, e.options.MaxParallelTasks)
	}

	var wg sync.WaitGroup

	for task := range taskQueue {
		if sem != nil {
			sem <- struct{}{}
		}

		wg.Add(1)

		task := task
		go func() {
			defer wg.Done()

			// Fresh context so that in-flight tasks complete during shutdown
			e.handle(context.Background(), task)

			if sem != nil {
				<-sem
			}
		}()
	}

	wg.Wait()

	done <- struct{}{}
}

func (e *Engine) handle(ctx context.Context, task *backend.Task) {
	defer e.inFlight.Add(-1)

	if e.options.HeartbeatInterval > 0 {
		heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
		defer cancelHeartbeat()
		go e.heartbeat(heartbeatCtx, task)
	}

	timer := metrics.Timer(e.metrics, metrickeys.TaskProcessed, metrics.Tags{metrickeys.WorkflowName: task.Instance.WorkflowName})
	directive := e.execute(ctx, task)
	timer.Stop()

	e.complete(ctx, task, directive)
}

// execute runs one step of workflow logic. Handler failures become a fail
// directive; they never escape the engine.
func (e *Engine) execute(ctx context.Context, task *backend.Task) (directive workflow.Directive) {
	defer func() {
		if r := recover(); r != nil {
			directive = workflow.Fail(fmt.Errorf("workflow panicked: %v", r))
		}
	}()

	handler, err := e.registry.GetWorkflow(task.Instance.WorkflowName)
	if err != nil {
		return workflow.Fail(fmt.Errorf("resolving workflow %q: %w", task.Instance.WorkflowName, err))
	}

	step := &workflow.Step{
		Instance:  task.Instance,
		Data:      task.Data,
		Responses: task.Responses,
		TimedOut:  task.TimedOut,
	}

	if task.TimedOut && task.Deadline != nil {
		step.Cause = &wferrors.TimeoutError{Deadline: *task.Deadline}
	}

	directive, err = handler(ctx, step)
	if err != nil {
		return workflow.Fail(err)
	}

	if directive == nil {
		return workflow.Fail(errors.New("workflow returned no directive"))
	}

	return directive
}

func (e *Engine) complete(ctx context.Context, task *backend.Task, directive workflow.Directive) {
	err := e.backend.CompleteTask(ctx, task, directive)
	if err == nil {
		switch directive.(type) {
		case *workflow.SuspendDirective:
			e.metrics.Counter(metrickeys.InstanceSuspended, metrics.Tags{}, 1)
		case *workflow.FinishDirective:
			e.metrics.Counter(metrickeys.InstanceFinished, metrics.Tags{}, 1)
		case *workflow.FailDirective:
			e.metrics.Counter(metrickeys.InstanceErrored, metrics.Tags{}, 1)
		}

		return
	}

	if errors.Is(err, backend.ErrTaskNotLocked) {
		// Our lock expired and another engine claimed the instance; it will
		// advance the instance, our outcome is discarded.
		e.logger.WarnContext(ctx, "lost task lock, dropping outcome",
			log.InstanceIDKey, task.Instance.InstanceID,
			log.ErrorKey, err,
		)
		return
	}

	// Persistence failed for good. Try to park the instance in the error
	// state so it is not silently lost.
	e.logger.ErrorContext(ctx, "checkpointing workflow step failed",
		log.InstanceIDKey, task.Instance.InstanceID,
		log.ErrorKey, err,
	)
	e.metrics.Counter(metrickeys.TransactionExhausted, metrics.Tags{}, 1)

	if _, ok := directive.(*workflow.FailDirective); ok {
		return
	}

	if ferr := e.backend.CompleteTask(ctx, task, workflow.Fail(err)); ferr != nil {
		e.logger.ErrorContext(ctx, "marking workflow instance as errored failed",
			log.InstanceIDKey, task.Instance.InstanceID,
			log.ErrorKey, ferr,
		)
	} else {
		e.metrics.Counter(metrickeys.InstanceErrored, metrics.Tags{}, 1)
	}
}

func (e *Engine) heartbeat(ctx context.Context, task *backend.Task) {
	ticker := e.options.Clock.Ticker(e.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.backend.ExtendTask(ctx, task); err != nil {
				e.logger.ErrorContext(ctx, "could not extend task lock",
					log.InstanceIDKey, task.Instance.InstanceID,
					log.ErrorKey, err,
				)
			}
		}
	}
}
