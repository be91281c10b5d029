// Package registry maps workflow names to their step handlers.
package registry

import (
	"fmt"
	"sync"

	wf "github.com/persistflow/persistflow/workflow"
)

type ErrInvalidWorkflow struct {
	message string
}

func (e *ErrInvalidWorkflow) Error() string {
	return e.message
}

type ErrWorkflowAlreadyRegistered struct {
	message string
}

func (e *ErrWorkflowAlreadyRegistered) Error() string {
	return e.message
}

type ErrWorkflowNotRegistered struct {
	message string
}

func (e *ErrWorkflowNotRegistered) Error() string {
	return e.message
}

type Registry struct {
	sync.Mutex

	workflowMap map[string]wf.Handler
}

// New creates a new registry instance.
func New() *Registry {
	return &Registry{
		workflowMap: make(map[string]wf.Handler),
	}
}

// RegisterWorkflow registers the handler under the given name.
func (r *Registry) RegisterWorkflow(name string, handler wf.Handler) error {
	if name == "" {
		return &ErrInvalidWorkflow{"workflow name must not be empty"}
	}

	if handler == nil {
		return &ErrInvalidWorkflow{"workflow handler must not be nil"}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.workflowMap[name]; ok {
		return &ErrWorkflowAlreadyRegistered{fmt.Sprintf("workflow with name %q already registered", name)}
	}
	r.workflowMap[name] = handler

	return nil
}

// GetWorkflow returns the handler registered under the given name.
func (r *Registry) GetWorkflow(name string) (wf.Handler, error) {
	r.Lock()
	defer r.Unlock()

	handler, ok := r.workflowMap[name]
	if !ok {
		return nil, &ErrWorkflowNotRegistered{fmt.Sprintf("workflow with name %q not registered", name)}
	}

	return handler, nil
}
