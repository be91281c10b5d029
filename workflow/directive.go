package workflow

import "time"

// Directive is the outcome of one workflow step. Exactly one of the
// constructors below produces a Directive; the engine persists the
// corresponding transition atomically with its audit event.
type Directive interface {
	directive()
}

// SuspendDirective suspends the instance until all tickets are answered or
// the deadline passes.
type SuspendDirective struct {
	// Tickets are the correlation tickets to wait on. Must not be empty.
	Tickets []string

	// Timeout overrides the engine's default stale-wait timeout for this
	// wait when set.
	Timeout *time.Duration

	// Data replaces the instance payload before suspending.
	Data []byte
}

// ContinueDirective keeps the instance runnable with updated data; it will
// be dispatched again.
type ContinueDirective struct {
	Data []byte
}

// FinishDirective completes the instance with a result.
type FinishDirective struct {
	Result []byte
}

// FailDirective terminates the instance with an error.
type FailDirective struct {
	Err error
}

func (*SuspendDirective) directive()  {}
func (*ContinueDirective) directive() {}
func (*FinishDirective) directive()   {}
func (*FailDirective) directive()     {}

type SuspendOption func(*SuspendDirective)

// WithTimeout overrides the default stale-wait timeout for this suspension.
func WithTimeout(d time.Duration) SuspendOption {
	return func(s *SuspendDirective) {
		s.Timeout = &d
	}
}

// WithData replaces the instance payload before suspending.
func WithData(data []byte) SuspendOption {
	return func(s *SuspendDirective) {
		s.Data = data
	}
}

// Suspend suspends the instance on the given tickets.
func Suspend(tickets []string, opts ...SuspendOption) Directive {
	s := &SuspendDirective{Tickets: tickets}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Continue keeps the instance runnable with updated data.
func Continue(data []byte) Directive {
	return &ContinueDirective{Data: data}
}

// Finish completes the instance with the given result.
func Finish(result []byte) Directive {
	return &FinishDirective{Result: result}
}

// Fail terminates the instance with the given error.
func Fail(err error) Directive {
	return &FailDirective{Err: err}
}
