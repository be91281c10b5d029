package mysql

import (
	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/sqltx"
)

type options struct {
	*backend.Options

	// EngineName identifies this engine in claim locks. If not set, a
	// random name is generated.
	EngineName string

	// Tx configures the retrying transaction used for all mutations.
	Tx sqltx.Options
}

type option func(*options)

// WithEngineName sets the engine identity used when claiming instances.
// Engines sharing one store must use distinct names.
func WithEngineName(name string) option {
	return func(o *options) {
		o.EngineName = name
	}
}

// WithConnectionInitializer adds a hook that runs against every acquired
// connection, for vendor- or deployment-specific session settings.
func WithConnectionInitializer(init sqltx.ConnectionInitializer) option {
	return func(o *options) {
		o.Tx.Initializers = append(o.Tx.Initializers, init)
	}
}

// WithTransactionOptions overrides the retry policy for database work.
func WithTransactionOptions(tx sqltx.Options) option {
	return func(o *options) {
		inits := o.Tx.Initializers
		o.Tx = tx
		o.Tx.Initializers = append(inits, tx.Initializers...)
	}
}

// WithBackendOptions allows to pass generic backend options.
func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
