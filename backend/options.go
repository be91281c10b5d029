package backend

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	mi "github.com/persistflow/persistflow/internal/metrics"
	"github.com/persistflow/persistflow/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// DefaultTimeout is the stale-wait timeout applied to suspensions that
	// do not carry their own override. After this much time without a
	// response the wait is force-resumed with a timeout error.
	DefaultTimeout time.Duration

	// LockTimeout determines how long a claimed task may be held without a
	// heartbeat. If the task is not completed or extended by then, it is
	// considered abandoned and another engine may claim the instance.
	LockTimeout time.Duration

	// CompressAuditPayloads enables compression for newly written audit
	// payloads. Historical records decode under either setting; the stored
	// format self-identifies.
	CompressAuditPayloads bool

	// KeepInstanceOnError retains the instance row after a failure instead
	// of purging it, for later inspection. The audit trail is retained
	// either way.
	KeepInstanceOnError bool
}

var DefaultOptions Options = Options{
	DefaultTimeout: time.Hour,
	LockTimeout:    time.Minute,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// WithDefaultTimeout sets the default stale-wait timeout.
//
// Timeouts are detected by polling, so the effective latency of a timeout is
// this deadline plus the engine's polling interval.
func WithDefaultTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.DefaultTimeout = timeout
	}
}

func WithLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func WithAuditCompression(enabled bool) BackendOption {
	return func(o *Options) {
		o.CompressAuditPayloads = enabled
	}
}

func WithKeepInstanceOnError(keep bool) BackendOption {
	return func(o *Options) {
		o.KeepInstanceOnError = keep
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return options
}
