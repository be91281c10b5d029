package engine

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Options struct {
	// Pollers is the number of pollers to start. Defaults to 2.
	Pollers int

	// PollingInterval is the interval between polls for runnable instances
	// and due timeouts. Timeouts are detected by polling only, so this
	// interval bounds the extra latency of a timeout resumption; lowering it
	// trades store load for latency.
	PollingInterval time.Duration

	// MaxParallelTasks limits the number of tasks processed concurrently.
	// Defaults to 0 which is no limit.
	MaxParallelTasks int

	// HeartbeatInterval is the interval between lock extensions while a task
	// is executing. Defaults to 25 seconds.
	HeartbeatInterval time.Duration

	// ClaimBatchSize is the maximum number of tasks claimed per poll.
	ClaimBatchSize int

	Clock clock.Clock
}

var DefaultOptions = Options{
	Pollers:           2,
	PollingInterval:   200 * time.Millisecond,
	MaxParallelTasks:  0,
	HeartbeatInterval: 25 * time.Second,
	ClaimBatchSize:    10,
}

type Option func(*Options)

func WithPollers(n int) Option {
	return func(o *Options) {
		o.Pollers = n
	}
}

func WithPollingInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollingInterval = interval
	}
}

func WithMaxParallelTasks(n int) Option {
	return func(o *Options) {
		o.MaxParallelTasks = n
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatInterval = interval
	}
}

func WithClaimBatchSize(n int) Option {
	return func(o *Options) {
		o.ClaimBatchSize = n
	}
}

// WithClock injects the time source, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func applyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &options
}
