// Package correlator is the backchannel between external responders and
// suspended workflow instances: responses keyed by correlation ticket are
// routed to the owning instance, and terminal workflow results are handed
// out to pollers exactly once.
package correlator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/internal/log"
	"github.com/persistflow/persistflow/internal/metrickeys"
	"github.com/persistflow/persistflow/metrics"
	"github.com/persistflow/persistflow/workflow"
)

type Options struct {
	// PollInterval is the store polling interval used by Poll while waiting
	// for a result.
	PollInterval time.Duration

	// ConsumedTicketTTL determines how long consumed tickets are remembered
	// to tell duplicate deliveries apart from responses to tickets that
	// never existed. Accounting only; delivery semantics do not depend on
	// this cache.
	ConsumedTicketTTL time.Duration

	// ConsumedTicketCapacity caps the consumed-ticket cache.
	ConsumedTicketCapacity uint64

	Clock clock.Clock
}

var DefaultOptions = Options{
	PollInterval:           50 * time.Millisecond,
	ConsumedTicketTTL:      5 * time.Minute,
	ConsumedTicketCapacity: 10_000,
}

type Option func(*Options)

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = interval
	}
}

func WithConsumedTicketTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.ConsumedTicketTTL = ttl
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

type Correlator struct {
	backend backend.Backend
	options *Options

	logger  *slog.Logger
	metrics metrics.Client

	consumed  *ttlcache.Cache[string, struct{}]
	discarded atomic.Int64
}

func New(b backend.Backend, opts ...Option) *Correlator {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	consumed := ttlcache.New(
		ttlcache.WithCapacity[string, struct{}](options.ConsumedTicketCapacity),
		ttlcache.WithTTL[string, struct{}](options.ConsumedTicketTTL),
	)

	go consumed.Start()

	return &Correlator{
		backend:  b,
		options:  &options,
		logger:   b.Options().Logger,
		metrics:  b.Metrics(),
		consumed: consumed,
	}
}

func (c *Correlator) Close() {
	c.consumed.Stop()
}

// Deliver routes a response to the instance waiting on the given ticket.
//
// Delivery is fire-and-forget from the responder's perspective: a ticket
// nobody waits on, whether a duplicate delivery or one invalidated by a
// timeout, discards the response without error. Only a store failure is
// returned.
func (c *Correlator) Deliver(ctx context.Context, ticket string, payload []byte, errMsg string) error {
	response := &workflow.Response{
		ID:         uuid.NewString(),
		Ticket:     ticket,
		Payload:    payload,
		Err:        errMsg,
		ReceivedAt: c.options.Clock.Now(),
	}

	instanceID, err := c.backend.ResumeOnTicket(ctx, ticket, response)
	if err != nil {
		if errors.Is(err, backend.ErrTicketNotFound) {
			c.discard(ctx, ticket)
			return nil
		}

		return err
	}

	c.consumed.Set(ticket, struct{}{}, ttlcache.DefaultTTL)

	c.logger.DebugContext(ctx, "Correlated response",
		log.TicketKey, ticket,
		log.ResponseIDKey, response.ID,
		log.InstanceIDKey, instanceID,
	)
	c.metrics.Counter(metrickeys.ResponseCorrelated, metrics.Tags{}, 1)

	return nil
}

func (c *Correlator) discard(ctx context.Context, ticket string) {
	c.discarded.Add(1)
	c.metrics.Counter(metrickeys.ResponseDiscarded, metrics.Tags{}, 1)

	if c.consumed.Has(ticket) {
		c.logger.InfoContext(ctx, "Discarding duplicate response", log.TicketKey, ticket)
	} else {
		c.logger.InfoContext(ctx, "Discarding response for unknown ticket", log.TicketKey, ticket)
	}
}

// Discarded returns the number of responses discarded so far.
func (c *Correlator) Discarded() int64 {
	return c.discarded.Load()
}

// Poll takes one terminal workflow result, waiting up to wait for one to
// become available. It returns nil when none is ready in time. Every result
// is delivered to exactly one poller, also across processes.
func (c *Correlator) Poll(ctx context.Context, wait time.Duration) (*core.WorkflowResult, error) {
	deadline := c.options.Clock.Now().Add(wait)

	for {
		result, err := c.backend.TakeResult(ctx)
		if err != nil {
			return nil, err
		}

		if result != nil {
			return result, nil
		}

		if !c.options.Clock.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.options.Clock.After(c.options.PollInterval):
		}
	}
}
