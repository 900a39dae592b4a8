package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize         = 10
	DefaultWaitTime          = 20 * time.Second
	DefaultNetworkRetryDelay = 30 * time.Second
	DefaultFailureRetryDelay = 60 * time.Second
	DefaultMaxUptime         = 60 * time.Second
	DefaultDedupRetention    = 7 * 24 * time.Hour

	messageProcessingTimeout = 10 * time.Second
	dedupCleanupInterval     = time.Hour
)

type PollerConfig struct {
	Policy            LifecyclePolicy
	BatchSize         int32
	WaitTime          time.Duration
	NetworkRetryDelay time.Duration
	FailureRetryDelay time.Duration
	Workers           int
	DedupRetention    time.Duration
}

func (c *PollerConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTime < 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.NetworkRetryDelay <= 0 {
		c.NetworkRetryDelay = DefaultNetworkRetryDelay
	}
	if c.FailureRetryDelay <= 0 {
		c.FailureRetryDelay = DefaultFailureRetryDelay
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = DefaultDedupRetention
	}
}

// Poller drives the queue: fetch a batch, route and emit each message,
// delete it, then decide whether to keep going.
type Poller struct {
	config     PollerConfig
	queue      Queue
	router     *Router
	events     Sink
	compliance Sink
	dedupStore DeduplicationStore
	metrics    *Metrics
	pool       *WorkerPool
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type PollerOption func(*Poller)

func WithDeduplication(store DeduplicationStore) PollerOption {
	return func(p *Poller) {
		p.dedupStore = store
	}
}

func WithMetrics(m *Metrics) PollerOption {
	return func(p *Poller) {
		p.metrics = m
	}
}

func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

func NewPoller(config PollerConfig, queue Queue, router *Router, events, compliance Sink, logger zerolog.Logger, opts ...PollerOption) *Poller {
	config.setDefaults()

	p := &Poller{
		config:     config,
		queue:      queue,
		router:     router,
		events:     events,
		compliance: compliance,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics()
	}
	if config.Workers > 1 {
		p.pool = NewWorkerPool(config.Workers, p.processMessage, logger)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until the lifecycle policy says stop or ctx is cancelled, and
// returns why it stopped. Choosing the process exit code is up to the caller.
func (p *Poller) Run(ctx context.Context) ExitReason {
	state := LoopState{Start: p.now()}
	iterations := 0
	processed := 0

	if p.dedupStore != nil {
		cleanupCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go p.cleanupDeduplicationStore(cleanupCtx)
	}

	p.logger.Info().
		Str("policy", p.config.Policy.String()).
		Int32("batch_size", p.config.BatchSize).
		Dur("wait_time", p.config.WaitTime).
		Msg("Starting poll loop")

	reason := ExitInterrupted
	for {
		if ctx.Err() != nil {
			break
		}
		iterations++

		batch, err := p.queue.Fetch(ctx, p.config.BatchSize, int32(p.config.WaitTime/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if p.retryDelay(ctx, err) != nil {
				break
			}
			continue
		}

		state.LastBatchSize = len(batch)
		p.metrics.batchSize.Observe(float64(len(batch)))
		p.metrics.messagesFetched.Add(float64(len(batch)))
		p.logger.Debug().Int("count", len(batch)).Msg("Received messages from SQS")

		p.processBatch(ctx, batch)
		processed += len(batch)

		if exit, why := p.config.Policy.ShouldExit(state, p.now()); exit {
			reason = why
			break
		}
	}

	p.logger.Info().
		Str("reason", reason.String()).
		Int("iterations", iterations).
		Int("processed", processed).
		Dur("uptime", p.now().Sub(state.Start)).
		Msg("Poll loop finished")

	return reason
}

// retryDelay waits out a failed fetch. Failed fetches never count as an
// empty batch.
func (p *Poller) retryDelay(ctx context.Context, err error) error {
	kind := KindOf(err)
	p.metrics.fetchErrors.WithLabelValues(kind.String()).Inc()

	switch kind {
	case KindNetworkUnreachable:
		p.logger.Warn().Err(err).Dur("retry_in", p.config.NetworkRetryDelay).Msg("Network unreachable, will retry")
		return p.sleep(ctx, p.config.NetworkRetryDelay)
	default:
		p.logger.Error().Err(err).Dur("retry_in", p.config.FailureRetryDelay).Msg("Unexpected error receiving messages, will retry")
		return p.sleep(ctx, p.config.FailureRetryDelay)
	}
}

// processBatch finishes the whole batch even if ctx is cancelled part way, so
// every fetched message still gets its delete.
func (p *Poller) processBatch(ctx context.Context, batch []RawMessage) {
	if len(batch) == 0 {
		return
	}

	batchCtx := context.WithoutCancel(ctx)
	if p.pool != nil {
		p.pool.RunBatch(batchCtx, batch)
		return
	}
	for _, msg := range batch {
		p.processMessage(batchCtx, msg)
	}
}

// processMessage routes, emits and then always deletes.
func (p *Poller) processMessage(ctx context.Context, msg RawMessage) {
	processingCtx, cancel := context.WithTimeout(ctx, messageProcessingTimeout)
	defer cancel()

	ml := p.logger.With().Str("message_id", msg.ID).Logger()
	defer p.deleteMessage(processingCtx, msg, ml)

	// a panicking sink must not take the delete or the loop down with it
	defer func() {
		if r := recover(); r != nil {
			ml.Error().Interface("panic", r).Msg("Recovered from panic while processing message")
		}
	}()

	route := p.router.Route(msg)
	p.metrics.messagesRouted.WithLabelValues(route.Decision.String()).Inc()

	if route.Decision == DecisionError {
		ml.Warn().Msg("Failed to decode message, emitting as error")
	}

	if p.isDuplicate(processingCtx, msg, ml) {
		return
	}

	sinkName, sink := p.sinkFor(route.Decision)
	if err := sink.Emit(processingCtx, route.Severity, route.Payload); err != nil {
		p.metrics.sinkFailures.WithLabelValues(sinkName).Inc()
		ml.Error().Err(err).Str("sink", sinkName).Msg("Failed to emit message")
		return
	}

	if p.dedupStore != nil && msg.ID != "" {
		if err := p.dedupStore.MarkProcessed(processingCtx, msg.ID, route.Decision.String()); err != nil {
			ml.Error().Err(err).Msg("Failed to mark message as processed")
		}
	}

	ml.Debug().Str("decision", route.Decision.String()).Msg("Message emitted")
}

func (p *Poller) isDuplicate(ctx context.Context, msg RawMessage, ml zerolog.Logger) bool {
	if p.dedupStore == nil || msg.ID == "" {
		return false
	}
	seen, err := p.dedupStore.IsProcessed(ctx, msg.ID)
	if err != nil {
		ml.Error().Err(err).Msg("Failed to check if message was processed")
		return false
	}
	if seen {
		p.metrics.duplicatesSkipped.Inc()
		ml.Info().Msg("Duplicate delivery detected, skipping emit")
	}
	return seen
}

func (p *Poller) sinkFor(decision RoutingDecision) (string, Sink) {
	if decision == DecisionCompliance {
		return "compliance", p.compliance
	}
	return "event", p.events
}

func (p *Poller) deleteMessage(ctx context.Context, msg RawMessage, ml zerolog.Logger) {
	if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		p.metrics.deleteFailures.Inc()
		ml.Error().Err(err).Msg("Failed to delete message from SQS")
		return
	}
	p.metrics.messagesDeleted.Inc()
	ml.Debug().Msg("Message deleted from SQS")
}

func (p *Poller) cleanupDeduplicationStore(ctx context.Context) {
	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.dedupStore.Cleanup(ctx, p.config.DedupRetention); err != nil {
				p.logger.Error().Err(err).Msg("Failed to cleanup deduplication store")
			} else {
				p.logger.Debug().Msg("Cleaned up old deduplication entries")
			}
		case <-ctx.Done():
			return
		}
	}
}
