package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/otelutil"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

// Dispatcher polls the outbox table and publishes claimed events to a Broker.
//
// It runs as a single background loop per process; multiple replicas may run
// against the same table because claiming is atomic on the repository side.
type Dispatcher struct {
	repo   OutboxRepository
	router *TopicRouter
	broker Broker
	logger libLog.Logger
	tracer trace.Tracer
	cfg    DispatcherConfig

	claimFailures   int
	claimFailuresMu sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ relay.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed   int
	Published int
	Failed    int
	Exhausted int
	// StateUpdateFailed counts events accepted by the broker whose PUBLISHED
	// state could not be persisted; they will be redelivered.
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher over the given repository,
// router, and broker.
func NewDispatcher(
	repo OutboxRepository,
	router *TopicRouter,
	broker Broker,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrOutboxRepositoryRequired
	}

	if router == nil {
		return nil, ErrTopicRouterRequired
	}

	if nilcheck.Interface(broker) {
		return nil, ErrBrokerRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:   repo,
		router: router,
		broker: broker,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultDispatcherConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *relay.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *relay.Launcher) error {
	if dispatcher == nil {
		return ErrOutboxDispatcherRequired
	}

	if dispatcher.repo == nil || dispatcher.router == nil || dispatcher.broker == nil {
		return ErrOutboxDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrOutboxDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(
		ctx,
		dispatcher.logger,
		"outbox",
		"dispatcher_run",
	)

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.dispatchCycle(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.dispatchCycle(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) dispatchCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	result := dispatcher.DispatchOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.dispatch.claimed", result.Claimed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.exhausted", result.Exhausted),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox", "dispatcher_shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns the claimed count.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Claimed
}

// DispatchOnceResult processes one dispatch cycle and returns counters.
//
// Failures inside one event's publish attempt never abort the batch; they are
// recorded on the event itself (attempts, last_error, next retry schedule).
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if dispatcher.repo == nil || dispatcher.router == nil || dispatcher.broker == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	tracer := dispatcher.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	start := time.Now().UTC()

	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events := dispatcher.claimBatch(ctx, span, start)

	result := DispatchResult{Claimed: len(events)}

	dispatcher.recordClaimDepth(ctx, int64(len(events)))

	// Delivery semantics are at-least-once: publish happens before MarkPublished.
	// If state persistence fails after publish, consumers must remain idempotent.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		topic, err := dispatcher.router.Resolve(event.EventType)
		if err != nil {
			// An unmapped type is a deployment bug: retry cannot fix it
			// without a config change, so log loudly but keep retrying.
			logger.Log(
				ctx,
				libLog.LevelError,
				"outbox event type has no topic mapping; event stays queued until configuration is fixed",
				libLog.String("event_id", event.ID.String()),
				libLog.String("event_type", event.EventType),
			)
			dispatcher.handlePublishError(ctx, logger, event, err, &result)

			continue
		}

		if err := dispatcher.publishEvent(ctx, event, topic); err != nil {
			dispatcher.handlePublishError(ctx, logger, event, err, &result)

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				libLog.LevelError,
				"outbox event published to broker but failed to persist PUBLISHED state; event may be retried",
				libLog.String("event_id", event.ID.String()),
				libLog.String("error", sanitizeErrorForStorage(err)),
			)
			dispatcher.addStateUpdateFailure(ctx, 1)

			result.StateUpdateFailed++

			continue
		}

		dispatcher.addPublishedEvents(ctx, event.EventType, 1)
	}

	dispatcher.recordDispatchLatency(ctx, time.Since(start).Seconds())

	return result
}

// claimBatch reclaims expired PROCESSING leases, then atomically claims the
// next due batch of pending and retry-eligible events, oldest first.
func (dispatcher *Dispatcher) claimBatch(ctx context.Context, span trace.Span, now time.Time) []*OutboxEvent {
	logger := dispatcher.logger

	processingBefore := now.Add(-dispatcher.cfg.ProcessingTimeout)

	reclaimed, err := dispatcher.repo.ResetStuckProcessing(ctx, dispatcher.cfg.BatchSize, processingBefore)
	if err != nil {
		otelutil.HandleSpanError(span, "failed to reset stuck events", err)
		libLog.SafeError(logger, ctx, "failed to reset stuck events", err, false)
	} else if reclaimed > 0 {
		logger.Log(
			ctx,
			libLog.LevelWarn,
			"reclaimed stuck outbox events from expired processing leases",
			libLog.Int("count", reclaimed),
		)
	}

	events, err := dispatcher.repo.ClaimPending(ctx, dispatcher.cfg.BatchSize, now)
	if err != nil {
		dispatcher.handleClaimError(ctx, span, err)

		return nil
	}

	dispatcher.clearClaimFailures()

	return events
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, event *OutboxEvent, topic string) error {
	if event == nil {
		return ErrOutboxEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrOutboxEventPayloadRequired
	}

	publishCtx, cancel := context.WithTimeout(ctx, dispatcher.cfg.PublishTimeout)
	defer cancel()

	return dispatcher.broker.Publish(publishCtx, topic, event.PartitionKey(), event.Payload)
}

func (dispatcher *Dispatcher) handlePublishError(
	ctx context.Context,
	logger libLog.Logger,
	event *OutboxEvent,
	err error,
	result *DispatchResult,
) {
	attempts := event.Attempts + 1
	policy := dispatcher.cfg.RetryPolicy
	nextRetryAt := policy.NextRetryAt(time.Now().UTC(), attempts)

	result.Failed++

	if policy.IsExhausted(attempts) {
		result.Exhausted++

		dispatcher.addExhaustedEvents(ctx, event.EventType, 1)
		logger.Log(
			ctx,
			libLog.LevelError,
			"outbox event exhausted all dispatch attempts; operator intervention required",
			libLog.String("event_id", event.ID.String()),
			libLog.String("event_type", event.EventType),
			libLog.Int("attempts", attempts),
		)
	} else {
		logger.Log(
			ctx,
			libLog.LevelWarn,
			"outbox publish attempt failed; retry scheduled",
			libLog.String("event_id", event.ID.String()),
			libLog.String("event_type", event.EventType),
			libLog.Int("attempts", attempts),
			libLog.String("error", sanitizeErrorForStorage(err)),
		)
	}

	dispatcher.addFailedEvents(ctx, event.EventType, 1)

	markErr := dispatcher.repo.MarkFailed(
		ctx,
		event.ID,
		sanitizeErrorForStorage(err),
		nextRetryAt,
		policy.MaxAttempts,
	)
	if markErr != nil {
		logger.Log(
			ctx,
			libLog.LevelError,
			"failed to mark outbox failed",
			libLog.String("event_id", event.ID.String()),
			libLog.String("error", sanitizeErrorForStorage(markErr)),
		)
	}
}

func (dispatcher *Dispatcher) handleClaimError(ctx context.Context, span trace.Span, err error) {
	logger := dispatcher.logger

	otelutil.HandleSpanError(span, "failed to claim outbox events", err)
	libLog.SafeError(logger, ctx, "failed to claim outbox events", err, false)

	dispatcher.claimFailuresMu.Lock()
	dispatcher.claimFailures++
	count := dispatcher.claimFailures
	dispatcher.claimFailuresMu.Unlock()

	if count >= dispatcher.cfg.ClaimFailureThreshold {
		logger.Log(ctx, libLog.LevelError, "outbox claim failures exceeded threshold", libLog.Int("count", count))
	}
}

func (dispatcher *Dispatcher) clearClaimFailures() {
	dispatcher.claimFailuresMu.Lock()
	dispatcher.claimFailures = 0
	dispatcher.claimFailuresMu.Unlock()
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func eventTypeAttribute(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

func (dispatcher *Dispatcher) recordClaimDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.claimDepth == nil {
		return
	}

	dispatcher.metrics.claimDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addPublishedEvents(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.eventsPublished == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsPublished.Add(ctx, count, eventTypeAttribute(eventType))
}

func (dispatcher *Dispatcher) addFailedEvents(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.eventsFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsFailed.Add(ctx, count, eventTypeAttribute(eventType))
}

func (dispatcher *Dispatcher) addExhaustedEvents(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.eventsExhausted == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsExhausted.Add(ctx, count, eventTypeAttribute(eventType))
}

func (dispatcher *Dispatcher) addStateUpdateFailure(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsStateFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsStateFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}
