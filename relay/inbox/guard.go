package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/otelutil"
)

const defaultProcessTimeout = 30 * time.Second

// TxBeginner opens database transactions. *sql.DB satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Handler applies a consumer's side effects inside the dedup transaction.
// Writes made through tx commit together with the consumed-event record.
type Handler func(ctx context.Context, tx Tx) error

// Guard wraps a consumer with exactly-once processing semantics on top of an
// at-least-once delivery channel.
type Guard struct {
	db           TxBeginner
	store        Store
	consumerName string
	logger       libLog.Logger
	tracer       trace.Tracer
	timeout      time.Duration

	meterProvider metric.MeterProvider
	metrics       guardMetrics
}

// GuardOption mutates guard configuration at construction.
type GuardOption func(*Guard)

// WithLogger sets the guard logger.
func WithLogger(logger libLog.Logger) GuardOption {
	return func(guard *Guard) {
		if nilcheck.Interface(logger) {
			return
		}

		guard.logger = logger
	}
}

// WithTracer sets the guard tracer.
func WithTracer(tracer trace.Tracer) GuardOption {
	return func(guard *Guard) {
		if nilcheck.Interface(tracer) {
			return
		}

		guard.tracer = tracer
	}
}

// WithProcessTimeout bounds the dedup-plus-handler transaction.
func WithProcessTimeout(timeout time.Duration) GuardOption {
	return func(guard *Guard) {
		if timeout > 0 {
			guard.timeout = timeout
		}
	}
}

// WithMeterProvider injects a custom meter provider for guard metrics.
func WithMeterProvider(provider metric.MeterProvider) GuardOption {
	return func(guard *Guard) {
		guard.meterProvider = provider
	}
}

// NewGuard creates an idempotent consumer guard for the named consumer.
func NewGuard(db TxBeginner, store Store, consumerName string, opts ...GuardOption) (*Guard, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return nil, ErrConsumerNameRequired
	}

	guard := &Guard{
		db:           db,
		store:        store,
		consumerName: consumerName,
		logger:       libLog.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("relay.noop"),
		timeout:      defaultProcessTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	metrics, err := newGuardMetrics(guard.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	guard.metrics = metrics

	return guard, nil
}

// ConsumerName returns the consumer identity used for dedup records.
func (guard *Guard) ConsumerName() string {
	if guard == nil {
		return ""
	}

	return guard.consumerName
}

// TryClaim records the event as consumed inside the caller's transaction.
//
// It returns true when the claim is new and the caller should run its side
// effects, false when the event was already processed by this consumer.
func (guard *Guard) TryClaim(ctx context.Context, tx Tx, eventID uuid.UUID) (bool, error) {
	if guard == nil || nilcheck.Interface(guard.store) {
		return false, ErrStoreRequired
	}

	if tx == nil {
		return false, ErrTransactionRequired
	}

	if eventID == uuid.Nil {
		return false, ErrEventIDRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	err := guard.store.Record(ctx, tx, eventID, guard.consumerName, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return false, nil
		}

		return false, fmt.Errorf("recording consumed event: %w", err)
	}

	return true, nil
}

// Process runs handler exactly once for the given event id.
//
// The consumed-event insert and the handler's writes share one transaction: a
// handler error rolls both back, so a redelivery gets a clean retry. A
// duplicate delivery skips the handler and returns nil.
func (guard *Guard) Process(ctx context.Context, eventID uuid.UUID, handler Handler) error {
	if guard == nil || nilcheck.Interface(guard.db) {
		return ErrDBRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if eventID == uuid.Nil {
		return ErrEventIDRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := guard.tracer.Start(ctx, "inbox.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.consumer", guard.consumerName),
		attribute.String("inbox.event_id", eventID.String()),
	)

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, guard.timeout)
		defer cancel()
	}

	tx, err := guard.db.BeginTx(txCtx, nil)
	if err != nil {
		otelutil.HandleSpanError(span, "failed to begin transaction", err)

		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	claimed, err := guard.TryClaim(txCtx, tx, eventID)
	if err != nil {
		otelutil.HandleSpanError(span, "failed to claim event", err)
		guard.addFailed(ctx)

		return err
	}

	if !claimed {
		guard.logger.Log(ctx, libLog.LevelDebug, "duplicate delivery skipped",
			libLog.String("event_id", eventID.String()),
			libLog.String("consumer", guard.consumerName),
		)
		guard.addDuplicate(ctx)
		span.SetAttributes(attribute.Bool("inbox.duplicate", true))

		return nil
	}

	if err := handler(txCtx, tx); err != nil {
		otelutil.HandleSpanError(span, "handler failed", err)
		guard.addFailed(ctx)

		// Rollback via defer releases the claim with the handler's writes.
		return fmt.Errorf("handling event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		otelutil.HandleSpanError(span, "failed to commit transaction", err)
		guard.addFailed(ctx)

		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	guard.addProcessed(ctx)

	return nil
}
