package inbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type guardMetrics struct {
	eventsProcessed metric.Int64Counter
	eventsDuplicate metric.Int64Counter
	eventsFailed    metric.Int64Counter
}

func newGuardMetrics(provider metric.MeterProvider) (guardMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.inbox.guard")

	var (
		metrics guardMetrics
		err     error
	)

	metrics.eventsProcessed, err = meter.Int64Counter(
		"inbox.events.processed",
		metric.WithDescription("Number of events processed for the first time"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return guardMetrics{}, fmt.Errorf("create inbox.events.processed counter: %w", err)
	}

	metrics.eventsDuplicate, err = meter.Int64Counter(
		"inbox.events.duplicate",
		metric.WithDescription("Number of duplicate deliveries skipped"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return guardMetrics{}, fmt.Errorf("create inbox.events.duplicate counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"inbox.events.failed",
		metric.WithDescription("Number of deliveries whose processing transaction failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return guardMetrics{}, fmt.Errorf("create inbox.events.failed counter: %w", err)
	}

	return metrics, nil
}

func (guard *Guard) consumerAttribute() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("consumer", guard.consumerName))
}

func (guard *Guard) addProcessed(ctx context.Context) {
	if guard.metrics.eventsProcessed == nil {
		return
	}

	guard.metrics.eventsProcessed.Add(ctx, 1, guard.consumerAttribute())
}

func (guard *Guard) addDuplicate(ctx context.Context) {
	if guard.metrics.eventsDuplicate == nil {
		return
	}

	guard.metrics.eventsDuplicate.Add(ctx, 1, guard.consumerAttribute())
}

func (guard *Guard) addFailed(ctx context.Context) {
	if guard.metrics.eventsFailed == nil {
		return
	}

	guard.metrics.eventsFailed.Add(ctx, 1, guard.consumerAttribute())
}
