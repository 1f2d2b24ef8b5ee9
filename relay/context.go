package relay

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-relay/relay/log"
)

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingContextValue.
var TrackingContextKey = trackingContextKey("relay.tracking")

// TrackingContextValue holds the request-scoped facilities attached to a context.
type TrackingContextValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

// NewLoggerFromContext extracts the logger carried by ctx, or a nop logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue); ok &&
		tracking.Logger != nil {
		return tracking.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithHeaderID returns a context carrying a correlation header id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.HeaderID = strings.TrimSpace(headerID)

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// HeaderIDFromContext reads the correlation header id from ctx.
func HeaderIDFromContext(ctx context.Context) (string, bool) {
	tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if !ok || tracking == nil || tracking.HeaderID == "" {
		return "", false
	}

	return tracking.HeaderID, true
}

// NewTrackingFromContext extracts the logger, tracer, and header id from ctx
// with fail-safe fallbacks: a nop logger, a noop tracer, an empty header id.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if !ok || tracking == nil {
		return &log.NopLogger{}, noop.NewTracerProvider().Tracer("relay.noop"), ""
	}

	logger := tracking.Logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	tracer := tracking.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	return logger, tracer, tracking.HeaderID
}

func trackingFromContext(ctx context.Context) *TrackingContextValue {
	tracking, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if tracking == nil {
		return &TrackingContextValue{}
	}

	clone := *tracking

	return &clone
}
