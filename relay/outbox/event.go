package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-relay/relay"
)

// DefaultMaxPayloadBytes bounds the serialized payload stored per event.
const DefaultMaxPayloadBytes = 1 << 20

// OutboxEvent is a domain event stored in the outbox for reliable delivery.
//
// An event is created inside the same database transaction as the domain
// mutation it announces. CreatedAt is the publish ordering key; PublishedAt
// stays nil until the broker accepted the event; NextRetryAt defers retries
// after failures. TraceID and CorrelationID are opaque pass-through values
// used for cross-service correlation.
type OutboxEvent struct {
	ID            uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	AggregateType string
	Payload       []byte
	Status        string
	Attempts      int
	LastError     string
	PublishedAt   *time.Time
	NextRetryAt   *time.Time
	TraceID       string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventOption customizes optional OutboxEvent attributes at construction.
type EventOption func(*OutboxEvent)

// WithEventID sets a caller-provided event id instead of a generated one.
func WithEventID(id uuid.UUID) EventOption {
	return func(event *OutboxEvent) {
		event.ID = id
	}
}

// WithTraceID attaches an opaque trace id propagated to consumers.
func WithTraceID(traceID string) EventOption {
	return func(event *OutboxEvent) {
		event.TraceID = strings.TrimSpace(traceID)
	}
}

// WithCorrelationID attaches an opaque correlation id propagated to consumers.
func WithCorrelationID(correlationID string) EventOption {
	return func(event *OutboxEvent) {
		event.CorrelationID = strings.TrimSpace(correlationID)
	}
}

// NewOutboxEvent creates a valid outbox event initialized as pending.
//
// The payload must be non-empty, valid JSON, and self-describing; the outbox
// never inspects it. When ctx carries a correlation header id (see
// relay.ContextWithHeaderID) it is used as the default correlation id.
func NewOutboxEvent(
	ctx context.Context,
	eventType string,
	aggregateID uuid.UUID,
	aggregateType string,
	payload []byte,
	opts ...EventOption,
) (*OutboxEvent, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("outbox event type: %w", ErrEventTypeRequired)
	}

	if aggregateID == uuid.Nil {
		return nil, fmt.Errorf("outbox event aggregate id: %w", ErrAggregateIDRequired)
	}

	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return nil, fmt.Errorf("outbox event aggregate type: %w", ErrAggregateTypeRequired)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("outbox event payload: %w", ErrOutboxEventPayloadRequired)
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("outbox event payload: %w", ErrOutboxEventPayloadTooLarge)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("outbox event payload: %w", ErrOutboxEventPayloadNotJSON)
	}

	now := time.Now().UTC()

	event := &OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		Status:        OutboxStatusPending,
		Attempts:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if headerID, ok := relay.HeaderIDFromContext(ctx); ok {
		event.CorrelationID = headerID
	}

	for _, opt := range opts {
		if opt != nil {
			opt(event)
		}
	}

	if event.ID == uuid.Nil {
		return nil, fmt.Errorf("outbox event id: %w", ErrEventIDRequired)
	}

	return event, nil
}

// NewOutboxEventJSON marshals body and creates an outbox event from it.
//
// A marshalling failure is returned to the caller so the enclosing domain
// transaction fails instead of committing with its notification silently lost.
func NewOutboxEventJSON(
	ctx context.Context,
	eventType string,
	aggregateID uuid.UUID,
	aggregateType string,
	body any,
	opts ...EventOption,
) (*OutboxEvent, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling outbox payload: %w", err)
	}

	return NewOutboxEvent(ctx, eventType, aggregateID, aggregateType, payload, opts...)
}

// PartitionKey returns the broker partition key for the event. Using the
// aggregate id approximates per-aggregate ordering on key-partitioned brokers.
func (event *OutboxEvent) PartitionKey() string {
	if event == nil {
		return ""
	}

	return event.AggregateID.String()
}
