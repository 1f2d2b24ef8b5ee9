//go:build unit

package outbox

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-relay/relay"
)

func TestNewOutboxEvent_Defaults(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	event, err := NewOutboxEvent(context.Background(), "payment.created", aggregateID, "payment", []byte(`{"a":1}`))
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, "payment.created", event.EventType)
	require.Equal(t, aggregateID, event.AggregateID)
	require.Equal(t, "payment", event.AggregateType)
	require.Equal(t, OutboxStatusPending, event.Status)
	require.Zero(t, event.Attempts)
	require.Nil(t, event.PublishedAt)
	require.Nil(t, event.NextRetryAt)
	require.False(t, event.CreatedAt.IsZero())
	require.Equal(t, event.CreatedAt, event.UpdatedAt)
}

func TestNewOutboxEvent_Validation(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()
	payload := []byte(`{}`)

	_, err := NewOutboxEvent(context.Background(), "  ", aggregateID, "payment", payload)
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = NewOutboxEvent(context.Background(), "payment.created", uuid.Nil, "payment", payload)
	require.ErrorIs(t, err, ErrAggregateIDRequired)

	_, err = NewOutboxEvent(context.Background(), "payment.created", aggregateID, "", payload)
	require.ErrorIs(t, err, ErrAggregateTypeRequired)

	_, err = NewOutboxEvent(context.Background(), "payment.created", aggregateID, "payment", nil)
	require.ErrorIs(t, err, ErrOutboxEventPayloadRequired)

	_, err = NewOutboxEvent(context.Background(), "payment.created", aggregateID, "payment", []byte("{not json"))
	require.ErrorIs(t, err, ErrOutboxEventPayloadNotJSON)

	huge := []byte(`"` + strings.Repeat("x", DefaultMaxPayloadBytes) + `"`)
	_, err = NewOutboxEvent(context.Background(), "payment.created", aggregateID, "payment", huge)
	require.ErrorIs(t, err, ErrOutboxEventPayloadTooLarge)
}

func TestNewOutboxEvent_Options(t *testing.T) {
	t.Parallel()

	customID := uuid.New()

	event, err := NewOutboxEvent(
		context.Background(),
		"payment.created",
		uuid.New(),
		"payment",
		[]byte(`{}`),
		WithEventID(customID),
		WithTraceID(" trace-1 "),
		WithCorrelationID(" corr-1 "),
	)
	require.NoError(t, err)

	require.Equal(t, customID, event.ID)
	require.Equal(t, "trace-1", event.TraceID)
	require.Equal(t, "corr-1", event.CorrelationID)
}

func TestNewOutboxEvent_RejectsNilEventID(t *testing.T) {
	t.Parallel()

	_, err := NewOutboxEvent(
		context.Background(),
		"payment.created",
		uuid.New(),
		"payment",
		[]byte(`{}`),
		WithEventID(uuid.Nil),
	)
	require.ErrorIs(t, err, ErrEventIDRequired)
}

func TestNewOutboxEvent_CorrelationFromContextHeader(t *testing.T) {
	t.Parallel()

	ctx := relay.ContextWithHeaderID(context.Background(), "req-42")

	event, err := NewOutboxEvent(ctx, "payment.created", uuid.New(), "payment", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "req-42", event.CorrelationID)

	// An explicit option wins over the context header.
	event, err = NewOutboxEvent(ctx, "payment.created", uuid.New(), "payment", []byte(`{}`), WithCorrelationID("corr-9"))
	require.NoError(t, err)
	require.Equal(t, "corr-9", event.CorrelationID)
}

func TestNewOutboxEventJSON(t *testing.T) {
	t.Parallel()

	body := map[string]any{"amount": 100, "currency": "BRL"}

	event, err := NewOutboxEventJSON(context.Background(), "payment.created", uuid.New(), "payment", body)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":100,"currency":"BRL"}`, string(event.Payload))

	_, err = NewOutboxEventJSON(context.Background(), "payment.created", uuid.New(), "payment", func() {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "marshalling outbox payload")
}

func TestOutboxEvent_PartitionKey(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()
	event := &OutboxEvent{AggregateID: aggregateID}
	require.Equal(t, aggregateID.String(), event.PartitionKey())

	var nilEvent *OutboxEvent
	require.Empty(t, nilEvent.PartitionKey())
}
