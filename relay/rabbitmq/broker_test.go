//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-relay/relay/outbox"
)

type mockConfirmableChannel struct {
	mu              sync.Mutex
	confirmErr      error
	publishErr      error
	confirms        chan amqp.Confirmation
	closeNotify     chan *amqp.Error
	confirmCalled   bool
	closeCalled     bool
	deliveryCounter uint64

	lastExchange   string
	lastRoutingKey string
	lastMsg        amqp.Publishing
}

func newMockChannel() *mockConfirmableChannel {
	return &mockConfirmableChannel{
		closeNotify: make(chan *amqp.Error, 1),
	}
}

func (m *mockConfirmableChannel) Confirm(_ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalled = true

	return m.confirmErr
}

func (m *mockConfirmableChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms = confirm

	return confirm
}

func (m *mockConfirmableChannel) NotifyClose(_ chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeNotify
}

func (m *mockConfirmableChannel) PublishWithContext(
	_ context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveryCounter++
	m.lastExchange = exchange
	m.lastRoutingKey = key
	m.lastMsg = msg

	return m.publishErr
}

func (m *mockConfirmableChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeCalled {
		return nil
	}

	m.closeCalled = true
	if m.confirms != nil {
		close(m.confirms)
	}

	return nil
}

func (m *mockConfirmableChannel) sendConfirm(ack bool) {
	m.mu.Lock()
	tag := m.deliveryCounter
	confirms := m.confirms
	m.mu.Unlock()

	confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

func (m *mockConfirmableChannel) waitForPublish(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		return m.deliveryCounter > 0
	}, time.Second, time.Millisecond)
}

func TestNewBroker_Validation(t *testing.T) {
	t.Parallel()

	t.Run("nil channel", func(t *testing.T) {
		t.Parallel()

		broker, err := NewBroker(nil, "relay.events")
		assert.Nil(t, broker)
		assert.ErrorIs(t, err, ErrChannelRequired)
	})

	t.Run("empty exchange", func(t *testing.T) {
		t.Parallel()

		broker, err := NewBroker(newMockChannel(), "")
		assert.Nil(t, broker)
		assert.ErrorIs(t, err, ErrExchangeRequired)
	})

	t.Run("confirm mode unavailable", func(t *testing.T) {
		t.Parallel()

		ch := newMockChannel()
		ch.confirmErr = errors.New("basic.confirm not supported")

		broker, err := NewBroker(ch, "relay.events")
		assert.Nil(t, broker)
		assert.ErrorIs(t, err, ErrConfirmModeUnavailable)
	})
}

func TestBroker_PublishSuccess(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := broker.Close(); err != nil {
			t.Errorf("cleanup: broker close: %v", err)
		}
	})

	go func() {
		ch.waitForPublish(t)
		ch.sendConfirm(true)
	}()

	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte(`{"amount":10}`))
	require.NoError(t, err)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.True(t, ch.confirmCalled)
	assert.Equal(t, "relay.events", ch.lastExchange)
	assert.Equal(t, "payments.events", ch.lastRoutingKey)
	assert.Equal(t, []byte(`{"amount":10}`), ch.lastMsg.Body)
	assert.Equal(t, amqp.Persistent, ch.lastMsg.DeliveryMode)
	assert.Equal(t, "acct-42", ch.lastMsg.Headers[partitionKeyHeader])
}

func TestBroker_PublishWithoutKeyOmitsHeader(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := broker.Close(); err != nil {
			t.Errorf("cleanup: broker close: %v", err)
		}
	})

	go func() {
		ch.waitForPublish(t)
		ch.sendConfirm(true)
	}()

	require.NoError(t, broker.Publish(context.Background(), "payments.events", "", []byte("{}")))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Nil(t, ch.lastMsg.Headers)
}

func TestBroker_PublishEmptyTopic(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := broker.Close(); err != nil {
			t.Errorf("cleanup: broker close: %v", err)
		}
	})

	err = broker.Publish(context.Background(), "", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, outbox.ErrTopicRequired)
}

func TestBroker_PublishNack(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := broker.Close(); err != nil {
			t.Errorf("cleanup: broker close: %v", err)
		}
	})

	go func() {
		ch.waitForPublish(t)
		ch.sendConfirm(false)
	}()

	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestBroker_PublishChannelError(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := broker.Close(); err != nil {
			t.Errorf("cleanup: broker close: %v", err)
		}
	})

	publishErr := errors.New("channel gone")
	ch.mu.Lock()
	ch.publishErr = publishErr
	ch.mu.Unlock()

	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, publishErr)
}

func TestBroker_ConfirmTimeoutClosesChannel(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events", WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, ErrConfirmTimeout)

	// The pending confirmation poisons the channel: the broker must refuse
	// further publishes instead of pairing the stale ack with a new message.
	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, ErrBrokerClosed)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.True(t, ch.closeCalled)
}

func TestBroker_ChannelCloseFailsFast(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)

	ch.closeNotify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "server shutdown"}

	require.Eventually(t, func() bool {
		return errors.Is(
			broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}")),
			ErrBrokerClosed,
		)
	}, time.Second, time.Millisecond)
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	broker, err := NewBroker(ch, "relay.events")
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())

	err = broker.Publish(context.Background(), "payments.events", "acct-42", []byte("{}"))
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestBroker_NilReceiver(t *testing.T) {
	t.Parallel()

	var broker *Broker

	assert.ErrorIs(t, broker.Publish(context.Background(), "t", "k", nil), ErrBrokerRequired)
	assert.ErrorIs(t, broker.Close(), ErrBrokerRequired)
}
