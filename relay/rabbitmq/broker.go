package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

// Broker errors.
var (
	ErrBrokerRequired         = errors.New("rabbitmq broker is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrExchangeRequired       = errors.New("rabbitmq exchange is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrBrokerClosed           = errors.New("broker is closed")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer is the buffer size for the confirmation channel.
	// Should be >= max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256

	// partitionKeyHeader carries the ordering key so consumers (and
	// consistent-hash exchanges) can route related events to the same
	// partition.
	partitionKeyHeader = "x-partition-key"
)

// ConfirmableChannel defines the interface for AMQP channel operations with confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// Broker publishes events to a RabbitMQ exchange and waits for publisher
// confirms. The resolved topic becomes the routing key; the partition key
// travels in a message header so downstream routing can keep per-aggregate
// ordering.
//
// The broker never retries on its own. A failed or nacked publish surfaces
// as an error, and the dispatcher reschedules the event, so channel-level
// recovery machinery is unnecessary here.
type Broker struct {
	ch             ConfirmableChannel
	exchange       string
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         libLog.Logger
	confirmTimeout time.Duration

	// publishMu serializes publish+confirm flows so confirmations pair with
	// their publish without delivery-tag correlation state. Shard across
	// broker instances for higher throughput.
	publishMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

var _ outbox.Broker = (*Broker)(nil)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets a structured logger for the broker.
func WithLogger(logger libLog.Logger) BrokerOption {
	return func(b *Broker) {
		if nilcheck.Interface(logger) {
			return
		}

		b.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
// Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		if timeout > 0 {
			b.confirmTimeout = timeout
		}
	}
}

// NewBroker creates a broker publishing to the given exchange with confirms
// enabled. The channel must be dedicated to this broker: confirm delivery
// tags are per-channel and sharing one would interleave confirmations.
func NewBroker(ch ConfirmableChannel, exchange string, opts ...BrokerOption) (*Broker, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	broker := &Broker{
		ch:             ch,
		exchange:       exchange,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(broker)
		}
	}

	broker.startCloseMonitor(closeNotify)

	return broker, nil
}

// startCloseMonitor launches a goroutine that watches channel close events
// so in-flight and future publishes fail fast instead of waiting out the
// confirm timeout.
func (b *Broker) startCloseMonitor(closeNotify chan *amqp.Error) {
	monitorLogger := b.logger

	runtime.SafeGo(monitorLogger, "rabbitmq", "broker-close-monitor", func() {
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				monitorLogger.Log(context.Background(), libLog.LevelWarn,
					"rabbitmq: channel closed", libLog.String("reason", amqpErr.Error()))
			}

			b.markClosed()
		case <-b.closedCh:
		}
	})
}

func (b *Broker) markClosed() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.closeOnce.Do(func() { close(b.closedCh) })
}

// Publish sends the payload to the broker's exchange using topic as the
// routing key and synchronously waits for the broker confirmation. A nack,
// a closed channel, or a confirm timeout all return an error so the caller
// can reschedule the event.
func (b *Broker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b == nil {
		return ErrBrokerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if topic == "" {
		return outbox.ErrTopicRequired
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()

		return ErrBrokerClosed
	}

	publishChannel := b.ch
	confirms := b.confirms
	closedCh := b.closedCh
	confirmTimeout := b.confirmTimeout
	b.mu.RUnlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	if key != "" {
		msg.Headers = amqp.Table{partitionKeyHeader: key}
	}

	if err := publishChannel.PublishWithContext(ctx, b.exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The pending confirmation would desynchronize the next
		// waitForConfirm call, so the channel cannot be reused.
		b.markClosed()

		_ = publishChannel.Close()
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error indicates a
// confirmation is still pending and would pair with the wrong publish on
// the next call.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrBrokerClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrBrokerClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the broker and its channel. Publishes after
// Close return ErrBrokerClosed.
func (b *Broker) Close() error {
	if b == nil {
		return ErrBrokerRequired
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	alreadyClosed := b.closed
	b.closed = true
	currentCh := b.ch
	b.mu.Unlock()

	b.closeOnce.Do(func() { close(b.closedCh) })

	if alreadyClosed {
		return nil
	}

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing broker channel: %w", err)
		}
	}

	return nil
}
