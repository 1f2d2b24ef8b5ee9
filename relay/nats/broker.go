// Package nats publishes outbox events to NATS subjects. Core NATS
// publishes are buffered client-side, so the broker flushes after every
// publish to ensure the message reached the server before the event is
// marked published.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/outbox"
)

// Broker errors.
var (
	ErrBrokerRequired = errors.New("nats broker is required")
	ErrConnRequired   = errors.New("nats connection is required")
)

// DefaultFlushTimeout bounds the post-publish flush when the caller's
// context has no deadline.
const DefaultFlushTimeout = 5 * time.Second

// partitionKeyHeader carries the ordering key. NATS subjects have no
// native partition concept, so consumers that need per-aggregate ordering
// read the key from this header.
const partitionKeyHeader = "Relay-Partition-Key"

// Conn is the subset of *nats.Conn the broker uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Broker publishes events to NATS using the resolved topic as the subject.
type Broker struct {
	conn         Conn
	logger       libLog.Logger
	flushTimeout time.Duration
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

// WithFlushTimeout sets the flush timeout used when the publish context
// has no deadline. Non-positive values are ignored.
func WithFlushTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		if timeout > 0 {
			b.flushTimeout = timeout
		}
	}
}

// NewBroker creates a broker on an established NATS connection.
func NewBroker(conn Conn, opts ...BrokerOption) (*Broker, error) {
	if nilcheck.Interface(conn) {
		return nil, ErrConnRequired
	}

	broker := &Broker{
		conn:         conn,
		logger:       libLog.NewNop(),
		flushTimeout: DefaultFlushTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(broker)
		}
	}

	return broker, nil
}

// Publish sends the payload to the subject named by topic and flushes the
// connection so the message is on the server before returning. A flush
// failure surfaces as an error and the dispatcher reschedules the event,
// which can deliver the message twice; consumers dedupe by event id.
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

	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
	}

	if key != "" {
		msg.Header = nats.Header{partitionKeyHeader: []string{key}}
	}

	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	flushCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		flushCtx, cancel = context.WithTimeout(ctx, b.flushTimeout)
		defer cancel()
	}

	if err := b.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}
