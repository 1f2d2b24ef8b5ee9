package outbox

import "context"

// Broker is the external collaborator that delivers outbox events.
//
// Publish may fail transiently (network, broker unavailable) or permanently
// (authorization, malformed payload); the dispatcher retries both uniformly up
// to the retry policy's exhaustion limit. key carries the aggregate id so
// key-partitioned brokers can approximate per-aggregate ordering.
type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// BrokerFunc adapts a function to the Broker interface.
type BrokerFunc func(ctx context.Context, topic, key string, payload []byte) error

// Publish calls fn.
func (fn BrokerFunc) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return fn(ctx, topic, key, payload)
}
