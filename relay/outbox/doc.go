// Package outbox provides transactional outbox primitives.
//
// A domain mutation enqueues an OutboxEvent through OutboxRepository.CreateWithTx
// inside the same database transaction; the Dispatcher then claims pending
// events, resolves the destination topic through a TopicRouter, and hands them
// to a Broker. Delivery is at-least-once: consumers are expected to deduplicate
// with the inbox package.
package outbox
