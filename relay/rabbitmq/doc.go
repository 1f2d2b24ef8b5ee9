// Package rabbitmq publishes outbox events to RabbitMQ with publisher
// confirms enabled, so a dispatched event is only marked published after
// the broker acknowledged it.
package rabbitmq
