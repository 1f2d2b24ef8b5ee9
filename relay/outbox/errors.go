package outbox

import "errors"

var (
	ErrOutboxEventRequired        = errors.New("outbox event is required")
	ErrOutboxRepositoryRequired   = errors.New("outbox repository is required")
	ErrOutboxDispatcherRequired   = errors.New("outbox dispatcher is required")
	ErrOutboxDispatcherRunning    = errors.New("outbox dispatcher is already running")
	ErrOutboxEventPayloadRequired = errors.New("outbox event payload is required")
	ErrOutboxEventPayloadTooLarge = errors.New("outbox event payload exceeds maximum allowed size")
	ErrOutboxEventPayloadNotJSON  = errors.New("outbox event payload must be valid JSON")
	ErrEventIDRequired            = errors.New("event id is required")
	ErrEventTypeRequired          = errors.New("event type is required")
	ErrAggregateIDRequired        = errors.New("aggregate id is required")
	ErrAggregateTypeRequired      = errors.New("aggregate type is required")
	ErrTopicRouterRequired        = errors.New("topic router is required")
	ErrBrokerRequired             = errors.New("broker is required")
	ErrNoRoutesConfigured         = errors.New("topic router has no routes configured")
	ErrTopicRequired              = errors.New("topic is required")
	ErrUnmappedEventType          = errors.New("no topic mapped for event type")
	ErrOutboxStatusInvalid        = errors.New("invalid outbox status")
	ErrOutboxTransitionInvalid    = errors.New("invalid outbox status transition")
)
