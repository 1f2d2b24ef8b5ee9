package outbox

import (
	"fmt"
	"strings"
)

// TopicRouter maps logical event types to physical broker destinations.
//
// The mapping is static: loaded once from configuration at startup and never
// mutated, so lookups need no locking. An unmapped event type is a deployment
// bug, surfaced loudly by the dispatcher rather than silently dropped.
type TopicRouter struct {
	routes map[string]string
}

// NewTopicRouter creates a router from an eventType -> topic mapping.
// Keys and values are trimmed; empty keys or topics are rejected.
func NewTopicRouter(routes map[string]string) (*TopicRouter, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutesConfigured
	}

	normalized := make(map[string]string, len(routes))

	for eventType, topic := range routes {
		eventType = strings.TrimSpace(eventType)
		if eventType == "" {
			return nil, fmt.Errorf("route key: %w", ErrEventTypeRequired)
		}

		topic = strings.TrimSpace(topic)
		if topic == "" {
			return nil, fmt.Errorf("route %q: %w", eventType, ErrTopicRequired)
		}

		normalized[eventType] = topic
	}

	return &TopicRouter{routes: normalized}, nil
}

// Resolve returns the topic mapped to eventType, or ErrUnmappedEventType.
func (router *TopicRouter) Resolve(eventType string) (string, error) {
	if router == nil {
		return "", ErrTopicRouterRequired
	}

	topic, ok := router.routes[strings.TrimSpace(eventType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmappedEventType, eventType)
	}

	return topic, nil
}

// EventTypes returns the configured event types, mainly for startup logging.
func (router *TopicRouter) EventTypes() []string {
	if router == nil {
		return nil
	}

	types := make([]string, 0, len(router.routes))
	for eventType := range router.routes {
		types = append(types, eventType)
	}

	return types
}
