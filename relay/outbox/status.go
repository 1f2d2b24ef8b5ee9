package outbox

import "fmt"

const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusPublished  = "PUBLISHED"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusExhausted  = "EXHAUSTED"
)

// OutboxEventStatus represents a valid outbox event lifecycle state.
//
// PENDING events are awaiting their first dispatch. PROCESSING events are
// claimed by a dispatcher. FAILED events are deferred until their scheduled
// retry time elapses. PUBLISHED and EXHAUSTED are terminal: a published event
// was accepted by the broker, an exhausted event ran out of dispatch attempts
// and waits for operator intervention (dead-letter state).
type OutboxEventStatus string

const (
	StatusPending    OutboxEventStatus = OutboxStatusPending
	StatusProcessing OutboxEventStatus = OutboxStatusProcessing
	StatusPublished  OutboxEventStatus = OutboxStatusPublished
	StatusFailed     OutboxEventStatus = OutboxStatusFailed
	StatusExhausted  OutboxEventStatus = OutboxStatusExhausted
)

// ParseOutboxEventStatus validates and converts a raw string status.
func ParseOutboxEventStatus(raw string) (OutboxEventStatus, error) {
	status := OutboxEventStatus(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrOutboxStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status OutboxEventStatus) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusExhausted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status OutboxEventStatus) IsTerminal() bool {
	return status == StatusPublished || status == StatusExhausted
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status OutboxEventStatus) CanTransitionTo(next OutboxEventStatus) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusPublished || next == StatusFailed || next == StatusExhausted
	case StatusPublished, StatusExhausted:
		return false
	default:
		return false
	}
}

// ValidateOutboxTransition validates a status transition using typed lifecycle rules.
func ValidateOutboxTransition(fromRaw, toRaw string) error {
	from, err := ParseOutboxEventStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseOutboxEventStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrOutboxTransitionInvalid, from, to)
	}

	return nil
}

func (status OutboxEventStatus) String() string {
	return string(status)
}
