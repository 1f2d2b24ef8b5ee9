package inbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transaction handle shared with the caller's domain operations.
type Tx = *sql.Tx

// ConsumedEvent is a processed-delivery record. The (EventID, ConsumerName)
// pair is the identity: two consumer groups processing the same event are two
// independent records.
type ConsumedEvent struct {
	EventID      uuid.UUID
	ConsumerName string
	ProcessedAt  time.Time
}

// Store persists consumed-event records.
type Store interface {
	// Record inserts a consumed-event row inside tx. It returns
	// ErrAlreadyProcessed when the (eventID, consumerName) pair exists; the
	// uniqueness constraint is the dedup mechanism, there is no read-then-write
	// race window.
	Record(ctx context.Context, tx Tx, eventID uuid.UUID, consumerName string, processedAt time.Time) error
}
