package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx to keep the repository contract compatible
// with existing database/sql transaction orchestration: enqueueing must run
// inside the caller's domain transaction, not behind a hidden adapter layer.
type Tx = *sql.Tx

// OutboxRepository defines persistence operations for outbox events.
//
// ClaimPending must be concurrency-safe across dispatcher replicas: a claimed
// event moves to PROCESSING atomically so at most one dispatcher handles it at
// a time. ResetStuckProcessing is the lease expiry: PROCESSING events older
// than the given threshold are returned to PENDING so a crashed dispatcher
// never orphans its claims.
type OutboxRepository interface {
	Create(ctx context.Context, event *OutboxEvent) (*OutboxEvent, error)
	CreateWithTx(ctx context.Context, tx Tx, event *OutboxEvent) (*OutboxEvent, error)
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error)
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time) (int, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time, maxAttempts int) error
	ListExhausted(ctx context.Context, limit int) ([]*OutboxEvent, error)
	GetByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
}
