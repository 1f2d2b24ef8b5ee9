// Package postgres persists consumed-event records in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LerianStudio/lib-relay/relay/inbox"
)

const (
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"
)

var (
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	identifierPattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

type Option func(*Store)

func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store records consumed events in a PostgreSQL table whose primary key on
// (event_id, consumer_name) enforces dedup.
type Store struct {
	tableName string
}

var _ inbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL consumed-events store.
func NewStore(opts ...Option) (*Store, error) {
	store := &Store{tableName: "consumed_events"}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "consumed_events"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Record inserts the consumed-event row inside the caller's transaction.
//
// The insert races only against the table's primary key: a unique violation
// means another delivery of the same event won, and maps to
// inbox.ErrAlreadyProcessed.
func (store *Store) Record(
	ctx context.Context,
	tx inbox.Tx,
	eventID uuid.UUID,
	consumerName string,
	processedAt time.Time,
) error {
	if store == nil {
		return inbox.ErrStoreRequired
	}

	if tx == nil {
		return inbox.ErrTransactionRequired
	}

	if eventID == uuid.Nil {
		return inbox.ErrEventIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return inbox.ErrConsumerNameRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	table := quoteIdentifierPath(store.tableName)
	query := "INSERT INTO " + table + " (event_id, consumer_name, processed_at) VALUES ($1, $2, $3)"

	if _, err := tx.ExecContext(ctx, query, eventID, consumerName, processedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return inbox.ErrAlreadyProcessed
		}

		return fmt.Errorf("inserting consumed event: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
