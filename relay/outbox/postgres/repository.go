// Package postgres persists outbox events in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/otelutil"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/lib-relay/relay/postgres"
)

const maxSQLIdentifierLength = 63

const leaseExpiredError = "processing lease expired"

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrStateTransitionConflict   = errors.New("outbox event state transition conflict")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrAggregateIDRequired       = errors.New("aggregate id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")
	identifierPattern            = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout    = 30 * time.Second
	outboxColumns                = "id, event_type, aggregate_id, aggregate_type, payload, status, attempts, " +
		"last_error, published_at, next_retry_at, trace_id, correlation_id, created_at, updated_at"
)

type Option func(*Repository)

func WithLogger(logger libLog.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	conn               *libPostgres.Connection
	logger             libLog.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.OutboxRepository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:               conn,
		logger:             libLog.NewNop(),
		tableName:          "outbox_events",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if nilcheck.Interface(repo.logger) {
		repo.logger = libLog.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// GetByID retrieves an outbox event by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.OutboxEvent, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

		row := tx.QueryRowContext(ctx, query, id)

		return scanOutboxEvent(row)
	})
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			otelutil.HandleSpanError(span, "failed to get outbox event", err)
			logSanitizedError(logger, ctx, "failed to get outbox event", err)
		}

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return result, nil
}

// Create stores a new outbox event using a new transaction.
func (repo *Repository) Create(ctx context.Context, event *outbox.OutboxEvent) (*outbox.OutboxEvent, error) {
	return repo.create(ctx, nil, event)
}

// CreateWithTx stores a new outbox event inside the caller's transaction, tying
// the event to the domain mutation it announces: both commit or neither does.
func (repo *Repository) CreateWithTx(
	ctx context.Context,
	tx outbox.Tx,
	event *outbox.OutboxEvent,
) (*outbox.OutboxEvent, error) {
	return repo.create(ctx, tx, event)
}

func (repo *Repository) create(
	ctx context.Context,
	tx *sql.Tx,
	event *outbox.OutboxEvent,
) (*outbox.OutboxEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := validateCreateEvent(event); err != nil {
		return nil, err
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_event")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*outbox.OutboxEvent, error) {
		createValues := normalizedCreateValues(event, time.Now().UTC())
		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (" + outboxColumns + ")" +
			" VALUES ($1, $2, $3, $4, $5, $6::outbox_event_status, $7, $8, $9, $10, $11, $12, $13, $14)" +
			" RETURNING " + outboxColumns

		row := execTx.QueryRowContext(ctx, query,
			createValues.id,
			createValues.eventType,
			createValues.aggregateID,
			createValues.aggregateType,
			createValues.payload,
			createValues.status,
			createValues.attempts,
			createValues.lastError,
			createValues.publishedAt,
			createValues.nextRetryAt,
			createValues.traceID,
			createValues.correlationID,
			createValues.createdAt,
			createValues.updatedAt,
		)

		return scanOutboxEvent(row)
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to create outbox event", err)
		logSanitizedError(logger, ctx, "failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return result, nil
}

// ClaimPending atomically claims the next batch of dispatchable events.
//
// A row is dispatchable when it is PENDING, or FAILED with its retry schedule
// due at now. Claimed rows flip to PROCESSING in the same statement, and
// FOR UPDATE SKIP LOCKED lets concurrent dispatchers claim disjoint batches.
func (repo *Repository) ClaimPending(
	ctx context.Context,
	limit int,
	now time.Time,
) ([]*outbox.OutboxEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_pending")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.OutboxEvent, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET status = $1::outbox_event_status, updated_at = $2" +
			" WHERE id IN (" +
			"SELECT id FROM " + table +
			" WHERE status = $3::outbox_event_status" +
			" OR (status = $4::outbox_event_status AND next_retry_at IS NOT NULL AND next_retry_at <= $2)" +
			" ORDER BY created_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED" +
			") RETURNING " + outboxColumns

		args := []any{
			outbox.OutboxStatusProcessing,
			now.UTC(),
			outbox.OutboxStatusPending,
			outbox.OutboxStatusFailed,
			limit,
		}

		events, queryErr := queryOutboxEvents(ctx, tx, query, args, limit, "claiming pending events")
		if queryErr != nil {
			return nil, queryErr
		}

		// UPDATE ... RETURNING does not preserve the subquery order.
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		})

		return events, nil
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to claim outbox events", err)
		logSanitizedError(logger, ctx, "failed to claim outbox events", err)

		return nil, fmt.Errorf("claiming pending events: %w", err)
	}

	return result, nil
}

// ResetStuckProcessing releases the claims of PROCESSING events whose lease
// expired before the given cutoff, making them immediately claimable again.
//
// The claim is the attempt at publishing, not the publish itself, so releasing
// it does not consume a retry attempt.
func (repo *Repository) ResetStuckProcessing(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_outbox_processing")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (int, error) {
		if err := outbox.ValidateOutboxTransition(outbox.OutboxStatusProcessing, outbox.OutboxStatusFailed); err != nil {
			return 0, fmt.Errorf("stuck reclaim transition: %w", err)
		}

		now := time.Now().UTC()
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_event_status, last_error = $2, next_retry_at = $3, updated_at = $3" +
			" WHERE id IN (" +
			"SELECT id FROM " + table +
			" WHERE status = $4::outbox_event_status AND updated_at <= $5" +
			" ORDER BY updated_at ASC LIMIT $6 FOR UPDATE SKIP LOCKED" +
			")"

		args := []any{
			outbox.OutboxStatusFailed,
			leaseExpiredError,
			now,
			outbox.OutboxStatusProcessing,
			processingBefore.UTC(),
			limit,
		}

		execResult, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		rows, rowsErr := execResult.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return int(rows), nil
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to reset stuck events", err)
		logSanitizedError(logger, ctx, "failed to reset stuck events", err)

		return 0, fmt.Errorf("reset stuck events: %w", err)
	}

	return result, nil
}

// MarkPublished marks a claimed outbox event as published.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if err := outbox.ValidateOutboxTransition(outbox.OutboxStatusProcessing, outbox.OutboxStatusPublished); err != nil {
		return fmt.Errorf("mark published transition: %w", err)
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_published")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_event_status, published_at = $2, next_retry_at = NULL, updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.OutboxStatusPublished,
			publishedAt.UTC(),
			time.Now().UTC(),
			id,
			outbox.OutboxStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to mark outbox published", err)
		logSanitizedError(logger, ctx, "failed to mark outbox published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records a failed publish attempt for a claimed event.
//
// The attempt counter and exhaustion decision live in one statement so two
// dispatchers can never race an event past maxAttempts: the row either becomes
// FAILED with a retry schedule or EXHAUSTED with no schedule at all.
func (repo *Repository) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	errMsg string,
	nextRetryAt time.Time,
	maxAttempts int,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if err := outbox.ValidateOutboxTransition(outbox.OutboxStatusProcessing, outbox.OutboxStatusFailed); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	if err := outbox.ValidateOutboxTransition(outbox.OutboxStatusProcessing, outbox.OutboxStatusExhausted); err != nil {
		return fmt.Errorf("mark failed->exhausted transition: %w", err)
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::outbox_event_status, " +
			"attempts = attempts + 1, " +
			"last_error = $4, " +
			"next_retry_at = CASE WHEN attempts + 1 >= $1 THEN NULL ELSE $5 END, " +
			"updated_at = $6 WHERE id = $7 AND status = $8::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			maxAttempts,
			outbox.OutboxStatusExhausted,
			outbox.OutboxStatusFailed,
			errMsg,
			nextRetryAt.UTC(),
			time.Now().UTC(),
			id,
			outbox.OutboxStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to mark outbox failed", err)
		logSanitizedError(logger, ctx, "failed to mark outbox failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// ListExhausted lists dead-lettered events awaiting operator intervention.
func (repo *Repository) ListExhausted(ctx context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_exhausted")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.OutboxEvent, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1::outbox_event_status ORDER BY updated_at ASC LIMIT $2"

		args := []any{outbox.OutboxStatusExhausted, limit}

		return queryOutboxEvents(ctx, tx, query, args, limit, "querying exhausted events")
	})
	if err != nil {
		otelutil.HandleSpanError(span, "failed to list exhausted events", err)
		logSanitizedError(logger, ctx, "failed to list exhausted events", err)

		return nil, fmt.Errorf("listing exhausted events: %w", err)
	}

	return result, nil
}

func scanOutboxEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.OutboxEvent, error) {
	var event outbox.OutboxEvent

	var lastError, traceID, correlationID sql.NullString

	if err := scanner.Scan(
		&event.ID,
		&event.EventType,
		&event.AggregateID,
		&event.AggregateType,
		&event.Payload,
		&event.Status,
		&event.Attempts,
		&lastError,
		&event.PublishedAt,
		&event.NextRetryAt,
		&traceID,
		&correlationID,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox event: %w", err)
	}

	if lastError.Valid {
		event.LastError = lastError.String
	}

	if traceID.Valid {
		event.TraceID = traceID.String
	}

	if correlationID.Valid {
		event.CorrelationID = correlationID.String
	}

	return &event, nil
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return zero, fmt.Errorf("getting database handle: %w", err)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.conn != nil
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
		trimmed := strings.TrimSpace(part)
		if err := validateIdentifier(trimmed); err != nil {
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

func logSanitizedError(logger libLog.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, libLog.LevelError, message,
		libLog.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

type createValues struct {
	id            uuid.UUID
	eventType     string
	aggregateID   uuid.UUID
	aggregateType string
	payload       []byte
	status        string
	attempts      int
	lastError     string
	publishedAt   *time.Time
	nextRetryAt   *time.Time
	traceID       string
	correlationID string
	createdAt     time.Time
	updatedAt     time.Time
}

func normalizedCreateValues(event *outbox.OutboxEvent, now time.Time) createValues {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := event.UpdatedAt
	if updatedAt.IsZero() || updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	return createValues{
		id:            event.ID,
		eventType:     strings.TrimSpace(event.EventType),
		aggregateID:   event.AggregateID,
		aggregateType: strings.TrimSpace(event.AggregateType),
		payload:       event.Payload,
		status:        outbox.OutboxStatusPending,
		attempts:      0,
		lastError:     "",
		publishedAt:   nil,
		nextRetryAt:   nil,
		traceID:       event.TraceID,
		correlationID: event.CorrelationID,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

func validateCreateEvent(event *outbox.OutboxEvent) error {
	if event == nil {
		return outbox.ErrOutboxEventRequired
	}

	if event.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(event.EventType) == "" {
		return outbox.ErrEventTypeRequired
	}

	if event.AggregateID == uuid.Nil {
		return ErrAggregateIDRequired
	}

	if strings.TrimSpace(event.AggregateType) == "" {
		return outbox.ErrAggregateTypeRequired
	}

	if len(event.Payload) == 0 {
		return outbox.ErrOutboxEventPayloadRequired
	}

	if len(event.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrOutboxEventPayloadTooLarge
	}

	if !json.Valid(event.Payload) {
		return outbox.ErrOutboxEventPayloadNotJSON
	}

	return nil
}

func queryOutboxEvents(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	events := make([]*outbox.OutboxEvent, 0, limit)

	for rows.Next() {
		event, scanErr := scanOutboxEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return events, nil
}
