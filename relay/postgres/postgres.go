// Package postgres manages the PostgreSQL connection used by the relay
// repositories, including schema migrations at connect time.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source used by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"

	// Registers the pgx stdlib driver under the "pgx" name.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn        = sql.Open
	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub which deals with the relay postgres connection.
//
// Claiming relies on row locks, so all repository traffic goes to a single
// primary; read replicas are deliberately unsupported here.
type Connection struct {
	ConnectionString   string
	DBName             string
	Component          string
	MigrationsPath     string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	db                 *sql.DB
	connected          bool
	mu                 sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if nilcheck.Interface(conn.Logger) {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary connection and applies pending migrations.
func (conn *Connection) Connect(ctxs ...context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	ctx := contextFrom(ctxs...)

	return conn.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold conn.mu write lock.
func (conn *Connection) connectLocked(ctx context.Context) error {
	ctx = contextFrom(ctx)

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.db != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	db, err := dbOpenFn("pgx", conn.ConnectionString)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to connect to database", log.String("error", sanitizedErr))

		return fmt.Errorf("failed to connect to database: %s", sanitizedErr)
	}

	// Ensure the handle is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			db.Close()
		}
	}()

	db.SetMaxOpenConns(conn.MaxOpenConnections)
	db.SetMaxIdleConns(conn.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	migrationsPath, err := conn.getMigrationsPath()
	if err != nil {
		conn.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	if err := runMigrationsFn(ctx, db, migrationsPath, conn.DBName, conn.Logger); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		conn.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.connected = true
	conn.db = db

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the database handle, initializing the connection if necessary.
func (conn *Connection) GetDB(ctxs ...context.Context) (*sql.DB, error) {
	ctx := contextFrom(ctxs...)

	conn.mu.RLock()

	if conn.db != nil {
		db := conn.db
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	// Double-check after acquiring write lock.
	if conn.db != nil {
		return conn.db, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.db, nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.db != nil {
		err := conn.db.Close()
		conn.db = nil
		conn.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database handle is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

// getMigrationsPath returns the path to migration files, calculating it if not
// explicitly provided.
func (conn *Connection) getMigrationsPath() (string, error) {
	if conn.MigrationsPath != "" {
		return sanitizePath(conn.MigrationsPath)
	}

	// Sanitize Component to prevent path traversal (CWE-22).
	sanitized := filepath.Base(conn.Component)
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return "", fmt.Errorf("invalid component name: %q", conn.Component)
	}

	calculatedPath, err := filepath.Abs(filepath.Join("components", sanitized, "migrations"))
	if err != nil {
		return "", fmt.Errorf("failed to get migration filepath: %w", err)
	}

	return calculatedPath, nil
}

func contextFrom(ctxs ...context.Context) context.Context {
	if len(ctxs) == 0 || ctxs[0] == nil {
		return context.Background()
	}

	return ctxs[0]
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid database name", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
