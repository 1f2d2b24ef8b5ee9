package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// ErrNotConnected is returned when a channel is requested before Connect.
var ErrNotConnected = errors.New("rabbitmq connection is not established")

// Connection keeps a singleton AMQP connection and hands out dedicated
// channels for broker instances.
type Connection struct {
	ConnectionString string `json:"-"`
	Logger           log.Logger

	mu         sync.Mutex
	connection *amqp.Connection
	connected  bool

	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (*amqp.Channel, error)
}

// Connect dials the broker. Calling Connect on an already-connected
// Connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDefaults()

	if c.connected && c.connection != nil && !c.connection.IsClosed() {
		return nil
	}

	logger := c.logger()
	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := c.dialer(c.ConnectionString)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, c.ConnectionString)))

		return newSanitizedError(err, c.ConnectionString, "failed to connect to rabbitmq")
	}

	c.connection = conn
	c.connected = true

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// NewChannel opens a fresh channel on the connection. Each Broker needs its
// own channel because publisher confirms are tracked per channel.
func (c *Connection) NewChannel() (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.connection == nil || c.connection.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := c.channelFactory(c.connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// Close closes the underlying AMQP connection and any channels opened on it.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false

	if c.connection == nil || c.connection.IsClosed() {
		c.connection = nil

		return nil
	}

	conn := c.connection
	c.connection = nil

	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing rabbitmq connection: %w", err)
	}

	return nil
}

// IsConnected reports whether the connection is established and open.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected && c.connection != nil && !c.connection.IsClosed()
}

func (c *Connection) applyDefaults() {
	if c.dialer == nil {
		c.dialer = amqp.Dial
	}

	if c.channelFactory == nil {
		c.channelFactory = func(conn *amqp.Connection) (*amqp.Channel, error) {
			return conn.Channel()
		}
	}
}

func (c *Connection) logger() log.Logger {
	if nilcheck.Interface(c.Logger) {
		return log.NewNop()
	}

	return c.Logger
}

// sanitizedError carries a credential-free message for logs while Unwrap
// keeps the original error for errors.Is / errors.As inspection.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with a human-readable prefix and redacted connection string.
func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	// Redact the decoded password individually, covering error messages that
	// carry the password with URL-encoded characters decoded.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string.
// If vhost is empty, the default vhost "/" is used (no path in URL).
// Special characters in user, password, and vhost are URL-encoded
// automatically. Supports IPv6 hosts (e.g., "[::1]").
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		// Bracket bare IPv6 addresses to avoid malformed URLs.
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape: vhost names may contain '/'
		// which must become %2F, and PathEscape leaves '/' alone.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
