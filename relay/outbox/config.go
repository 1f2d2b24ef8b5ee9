package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
)

const (
	defaultDispatchInterval      = 2 * time.Second
	defaultBatchSize             = 50
	defaultPublishTimeout        = 5 * time.Second
	defaultProcessingTimeout     = 10 * time.Minute
	defaultClaimFailureThreshold = 3
)

// DispatcherConfig controls dispatcher polling, retry, and metric behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// PublishTimeout bounds a single broker publish call so one slow broker
	// call cannot stall the rest of the batch.
	PublishTimeout time.Duration
	// ProcessingTimeout is the age threshold for reclaiming stuck processing
	// events left behind by a crashed dispatcher.
	ProcessingTimeout time.Duration
	// ClaimFailureThreshold emits an error log once repeated claim failures
	// reach this count.
	ClaimFailureThreshold int
	// RetryPolicy schedules retries and decides exhaustion.
	RetryPolicy RetryPolicy
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:      defaultDispatchInterval,
		BatchSize:             defaultBatchSize,
		PublishTimeout:        defaultPublishTimeout,
		ProcessingTimeout:     defaultProcessingTimeout,
		ClaimFailureThreshold: defaultClaimFailureThreshold,
		RetryPolicy:           DefaultRetryPolicy(),
		MeterProvider:         nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.ClaimFailureThreshold <= 0 {
		cfg.ClaimFailureThreshold = defaults.ClaimFailureThreshold
	}

	cfg.RetryPolicy.normalize()
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum events claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithPublishTimeout bounds a single broker publish call.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.PublishTimeout = timeout
		}
	}
}

// WithProcessingTimeout sets the timeout used to reclaim stuck processing events.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithClaimFailureThreshold sets the log threshold for repeated claim failures.
func WithClaimFailureThreshold(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.ClaimFailureThreshold = threshold
		}
	}
}

// WithRetryPolicy sets the retry schedule and exhaustion limit.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		policy.normalize()
		dispatcher.cfg.RetryPolicy = policy
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
