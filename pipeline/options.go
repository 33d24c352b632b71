package pipeline

import (
	"log/slog"
	"time"

	"github.com/dshills/pipeline-go/pipeline/emit"
)

// Option is a functional option for configuring a Scheduler.
//
// Example:
//
//	sched, err := pipeline.New(st, reg,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithMetrics(metrics),
//	    pipeline.WithPollInterval(500*time.Millisecond),
//	)
type Option func(*schedulerConfig) error

type schedulerConfig struct {
	pollInterval time.Duration
	claimRetry   RetryPolicy
	logger       *slog.Logger
	emitter      emit.Emitter
	metrics      *PrometheusMetrics
	supervisor   ProcessSupervisor
	waker        Waker
	protocols    *ProtocolRegistry
}

func defaultConfig() schedulerConfig {
	return schedulerConfig{
		pollInterval: DefaultPollInterval,
		claimRetry:   DefaultClaimRetry,
	}
}

// WithPollInterval sets how long gap workers sleep after finding no eligible
// gap step. Ignored when a Waker is configured with WithWaker.
//
// Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *schedulerConfig) error {
		if d <= 0 {
			return &ValidationError{Field: "poll_interval", Message: "must be positive"}
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithClaimRetry sets the retry policy applied when a gap claim hits store
// contention.
func WithClaimRetry(p RetryPolicy) Option {
	return func(cfg *schedulerConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.claimRetry = p
		return nil
	}
}

// WithLogger sets the scheduler logger. Handlers receive a child of it.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *schedulerConfig) error {
		cfg.logger = logger
		return nil
	}
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *schedulerConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *schedulerConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithSupervisor sets the process supervisor used by StopRun and stale-run
// detection.
func WithSupervisor(sup ProcessSupervisor) Option {
	return func(cfg *schedulerConfig) error {
		cfg.supervisor = sup
		return nil
	}
}

// WithWaker replaces the polling wait used when no gap step is eligible.
func WithWaker(w Waker) Option {
	return func(cfg *schedulerConfig) error {
		cfg.waker = w
		return nil
	}
}

// WithProtocols sets the protocols runs may reference.
func WithProtocols(p *ProtocolRegistry) Option {
	return func(cfg *schedulerConfig) error {
		cfg.protocols = p
		return nil
	}
}
