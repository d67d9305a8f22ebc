package datastore

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"kvclient/internal/metrics"
	"kvclient/internal/retry"
)

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
	limiter    *rate.Limiter
}

func defaultOptions() options {
	return options{
		logger:     slog.New(slog.DiscardHandler),
		retryDelay: retry.DefaultDelay,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetryDelay sets the pause between failed attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithRateLimit caps the attempts per second this client sends to the
// backend. Every attempt, including retries, waits for a token.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit > 0 && burst > 0 {
			o.limiter = rate.NewLimiter(limit, burst)
		}
	}
}
