// Package retry provides common retry logic for regionsync connections and sync cycles.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	Constant      bool // keep BaseDelay between attempts instead of doubling it
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// Fixed returns a config retrying maxRetries times, waiting delay in between
func Fixed(maxRetries uint64, delay time.Duration) *Config {
	return &Config{
		MaxAttempts: maxRetries,
		BaseDelay:   delay,
		Constant:    true,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return Selective(ctx, config, func(context.Context) error {
		return operation()
	}, func(error) bool { return true }, operationName)
}

// Selective retries operation only while retryable reports true for its error.
// Other errors are returned at once.
func Selective(ctx context.Context, config *Config, operation func(context.Context) error, retryable func(error) bool, operationName string) error {
	attempt := 0
	return retry.Do(ctx, config.CreateBackoff(), func(ctx context.Context) error {
		attempt++
		err := operation(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			WithField("attempt", attempt).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	base := c.BaseDelay
	if base <= 0 { // go-retry panics on non-positive delays
		base = time.Millisecond
	}
	var backoff retry.Backoff
	if c.Constant {
		backoff = retry.NewConstant(base)
	} else {
		backoff = retry.NewExponential(base)
	}
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	if c.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	}
	if c.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	}
	return backoff
}
