// Package retry provides retry logic with exponential backoff and jitter
// for operations against flaky network peers (broker reconnects, token
// endpoint calls).
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Config tunes a Retrier's attempt count and backoff schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Retrier retries an operation with exponential backoff and jitter,
// retrying only errors it classifies as transient.
type Retrier struct {
	logger *log.Logger
	config Config
}

// New creates a Retrier with the given logger and optional config override.
func New(logger *log.Logger, config ...Config) *Retrier {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Retrier{logger: logger, config: cfg}
}

// Do runs fn, retrying on transient errors with exponential backoff and
// jitter until config.MaxRetries is exhausted or config.Timeout elapses.
// label is used only for log lines.
func (r *Retrier) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: canceled: %w", label, ctx.Err())
		}

		err := fn(opCtx)
		attempts++
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Printf("%s attempt %d/%d failed: %v", label, attempt+1, r.config.MaxRetries+1, err)

		if !r.isTransientError(err) || attempt == r.config.MaxRetries {
			break
		}

		r.logger.Printf("%s: transient error, retrying in %v", label, backoff)
		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s: timed out during backoff: %w", label, opCtx.Err())
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", label, attempts, lastErr)
}

func (r *Retrier) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func (r *Retrier) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"i/o timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"temporarily unavailable",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"no such host",
		"deadline exceeded",
		"tls handshake",
		"broken pipe",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
