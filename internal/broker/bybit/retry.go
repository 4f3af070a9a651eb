package bybit

import (
	"context"
	"math"
	"math/rand"
	"time"

	logger "github.com/sirupsen/logrus"
)

// retryConfig shapes the exponential backoff applied to retryable API
// failures.
type retryConfig struct {
	maxRetries    int
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	jitter        bool
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries:    3,
		initialDelay:  time.Second,
		maxDelay:      30 * time.Second,
		backoffFactor: 2.0,
		jitter:        true,
	}
}

// withRetry runs fn, retrying transient failures with exponential backoff
// and jitter. Non-retryable errors and context cancellation return
// immediately. Exhausted errors leave classified so callers can tell
// credential failures from per-call trouble.
func (g *Gateway) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.retry.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == g.retry.maxRetries || !isRetryable(err) {
			break
		}

		delay := g.backoffDelay(attempt)
		g.log.WithError(err).WithFields(logger.Fields{
			"operation": operation,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
		}).Warn("retrying broker call")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return classify(operation, lastErr)
}

func (g *Gateway) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(g.retry.initialDelay) * math.Pow(g.retry.backoffFactor, float64(attempt)))
	if delay > g.retry.maxDelay {
		delay = g.retry.maxDelay
	}
	if g.retry.jitter {
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}
