package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider supplies OHLCV ranges on request. Implementations map their
// transport failures onto the error taxonomy below so the backfill
// path can react uniformly.
type Provider interface {
	// FetchRange returns candles with Timestamp in [from, to), ascending.
	FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]Candle, error)
	// Venue reports the trading calendar governing the provider's symbols.
	Venue() *Venue
	Close() error
}

// ErrNoData means the provider has no candles for the requested range.
// Not a failure: the orchestrator records the range and moves on.
var ErrNoData = errors.New("provider: no data for range")

// RateLimitedError is returned when the provider throttles us.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider: rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps a recoverable provider failure (network flap,
// 5xx). Retried with backoff and window shrinking.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether the orchestrator should retry the fetch.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var tr *TransientError
	return errors.As(err, &tr)
}

// RetryAfter extracts the provider-advertised wait, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
