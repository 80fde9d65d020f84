package archive

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig shapes the backoff schedule used by RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig suits metadata endpoints: 3 attempts, 300ms base,
// doubling, capped at 3s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
	}
}

// delayBefore computes the jittered pause taken before the given attempt
// (attempt 2 is the first retry). Jitter spreads concurrent resolvers over
// a ±25% band around the exponential curve.
func (c RetryConfig) delayBefore(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= c.Multiplier
	}
	if capped := float64(c.MaxDelay); d > capped {
		d = capped
	}
	jittered := time.Duration(d * (0.75 + rand.Float64()*0.5))
	if jittered > c.MaxDelay {
		jittered = c.MaxDelay
	}
	return jittered
}

// RetryWithBackoff runs fn until it succeeds, fails permanently, or the
// attempts run out. Waits between attempts respect ctx; a cancellation
// mid-wait surfaces as ctx.Err().
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt >= attempts {
			return err
		}
		if werr := sleepCtx(ctx, cfg.delayBefore(attempt+1)); werr != nil {
			return werr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fragments of error text that mark a failure worth retrying when no typed
// check catches it first.
var transientFragments = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"tls",
	"eof",
}

// retryable reports whether the failure is the come-and-go network kind.
// Anything else (4xx statuses, malformed bodies) fails immediately.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
