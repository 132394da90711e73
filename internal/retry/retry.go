package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config controls one retried invocation. It carries no state between
// invocations; callers pass a named config value rather than relying on
// package-level defaults.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the computed backoff. Zero or negative means uncapped.
	MaxDelay   time.Duration
	Multiplier float64
	// RetryableErrors is the set of tokens a failure must match to be
	// retried: error codes, numeric HTTP statuses as strings, or message
	// substrings. Nil means every failure is retryable.
	RetryableErrors []string
}

// Default is the shared baseline config for external calls.
func Default() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// Result reports the outcome of a retried operation.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Coded is implemented by errors that carry a machine-readable code
// assigned at the boundary where the raw upstream failure was first
// observed. Retryability is classified on the code before falling back to
// message substrings.
type Coded interface {
	ErrorCode() string
}

// TimeoutError is returned by WithTimeout when the operation loses the race
// against the timer. Its code is "timeout" and its message contains
// "timed out", so it is only retried by configs that opt in explicitly.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.After)
}

func (e *TimeoutError) ErrorCode() string { return "timeout" }

// Do runs op up to cfg.MaxRetries+1 times, sleeping an exponentially growing
// jittered delay between attempts. It stops early on a non-retryable failure
// or context cancellation and reports the last error either way.
func Do[T any](ctx context.Context, cfg Config, label string, op func(context.Context) (T, error)) Result[T] {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return Result[T]{Success: true, Value: value, Attempts: attempt, Elapsed: time.Since(start)}
		}
		lastErr = err

		if attempt > cfg.MaxRetries || !Retryable(err, cfg.RetryableErrors) {
			return Result[T]{Err: lastErr, Attempts: attempt, Elapsed: time.Since(start)}
		}
		if err := sleep(ctx, jitter(Delay(cfg, attempt))); err != nil {
			return Result[T]{Err: lastErr, Attempts: attempt, Elapsed: time.Since(start)}
		}
	}
	return Result[T]{Err: lastErr, Attempts: cfg.MaxRetries + 1, Elapsed: time.Since(start)}
}

// WithTimeout races op against a timer. The operation is not cancelled
// beyond ctx; on timeout the caller gets a TimeoutError while the work runs
// to completion in the background.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, op func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		ch <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-timer.C:
		var zero T
		return zero, &TimeoutError{Label: label, After: d}
	}
}

// Retryable classifies a failure against the configured token set. With no
// set, everything is retryable. A failure that looks like a timeout is only
// retryable when the set explicitly contains a timeout token, because a
// timeout usually means a stuck downstream call rather than transient load.
func Retryable(err error, tokens []string) bool {
	if err == nil {
		return false
	}
	if tokens == nil {
		return true
	}

	msg := strings.ToLower(err.Error())
	code := errorCode(err)

	if code == "timeout" || strings.Contains(msg, "timed out") {
		return hasTimeoutToken(tokens)
	}
	for _, t := range tokens {
		token := strings.ToLower(strings.TrimSpace(t))
		if token == "" {
			continue
		}
		if code != "" && token == code {
			return true
		}
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// Delay is the raw pre-jitter backoff for a given attempt (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(attempt-1)).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// jitter applies ±10% uniform noise, floored at zero.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.9 + 0.2*rand.Float64()
	j := time.Duration(float64(d) * factor)
	if j < 0 {
		return 0
	}
	return j
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorCode(err error) string {
	for err != nil {
		if coded, ok := err.(Coded); ok {
			return strings.ToLower(coded.ErrorCode())
		}
		err = unwrap(err)
	}
	return ""
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func hasTimeoutToken(tokens []string) bool {
	for _, t := range tokens {
		token := strings.ToLower(t)
		if strings.Contains(token, "timeout") || strings.Contains(token, "timed out") {
			return true
		}
	}
	return false
}
