package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayMonotonicCapped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 4 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	prev := time.Duration(0)
	for i, w := range want {
		got := Delay(cfg, i+1)
		if got != w {
			t.Fatalf("attempt %d: delay = %s, want %s", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay %s decreased from %s", i+1, got, prev)
		}
		prev = got
	}
}

func TestRetryableTimeoutOverride(t *testing.T) {
	err := errors.New("Request timed out")

	if Retryable(err, []string{"429", "500"}) {
		t.Fatal("timed-out error retried without a timeout token")
	}
	if !Retryable(err, []string{"429", "500", "timeout"}) {
		t.Fatal("timed-out error not retried despite timeout token")
	}
}

func TestRetryableNilSetAllowsEverything(t *testing.T) {
	if !Retryable(errors.New("connection reset by peer"), nil) {
		t.Fatal("nil token set should retry any error")
	}
}

type codedErr struct {
	code string
	msg  string
}

func (e *codedErr) Error() string     { return e.msg }
func (e *codedErr) ErrorCode() string { return e.code }

func TestRetryableMatchesCodeBeforeMessage(t *testing.T) {
	err := &codedErr{code: "404", msg: "recording fetch failed"}
	if !Retryable(err, []string{"404"}) {
		t.Fatal("coded 404 should match token 404")
	}
	if Retryable(err, []string{"500"}) {
		t.Fatal("coded 404 should not match token 500")
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Config{MaxRetries: 5, BaseDelay: time.Millisecond, RetryableErrors: []string{"503"}}, "op", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("status 400: bad request")
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("non-retryable error should stop after one attempt, got calls=%d attempts=%d", calls, res.Attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, "op", func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d failed", calls)
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 3 || res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if res.Err == nil || res.Err.Error() != "attempt 3 failed" {
		t.Fatalf("expected last error to be reported, got %v", res.Err)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Config{MaxRetries: 3, BaseDelay: time.Millisecond}, "op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("status 503: unavailable")
		}
		return "ok", nil
	})
	if !res.Success || res.Value != "ok" {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if res.Elapsed <= 0 {
		t.Fatal("elapsed time not recorded")
	}
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, "slow op", func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 42, nil
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.ErrorCode() != "timeout" {
		t.Fatalf("timeout code = %q", te.ErrorCode())
	}

	// The resulting error must hit the timeout override.
	if Retryable(err, []string{"429"}) {
		t.Fatal("timeout retried without explicit token")
	}
	if !Retryable(err, []string{"timeout"}) {
		t.Fatal("timeout not retried with explicit token")
	}

	v, err := WithTimeout(context.Background(), 100*time.Millisecond, "fast op", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("fast op: v=%d err=%v", v, err)
	}
}
