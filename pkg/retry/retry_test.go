package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffStrategy:   BackoffConstant,
		BackoffMultiplier: 2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	r, err := NewRetryer(fastConfig(5))
	if err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r, _ := NewRetryer(fastConfig(3))

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !strings.Contains(err.Error(), "max retry attempts") {
		t.Errorf("error must mention exhaustion: %v", err)
	}
}

func TestDoNonRetryableError(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryableErrors = []string{"timeout", "connection refused"}
	r, _ := NewRetryer(cfg)

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("checksum mismatch")
	})
	if err == nil {
		t.Fatal("expected non-retryable failure")
	}
	if attempts != 1 {
		t.Errorf("non-retryable error must not be retried, attempts = %d", attempts)
	}
}

func TestDoRetryableErrorPattern(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []string{"timeout"}
	r, _ := NewRetryer(cfg)

	attempts := 0
	r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("read timeout on control connection")
	})
	if attempts != 3 {
		t.Errorf("matching error must be retried, attempts = %d", attempts)
	}
}

func TestDoContextCancellation(t *testing.T) {
	cfg := fastConfig(100)
	cfg.InitialDelay = time.Hour // отмена должна сработать раньше задержки
	cfg.MaxDelay = time.Hour
	r, _ := NewRetryer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestOnRetryCallback(t *testing.T) {
	cfg := fastConfig(3)
	var callbackAttempts []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbackAttempts = append(callbackAttempts, attempt)
	}
	r, _ := NewRetryer(cfg)

	r.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("always fails")
	})

	if len(callbackAttempts) != 2 {
		t.Errorf("OnRetry called %d times, want 2 (before each retry)", len(callbackAttempts))
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffStrategy:   BackoffExponential,
		BackoffMultiplier: 2.0,
	}
	r, _ := NewRetryer(cfg)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 10 * time.Second}, // обрезано MaxDelay
	}
	for _, c := range cases {
		if got := r.calculateDelay(c.attempt); got != c.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}

	r.config.BackoffStrategy = BackoffLinear
	if got := r.calculateDelay(3); got != 3*time.Second {
		t.Errorf("linear delay(3) = %v, want 3s", got)
	}

	r.config.BackoffStrategy = BackoffConstant
	if got := r.calculateDelay(4); got != time.Second {
		t.Errorf("constant delay = %v, want 1s", got)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{MaxAttempts: 0, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffStrategy: BackoffConstant},
		{MaxAttempts: 3, InitialDelay: time.Minute, MaxDelay: time.Second, BackoffStrategy: BackoffConstant},
		{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffStrategy: "random"},
		{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffStrategy: BackoffConstant, Jitter: 2},
	}
	for i, cfg := range bad {
		if _, err := NewRetryer(cfg); err == nil {
			t.Errorf("config %d must be rejected", i)
		}
	}

	if _, err := NewRetryer(DefaultConfig()); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}
