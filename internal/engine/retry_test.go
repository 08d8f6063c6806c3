package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/storage"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxRetries != 3 || cfg.InitialDelay != time.Second || cfg.Multiplier != 2.0 {
		t.Errorf("DefaultRetryConfig() = %+v", cfg)
	}
}

func TestRetrier_Do(t *testing.T) {
	unavailable := &protocol.FetchError{URL: "https://x/update/10/", StatusCode: 503}
	missing := &protocol.FetchError{URL: "https://x/update/10/", StatusCode: 404}
	refused := &net.OpError{Op: "dial", Err: errors.New("connection refused")}

	tests := []struct {
		name         string
		maxRetries   int
		failures     int
		err          error
		wantOK       bool
		wantAttempts int
	}{
		{"first attempt", 3, 0, nil, true, 1},
		{"server error then success", 3, 2, unavailable, true, 3},
		{"dial error then success", 3, 1, refused, true, 2},
		{"budget exhausted", 2, 10, unavailable, false, 3},
		{"no retries configured", 0, 10, unavailable, false, 1},
		{"not found is final", 3, 10, missing, false, 1},
		{"plain error is final", 3, 10, errors.New("permanent"), false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfig{MaxRetries: tt.maxRetries, InitialDelay: time.Millisecond, Multiplier: 2}

			calls := 0
			result := NewRetrier(cfg).Do(context.Background(), func(ctx context.Context, attempt int) error {
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			if result.Successful != tt.wantOK {
				t.Errorf("Successful = %v, want %v (last error %v)", result.Successful, tt.wantOK, result.LastError)
			}
			if result.Attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("Attempts = %d, calls = %d, want %d", result.Attempts, calls, tt.wantAttempts)
			}
			if !tt.wantOK && !errors.Is(result.LastError, tt.err) {
				t.Errorf("LastError = %v, want %v", result.LastError, tt.err)
			}
		})
	}
}

func TestRetrier_Do_ContextDeadline(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, Multiplier: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := NewRetrier(cfg).Do(ctx, func(ctx context.Context, attempt int) error {
		return &protocol.FetchError{URL: "u", StatusCode: 502}
	})

	if result.Successful {
		t.Fatal("Do() should give up when the context ends")
	}
	if !errors.Is(result.LastError, context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want DeadlineExceeded", result.LastError)
	}
}

func TestRetrier_Do_CanceledIsFinal(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, RetryIf: func(error) bool { return true }}

	calls := 0
	NewRetrier(cfg).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("reading body: %w", context.Canceled)
	})

	if calls != 1 {
		t.Errorf("calls = %d, cancellation must not be retried", calls)
	}
}

func TestRetrier_calculateDelay(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, expected := range want {
		if delay := retrier.calculateDelay(attempt); delay != expected {
			t.Errorf("calculateDelay(%d) = %v, want %v", attempt, delay, expected)
		}
	}
}

func TestRetrier_calculateDelay_JitterBounds(t *testing.T) {
	retrier := NewRetrier(RetryConfig{InitialDelay: time.Second, Multiplier: 2, Jitter: 0.1})

	for i := 0; i < 50; i++ {
		delay := retrier.calculateDelay(1)
		if delay < 1800*time.Millisecond || delay > 2200*time.Millisecond {
			t.Fatalf("calculateDelay(1) = %v, want 2s +/- 10%%", delay)
		}
	}
}

func TestRetrier_OnRetry(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	}

	NewRetrier(cfg).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return &protocol.FetchError{URL: "u", Err: errors.New("connection reset")}
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
	if len(delays) == 2 && delays[1] != 2*delays[0] {
		t.Errorf("delays = %v, want doubling", delays)
	}
}

func TestRetrier_RetryIf(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		RetryIf:      func(error) bool { return true },
	}

	calls := 0
	result := NewRetrier(cfg).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("disk full")
	})

	if result.Successful || calls != 4 {
		t.Errorf("calls = %d, successful = %v, want 4 failed attempts", calls, result.Successful)
	}
}

func TestRetryableError(t *testing.T) {
	short := errors.New("unexpected EOF")
	err := fmt.Errorf("pack-os-core.tar: %w", NewRetryableError(short))

	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for a wrapped retryable error")
	}
	if !errors.Is(err, short) {
		t.Error("retryable error should unwrap to its cause")
	}
	if IsRetryable(short) {
		t.Error("IsRetryable() = true for a plain error")
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"regular error", errors.New("some error"), false},
		{"net.OpError", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"timeout", context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isNetworkError(tt.err)
			if got != tt.expected {
				t.Errorf("isNetworkError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"503", &protocol.FetchError{URL: "u", StatusCode: 503}, true},
		{"wrapped 429", fmt.Errorf("listing: %w", &protocol.FetchError{URL: "u", StatusCode: 429}), true},
		{"404", &protocol.FetchError{URL: "u", StatusCode: 404}, false},
		{"transport", &protocol.FetchError{URL: "u", Err: errors.New("connection reset")}, true},
		{"parse", &protocol.ParseError{Text: "x", Err: errors.New("bad")}, false},
		{"path conflict", &storage.PathConflictError{Path: "/m"}, false},
		{"marked retryable", NewRetryableError(errors.New("short read")), true},
		{"plain", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

type flakyFetcher struct {
	failures int
	calls    int
	err      error
}

func (f *flakyFetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "page", nil
}

func (f *flakyFetcher) FetchInt(ctx context.Context, rawURL string) (int, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 42, nil
}

func TestRetryFetcher(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("transient then success", func(t *testing.T) {
		next := &flakyFetcher{failures: 2, err: &protocol.FetchError{URL: "u", StatusCode: 502}}
		text, err := NewRetryFetcher(next, cfg, log).FetchText(context.Background(), "u")
		if err != nil {
			t.Fatalf("FetchText() error = %v", err)
		}
		if text != "page" || next.calls != 3 {
			t.Errorf("FetchText() = %q after %d calls, want page after 3", text, next.calls)
		}
	})

	t.Run("permanent failure not repeated", func(t *testing.T) {
		next := &flakyFetcher{failures: 10, err: &protocol.FetchError{URL: "u", StatusCode: 404}}
		_, err := NewRetryFetcher(next, cfg, log).FetchInt(context.Background(), "u")
		if !errors.Is(err, protocol.ErrFetch) {
			t.Fatalf("FetchInt() error = %v, want FetchError", err)
		}
		if next.calls != 1 {
			t.Errorf("calls = %d, want 1", next.calls)
		}
	})

	t.Run("budget exhausted", func(t *testing.T) {
		next := &flakyFetcher{failures: 10, err: &protocol.FetchError{URL: "u", StatusCode: 500}}
		n, err := NewRetryFetcher(next, cfg, log).FetchInt(context.Background(), "u")
		if err == nil || n != 0 {
			t.Fatalf("FetchInt() = %d, %v, want error", n, err)
		}
		if next.calls != 4 {
			t.Errorf("calls = %d, want 4 (1 + 3 retries)", next.calls)
		}
	})
}
