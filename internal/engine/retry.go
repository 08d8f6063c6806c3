package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/storage"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries   int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Exponential backoff multiplier
	Jitter       float64       // Random jitter factor (0-1)

	// RetryIf decides whether an error is worth another attempt.
	// Nil means IsTransient.
	RetryIf func(error) bool

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1, // 10% jitter
	}
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
}

// NewRetrier creates a new Retrier with the given config
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Retrier{config: config}
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts   int
	TotalTime  time.Duration
	LastError  error
	Successful bool
}

// Do executes the function with retry logic
func (r *Retrier) Do(ctx context.Context, fn RetryFunc) RetryResult {
	result := RetryResult{}
	startTime := time.Now()

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := fn(ctx, attempt)
		if err == nil {
			result.Successful = true
			result.LastError = nil
			break
		}

		result.LastError = err

		if ctx.Err() != nil || !r.shouldRetry(err) || attempt >= r.config.MaxRetries {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalTime = time.Since(startTime)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalTime = time.Since(startTime)
	return result
}

// shouldRetry determines if an error should trigger a retry
func (r *Retrier) shouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsTransient(err)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	multiplier := r.config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(r.config.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter > 0 {
		jitter := delay * r.config.Jitter * (rand.Float64()*2 - 1) // -jitter to +jitter
		delay += jitter
	}

	return time.Duration(delay)
}

// IsTransient reports whether a failed request may succeed when repeated:
// server errors, throttling and transport failures, but not 4xx answers,
// parse failures or local path conflicts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, storage.ErrPathConflict) || errors.Is(err, protocol.ErrParse) {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	var fetchErr *protocol.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}

	return isNetworkError(err)
}

// isNetworkError checks if an error is a network-related error
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// RetryableError wraps an error to indicate it should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is marked as retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// TextFetcher is the part of the transport used for listings and small endpoints
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
	FetchInt(ctx context.Context, rawURL string) (int, error)
}

// RetryFetcher repeats transient listing and endpoint failures
type RetryFetcher struct {
	next   TextFetcher
	config RetryConfig
	log    *slog.Logger
}

// NewRetryFetcher wraps next with the retry policy in config
func NewRetryFetcher(next TextFetcher, config RetryConfig, log *slog.Logger) *RetryFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &RetryFetcher{next: next, config: config, log: log}
}

func (f *RetryFetcher) retrier(rawURL string) *Retrier {
	config := f.config
	userHook := config.OnRetry
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		f.log.Warn("retrying request",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if userHook != nil {
			userHook(attempt, err, delay)
		}
	}
	return NewRetrier(config)
}

// FetchText retrieves rawURL, retrying transient failures
func (f *RetryFetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	var text string
	result := f.retrier(rawURL).Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		text, err = f.next.FetchText(ctx, rawURL)
		return err
	})
	if !result.Successful {
		return "", result.LastError
	}
	return text, nil
}

// FetchInt retrieves an integer endpoint, retrying transient failures
func (f *RetryFetcher) FetchInt(ctx context.Context, rawURL string) (int, error) {
	var n int
	result := f.retrier(rawURL).Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		n, err = f.next.FetchInt(ctx, rawURL)
		return err
	})
	if !result.Successful {
		return 0, result.LastError
	}
	return n, nil
}
