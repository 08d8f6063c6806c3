// Package engine transfers mirror files: bounded worker pools, retries and bandwidth limiting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/storage"
)

// StreamFetcher opens remote file bodies
type StreamFetcher interface {
	FetchStream(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// ErrDownload matches every *DownloadError via errors.Is.
var ErrDownload = errors.New("download failed")

// DownloadError reports a task that could not be completed within its retry budget
type DownloadError struct {
	Task     download.FileTask
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s to %s after %d attempt(s): %v", e.Task.URL, e.Task.Path(), e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownload }

// Result is the outcome of a successful Download
type Result int

const (
	ResultDownloaded Result = iota
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultDownloaded:
		return "downloaded"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// DownloaderConfig holds configuration for the downloader
type DownloaderConfig struct {
	Workers          int
	Retries          int           // retries per file after the first attempt
	RetryDelay       time.Duration // backoff before the first retry
	MaxRetryDelay    time.Duration
	BufferSize       int // bytes moved per read
	SkipExisting     bool
	ProgressInterval time.Duration
}

// DefaultConfig returns default downloader configuration
func DefaultConfig() DownloaderConfig {
	return DownloaderConfig{
		Workers:          24,
		Retries:          3,
		RetryDelay:       time.Second,
		MaxRetryDelay:    30 * time.Second,
		BufferSize:       1 << 20, // 1 MiB
		SkipExisting:     true,
		ProgressInterval: 250 * time.Millisecond,
	}
}

// Summary reports the outcome of a batch
type Summary struct {
	download.QueueStats
	Bytes       int64
	Duration    time.Duration
	Failures    []download.QueueItem
	Interrupted bool
}

// Downloader replicates FileTasks onto local storage
type Downloader struct {
	config  DownloaderConfig
	fetcher StreamFetcher
	store   *storage.Store
	limiter *RateLimiter
	log     *slog.Logger

	callback download.QueueCallback
	bytes    atomic.Int64
	buffers  sync.Pool
}

// NewDownloader creates a new Downloader
func NewDownloader(config DownloaderConfig, fetcher StreamFetcher, store *storage.Store, log *slog.Logger) *Downloader {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if store == nil {
		store = storage.NewStore(nil)
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Downloader{
		config:  config,
		fetcher: fetcher,
		store:   store,
		log:     log.With(slog.String("component", "downloader")),
	}
	d.buffers.New = func() any {
		buf := make([]byte, d.config.BufferSize)
		return &buf
	}
	return d
}

// SetRateLimiter shares limiter across every transfer; nil disables limiting
func (d *Downloader) SetRateLimiter(limiter *RateLimiter) {
	d.limiter = limiter
}

// SetCallback sets the per-item event callback. It is called from worker goroutines.
func (d *Downloader) SetCallback(cb download.QueueCallback) {
	d.callback = cb
}

// BytesTransferred returns the bytes received so far, including discarded attempts
func (d *Downloader) BytesTransferred() int64 {
	return d.bytes.Load()
}

// Download replicates a single task. It returns ResultSkipped without any
// network I/O when SkipExisting is set and the final path already exists.
func (d *Downloader) Download(ctx context.Context, task download.FileTask) (Result, error) {
	res, _, err := d.download(ctx, task, nil, nil)
	return res, err
}

func (d *Downloader) download(ctx context.Context, task download.FileTask, progress func(int64), onRetry func(int)) (Result, int, error) {
	if err := d.store.EnsureDir(task.Dir); err != nil {
		return ResultDownloaded, 0, &DownloadError{Task: task, Err: err}
	}

	if d.config.SkipExisting {
		exists, err := d.store.Exists(task.Path())
		if err != nil {
			return ResultDownloaded, 0, &DownloadError{Task: task, Err: err}
		}
		if exists {
			return ResultSkipped, 0, nil
		}
	}

	retrier := NewRetrier(RetryConfig{
		MaxRetries:   d.config.Retries,
		InitialDelay: d.config.RetryDelay,
		MaxDelay:     d.config.MaxRetryDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
		RetryIf:      retryDownload,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			d.log.Warn("retrying download",
				slog.String("url", task.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if onRetry != nil {
				onRetry(attempt)
			}
		},
	})

	result := retrier.Do(ctx, func(ctx context.Context, _ int) error {
		return d.transfer(ctx, task, progress)
	})
	if !result.Successful {
		return ResultDownloaded, result.Attempts, &DownloadError{Task: task, Attempts: result.Attempts, Err: result.LastError}
	}

	return ResultDownloaded, result.Attempts, nil
}

// transfer streams one attempt into the temporary file and commits it
func (d *Downloader) transfer(ctx context.Context, task download.FileTask, progress func(int64)) error {
	body, err := d.fetcher.FetchStream(ctx, task.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := d.store.Create(task.Path())
	if err != nil {
		return err
	}

	var reader io.Reader = body
	if d.limiter != nil {
		reader = NewRateLimitedReader(ctx, body, d.limiter)
	}

	bufp := d.buffers.Get().(*[]byte)
	defer d.buffers.Put(bufp)
	buf := *bufp

	for {
		select {
		case <-ctx.Done():
			file.Abort()
			return ctx.Err()
		default:
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Abort()
				return fmt.Errorf("writing %s: %w", storage.TempPath(task.Path()), err)
			}
			d.bytes.Add(int64(n))
			if progress != nil {
				progress(file.Written())
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Abort()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return NewRetryableError(&protocol.FetchError{URL: task.URL, Err: fmt.Errorf("reading body: %w", readErr)})
		}
	}

	return file.Commit()
}

// retryDownload repeats transfer and local I/O failures but not answers
// that will not change, such as 404.
func retryDownload(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, storage.ErrPathConflict) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	var fetchErr *protocol.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}
	return true
}

// Run processes every pending item of queue with at most Workers transfers
// in flight. A failed item never stops the others. Once ctx is canceled no
// further items are started; items already running finish or fail on their own.
func (d *Downloader) Run(ctx context.Context, queue *download.Queue) Summary {
	start := time.Now()

	for _, item := range queue.Items() {
		if item.Duplicate {
			d.emit(queue, item.ID, download.QueueEventSkipped)
		}
	}

	var g errgroup.Group
	g.SetLimit(d.config.Workers)

	pending := queue.Pending()
	for i, item := range pending {
		if err := ctx.Err(); err != nil {
			for _, rest := range pending[i:] {
				queue.SetCanceled(rest.ID, err)
				d.emit(queue, rest.ID, download.QueueEventCanceled)
			}
			break
		}

		id, task := item.ID, item.Task
		g.Go(func() error {
			d.runItem(ctx, queue, id, task)
			return nil
		})
	}

	g.Wait()

	stats := queue.Stats()
	summary := Summary{
		QueueStats:  stats,
		Bytes:       d.bytes.Load(),
		Duration:    time.Since(start),
		Failures:    queue.Failed(),
		Interrupted: ctx.Err() != nil,
	}

	d.log.Info("batch finished",
		slog.Int("total", stats.Total),
		slog.Int("downloaded", stats.Completed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("canceled", stats.Canceled),
		slog.Duration("duration", summary.Duration))

	return summary
}

func (d *Downloader) runItem(ctx context.Context, queue *download.Queue, id int, task download.FileTask) {
	if err := ctx.Err(); err != nil {
		queue.SetCanceled(id, err)
		d.emit(queue, id, download.QueueEventCanceled)
		return
	}

	queue.UpdateStatus(id, download.QueueStatusDownloading)
	d.emit(queue, id, download.QueueEventStarted)

	var lastEmit time.Time
	progress := func(n int64) {
		queue.UpdateProgress(id, n)
		if d.callback != nil && time.Since(lastEmit) >= d.config.ProgressInterval {
			lastEmit = time.Now()
			d.emit(queue, id, download.QueueEventProgress)
		}
	}

	onRetry := func(attempt int) {
		queue.SetAttempts(id, attempt)
		queue.UpdateProgress(id, 0)
		d.emit(queue, id, download.QueueEventRetry)
	}

	res, attempts, err := d.download(ctx, task, progress, onRetry)
	queue.SetAttempts(id, attempts)

	switch {
	case err == nil && res == ResultSkipped:
		queue.UpdateStatus(id, download.QueueStatusSkipped)
		d.log.Debug("skipped existing file", slog.String("path", task.Path()))
		d.emit(queue, id, download.QueueEventSkipped)
	case err == nil:
		queue.UpdateStatus(id, download.QueueStatusCompleted)
		d.log.Debug("downloaded", slog.String("url", task.URL), slog.String("path", task.Path()))
		d.emit(queue, id, download.QueueEventCompleted)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		queue.SetCanceled(id, err)
		d.emit(queue, id, download.QueueEventCanceled)
	default:
		queue.SetError(id, err)
		d.log.Error("download failed", slog.String("url", task.URL), slog.String("error", err.Error()))
		d.emit(queue, id, download.QueueEventFailed)
	}
}

func (d *Downloader) emit(queue *download.Queue, id int, event download.QueueEvent) {
	if d.callback == nil {
		return
	}
	if item, ok := queue.Snapshot(id); ok {
		d.callback(item, event)
	}
}
