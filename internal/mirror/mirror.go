// Package mirror runs a complete synchronization of the update repository:
// version resolution, listing crawl and file download.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/crawler"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/engine"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/storage"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/ui"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/update"
)

// ErrPartial reports a run in which some files could not be downloaded
var ErrPartial = errors.New("mirror incomplete")

// PartialError carries the number of failed files of a finished run
type PartialError struct {
	Failed int
	Total  int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d of %d files failed", e.Failed, e.Total)
}

func (e *PartialError) Is(target error) bool { return target == ErrPartial }

// Fetcher is the transport capability a run needs
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
	FetchInt(ctx context.Context, rawURL string) (int, error)
	FetchStream(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Options configures a run
type Options struct {
	Upstream      string
	Output        string
	ExtraVersions []string

	Crawl      crawler.Config
	Download   engine.DownloaderConfig
	FetchRetry engine.RetryConfig

	// Bytes per second shared by all transfers, 0 for unlimited
	RateLimit int64

	// Remove temporary files left by an interrupted run before starting
	CleanupStale bool
}

// DefaultOptions returns options for the public Clear Linux upstream
func DefaultOptions() Options {
	return Options{
		Upstream:     update.DefaultUpstream,
		Crawl:        *crawler.DefaultConfig(),
		Download:     engine.DefaultConfig(),
		FetchRetry:   engine.DefaultRetryConfig(),
		CleanupStale: true,
	}
}

// Callbacks receive progress of a run. Nil fields are skipped.
type Callbacks struct {
	OnPhase    func(ui.Phase)
	OnVersions func(latest, minVersion int)
	OnCrawl    func(crawler.Stats)
	OnQueue    func(*download.Queue)
	OnItem     download.QueueCallback
}

// Fanout combines several item callbacks into one
func Fanout(callbacks ...download.QueueCallback) download.QueueCallback {
	return func(item download.QueueItem, event download.QueueEvent) {
		for _, cb := range callbacks {
			if cb != nil {
				cb(item, event)
			}
		}
	}
}

// Report describes a finished or aborted run
type Report struct {
	RunID      string
	Upstream   string
	Output     string
	Latest     int
	MinVersion int
	Roots      []update.VersionRoot
	Crawl      crawler.Stats
	Tasks      []download.FileTask
	Summary    engine.Summary
	Duration   time.Duration
	StaleFiles int
}

// Mirror drives one synchronization
type Mirror struct {
	opts      Options
	fetcher   Fetcher
	store     *storage.Store
	log       *slog.Logger
	runID     string
	callbacks Callbacks
}

// New creates a run. A nil store writes to the operating system filesystem.
func New(opts Options, fetcher Fetcher, store *storage.Store, log *slog.Logger) *Mirror {
	if opts.Upstream == "" {
		opts.Upstream = update.DefaultUpstream
	}
	if store == nil {
		store = storage.NewStore(nil)
	}
	if log == nil {
		log = slog.Default()
	}

	runID := uuid.NewString()
	return &Mirror{
		opts:    opts,
		fetcher: fetcher,
		store:   store,
		log:     log.With(slog.String("run_id", runID)),
		runID:   runID,
	}
}

// RunID identifies this run in logs, hooks and metrics
func (m *Mirror) RunID() string {
	return m.runID
}

// SetCallbacks installs progress callbacks
func (m *Mirror) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// Run resolves the versions, crawls every root and downloads the result.
// The report is returned even when err is not nil. Files that failed after
// retries yield a *PartialError; cancellation yields ctx.Err().
func (m *Mirror) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := m.newReport()

	if m.opts.CleanupStale {
		n, err := m.store.RemoveStale(m.opts.Output)
		if err != nil {
			m.log.Warn("removing stale temporary files", slog.String("error", err.Error()))
		} else if n > 0 {
			m.log.Info("removed stale temporary files", slog.Int("count", n))
		}
		report.StaleFiles = n
	}

	if err := m.plan(ctx, report); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	m.phase(ui.PhaseDownload)
	queue := download.NewQueue(report.Tasks)
	if m.callbacks.OnQueue != nil {
		m.callbacks.OnQueue(queue)
	}

	d := engine.NewDownloader(m.opts.Download, m.fetcher, m.store, m.log)
	d.SetRateLimiter(engine.NewRateLimiter(m.opts.RateLimit))
	d.SetCallback(m.callbacks.OnItem)

	report.Summary = d.Run(ctx, queue)
	report.Duration = time.Since(start)
	m.phase(ui.PhaseDone)

	for _, f := range report.Summary.Failures {
		m.log.Error("file failed",
			slog.String("url", f.Task.URL),
			slog.String("path", f.Task.Path()),
			slog.Int("attempts", f.Attempts),
			slog.String("error", errString(f.Error)))
	}

	if report.Summary.Interrupted {
		return report, ctx.Err()
	}
	if report.Summary.Failed > 0 {
		return report, &PartialError{Failed: report.Summary.Failed, Total: report.Summary.Total}
	}
	return report, nil
}

// DryRun resolves and crawls, writes the download plan to w and stops.
func (m *Mirror) DryRun(ctx context.Context, w io.Writer) (*Report, error) {
	start := time.Now()
	report := m.newReport()

	err := m.plan(ctx, report)
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}
	m.phase(ui.PhaseDone)

	if err := download.WritePlan(w, report.Tasks); err != nil {
		return report, fmt.Errorf("writing plan: %w", err)
	}
	return report, nil
}

func (m *Mirror) newReport() *Report {
	return &Report{
		RunID:      m.runID,
		Upstream:   m.opts.Upstream,
		Output:     m.opts.Output,
		Latest:     -1,
		MinVersion: -1,
	}
}

// plan fills the version range and the sorted task list of report
func (m *Mirror) plan(ctx context.Context, report *Report) error {
	fetcher := engine.NewRetryFetcher(m.fetcher, m.opts.FetchRetry, m.log)

	m.phase(ui.PhaseResolve)
	set, err := update.NewResolver(fetcher, m.opts.Upstream, m.log).
		Resolve(ctx, m.opts.Output, m.opts.ExtraVersions...)
	if err != nil {
		return err
	}
	report.Latest = set.Latest
	report.MinVersion = set.MinVersion
	report.Roots = set.Roots
	if m.callbacks.OnVersions != nil {
		m.callbacks.OnVersions(set.Latest, set.MinVersion)
	}

	m.phase(ui.PhaseCrawl)
	config := m.opts.Crawl
	c := crawler.NewCrawler(fetcher, &config, m.log)
	c.SetProgressCallback(m.callbacks.OnCrawl)

	roots := make([]crawler.Root, len(set.Roots))
	for i, r := range set.Roots {
		roots[i] = crawler.Root{URL: r.URL, Dir: r.Dir}
	}

	tasks, err := c.Crawl(ctx, roots...)
	report.Crawl = c.GetStats()
	if err != nil {
		return fmt.Errorf("crawling: %w", err)
	}

	download.SortTasks(tasks)
	report.Tasks = tasks

	m.log.Info("crawl finished",
		slog.Int("roots", len(roots)),
		slog.Int("folders", report.Crawl.Folders),
		slog.Int("files", len(tasks)),
		slog.Int("rejected", report.Crawl.Rejected),
		slog.Int("unrecognized", report.Crawl.Unrecognized))
	return nil
}

func (m *Mirror) phase(p ui.Phase) {
	if m.callbacks.OnPhase != nil {
		m.callbacks.OnPhase(p)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
