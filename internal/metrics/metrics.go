// Package metrics provides Prometheus-compatible metrics for mirror runs.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
)

// durationBounds are the upper bounds, in seconds, of the per-file duration histogram
var durationBounds = []float64{0.1, 0.5, 1, 5, 30, 60, 300}

// Metrics holds all mirror metrics
type Metrics struct {
	runID string

	// Counters
	foldersCrawled  atomic.Int64
	filesDiscovered atomic.Int64
	filesDownloaded atomic.Int64
	filesSkipped    atomic.Int64
	filesFailed     atomic.Int64
	filesCanceled   atomic.Int64
	retries         atomic.Int64
	bytesTotal      atomic.Int64

	// Gauges
	activeDownloads atomic.Int64
	latestVersion   atomic.Int64
	minVersion      atomic.Int64

	// Histogram of completed transfer durations
	durationCounts []int64 // one per bound, plus +Inf
	durationSum    float64
	durationCount  int64

	// bytes already counted per in-flight item, so Progress events add deltas
	inflightBytes map[int]int64

	startTime time.Time
	mu        sync.Mutex
}

// New creates a new Metrics instance labeled with runID
func New(runID string) *Metrics {
	m := &Metrics{
		runID:          runID,
		durationCounts: make([]int64, len(durationBounds)+1),
		inflightBytes:  make(map[int]int64),
		startTime:      time.Now(),
	}
	m.latestVersion.Store(-1)
	m.minVersion.Store(-1)
	return m
}

// SetVersions records the resolved version range
func (m *Metrics) SetVersions(latest, minimum int) {
	m.latestVersion.Store(int64(latest))
	m.minVersion.Store(int64(minimum))
}

// SetFoldersCrawled records how many listings have been expanded so far
func (m *Metrics) SetFoldersCrawled(n int) {
	m.foldersCrawled.Store(int64(n))
}

// SetFilesDiscovered records how many files the crawl produced
func (m *Metrics) SetFilesDiscovered(n int) {
	m.filesDiscovered.Store(int64(n))
}

// Observe records a download event. It has the download.QueueCallback signature.
func (m *Metrics) Observe(item download.QueueItem, event download.QueueEvent) {
	switch event {
	case download.QueueEventStarted:
		m.activeDownloads.Add(1)
	case download.QueueEventProgress:
		m.trackBytes(item)
	case download.QueueEventRetry:
		m.retries.Add(1)
		m.mu.Lock()
		delete(m.inflightBytes, item.ID)
		m.mu.Unlock()
	case download.QueueEventCompleted:
		m.trackBytes(item)
		m.finish(item)
		m.filesDownloaded.Add(1)
		m.recordDuration(item.EndTime.Sub(item.StartTime))
	case download.QueueEventFailed:
		m.finish(item)
		m.filesFailed.Add(1)
	case download.QueueEventCanceled:
		if !item.StartTime.IsZero() {
			m.finish(item)
		}
		m.filesCanceled.Add(1)
	case download.QueueEventSkipped:
		if !item.StartTime.IsZero() {
			m.finish(item)
		}
		m.filesSkipped.Add(1)
	}
}

func (m *Metrics) trackBytes(item download.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := item.Downloaded - m.inflightBytes[item.ID]
	if delta > 0 {
		m.bytesTotal.Add(delta)
		m.inflightBytes[item.ID] = item.Downloaded
	}
}

func (m *Metrics) finish(item download.QueueItem) {
	m.activeDownloads.Add(-1)
	m.mu.Lock()
	delete(m.inflightBytes, item.ID)
	m.mu.Unlock()
}

func (m *Metrics) recordDuration(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	secs := d.Seconds()
	i := 0
	for i < len(durationBounds) && secs > durationBounds[i] {
		i++
	}
	m.durationCounts[i]++
	m.durationSum += secs
	m.durationCount++
}

// GetStats returns current counters and gauges as a map
func (m *Metrics) GetStats() map[string]int64 {
	return map[string]int64{
		"folders_crawled":  m.foldersCrawled.Load(),
		"files_discovered": m.filesDiscovered.Load(),
		"files_downloaded": m.filesDownloaded.Load(),
		"files_skipped":    m.filesSkipped.Load(),
		"files_failed":     m.filesFailed.Load(),
		"files_canceled":   m.filesCanceled.Load(),
		"retries":          m.retries.Load(),
		"bytes_total":      m.bytesTotal.Load(),
		"active_downloads": m.activeDownloads.Load(),
		"latest_version":   m.latestVersion.Load(),
		"min_version":      m.minVersion.Load(),
		"uptime_seconds":   int64(time.Since(m.startTime).Seconds()),
	}
}

// Handler returns an HTTP handler for Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		stats := m.GetStats()

		fmt.Fprintln(w, "# HELP swupd_mirror_run_info Identifier of the current run")
		fmt.Fprintln(w, "# TYPE swupd_mirror_run_info gauge")
		fmt.Fprintf(w, "swupd_mirror_run_info{run_id=%q} 1\n", m.runID)

		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP swupd_mirror_%s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE swupd_mirror_%s counter\n", name)
			fmt.Fprintf(w, "swupd_mirror_%s %d\n", name, v)
		}
		gauge := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP swupd_mirror_%s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE swupd_mirror_%s gauge\n", name)
			fmt.Fprintf(w, "swupd_mirror_%s %d\n", name, v)
		}

		counter("folders_crawled_total", "Directory listings expanded", stats["folders_crawled"])
		gauge("files_discovered", "Files found by the crawl", stats["files_discovered"])

		fmt.Fprintln(w, "# HELP swupd_mirror_files_total Files processed by result")
		fmt.Fprintln(w, "# TYPE swupd_mirror_files_total counter")
		fmt.Fprintf(w, "swupd_mirror_files_total{result=\"downloaded\"} %d\n", stats["files_downloaded"])
		fmt.Fprintf(w, "swupd_mirror_files_total{result=\"skipped\"} %d\n", stats["files_skipped"])
		fmt.Fprintf(w, "swupd_mirror_files_total{result=\"failed\"} %d\n", stats["files_failed"])
		fmt.Fprintf(w, "swupd_mirror_files_total{result=\"canceled\"} %d\n", stats["files_canceled"])

		counter("retries_total", "Transfer attempts repeated after a failure", stats["retries"])
		counter("bytes_downloaded_total", "Bytes received", stats["bytes_total"])
		gauge("active_downloads", "Transfers in flight", stats["active_downloads"])
		gauge("latest_version", "Latest upstream version, -1 before resolution", stats["latest_version"])
		gauge("min_version", "Minimum version of the latest manifest, -1 before resolution", stats["min_version"])
		gauge("uptime_seconds", "Time since start in seconds", stats["uptime_seconds"])

		m.mu.Lock()
		counts := append([]int64(nil), m.durationCounts...)
		sum, count := m.durationSum, m.durationCount
		m.mu.Unlock()

		fmt.Fprintln(w, "# HELP swupd_mirror_download_duration_seconds Duration of completed transfers")
		fmt.Fprintln(w, "# TYPE swupd_mirror_download_duration_seconds histogram")
		var cumulative int64
		for i, bound := range durationBounds {
			cumulative += counts[i]
			fmt.Fprintf(w, "swupd_mirror_download_duration_seconds_bucket{le=\"%g\"} %d\n", bound, cumulative)
		}
		cumulative += counts[len(durationBounds)]
		fmt.Fprintf(w, "swupd_mirror_download_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative)
		fmt.Fprintf(w, "swupd_mirror_download_duration_seconds_sum %g\n", sum)
		fmt.Fprintf(w, "swupd_mirror_download_duration_seconds_count %d\n", count)
	})
}

// Server wraps an HTTP server for metrics
type Server struct {
	server   *http.Server
	listener net.Listener
	log      *slog.Logger
}

// NewServer creates a new metrics server
func NewServer(addr string, m *Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With(slog.String("component", "metrics")),
	}
}

// Start binds the listen address and serves in a goroutine
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	s.log.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}
