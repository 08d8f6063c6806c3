package ui

import (
	"sync"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
)

// Phase is the stage a mirror run is in
type Phase int

const (
	PhaseResolve Phase = iota
	PhaseCrawl
	PhaseDownload
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseResolve:
		return "resolving versions"
	case PhaseCrawl:
		return "crawling"
	case PhaseDownload:
		return "downloading"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// maxRecentFailures bounds Snapshot.Failures
const maxRecentFailures = 5

// Snapshot is a point-in-time view of a run for rendering
type Snapshot struct {
	Phase      Phase
	Latest     int
	MinVersion int
	Folders    int // listings expanded
	Discovered int // files found so far
	Pending    int // listings queued
	Current    string
	Stats      download.QueueStats
	Bytes      int64
	Speed      int64 // bytes per second
	Elapsed    time.Duration
	ETA        time.Duration
	Failures   []string
}

// Percent returns the share of files in a terminal state
func (s Snapshot) Percent() float64 {
	if s.Stats.Total == 0 {
		return 0
	}
	return float64(s.Stats.Processed()) / float64(s.Stats.Total) * 100
}

// Tracker accumulates run progress from crawl and download callbacks.
// All methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	start      time.Time
	phase      Phase
	latest     int
	minVersion int
	folders    int
	discovered int
	pending    int
	current    string
	queue      *download.Queue

	bytes    int64
	perItem  map[int]int64
	failures []string

	// speed sampling
	lastSample time.Time
	lastBytes  int64
	speed      float64
}

// NewTracker creates a tracker starting now
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		start:      now,
		lastSample: now,
		latest:     -1,
		minVersion: -1,
		perItem:    make(map[int]int64),
	}
}

// SetPhase moves the run to phase
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// SetVersions records the resolved version range
func (t *Tracker) SetVersions(latest, minimum int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = latest
	t.minVersion = minimum
}

// CrawlProgress records crawl counters
func (t *Tracker) CrawlProgress(folders, files, pending int, current string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.folders = folders
	t.discovered = files
	t.pending = pending
	t.current = current
}

// SetQueue attaches the download ledger whose stats are reported
func (t *Tracker) SetQueue(q *download.Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = q
}

// Observe records a download event. It has the download.QueueCallback signature.
func (t *Tracker) Observe(item download.QueueItem, event download.QueueEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event {
	case download.QueueEventStarted:
		t.current = item.Task.Path()
	case download.QueueEventProgress, download.QueueEventCompleted:
		if delta := item.Downloaded - t.perItem[item.ID]; delta > 0 {
			t.bytes += delta
			t.perItem[item.ID] = item.Downloaded
		}
		if event == download.QueueEventCompleted {
			delete(t.perItem, item.ID)
		}
	case download.QueueEventRetry:
		delete(t.perItem, item.ID)
	case download.QueueEventFailed:
		delete(t.perItem, item.ID)
		msg := item.Task.Path()
		if item.Error != nil {
			msg = item.Error.Error()
		}
		t.failures = append(t.failures, msg)
		if len(t.failures) > maxRecentFailures {
			t.failures = t.failures[len(t.failures)-maxRecentFailures:]
		}
	}
}

// Snapshot returns the current view and updates the speed estimate
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if dt := now.Sub(t.lastSample).Seconds(); dt >= 0.2 {
		instant := float64(t.bytes-t.lastBytes) / dt
		if t.speed == 0 {
			t.speed = instant
		} else {
			t.speed = 0.7*t.speed + 0.3*instant
		}
		t.lastSample = now
		t.lastBytes = t.bytes
	}

	s := Snapshot{
		Phase:      t.phase,
		Latest:     t.latest,
		MinVersion: t.minVersion,
		Folders:    t.folders,
		Discovered: t.discovered,
		Pending:    t.pending,
		Current:    t.current,
		Bytes:      t.bytes,
		Speed:      int64(t.speed),
		Elapsed:    now.Sub(t.start),
		Failures:   append([]string(nil), t.failures...),
	}
	if t.queue != nil {
		s.Stats = t.queue.Stats()
	}

	// ETA by file count: files vary too much in size for a byte based estimate
	if done := s.Stats.Processed(); done > 0 && s.Phase == PhaseDownload {
		remaining := s.Stats.Total - done
		s.ETA = time.Duration(float64(s.Elapsed) / float64(done) * float64(remaining))
	}

	return s
}
