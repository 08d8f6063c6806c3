package download

import (
	"sync"
	"time"
)

// QueueItem tracks a single FileTask through the download batch
type QueueItem struct {
	ID         int
	Task       FileTask
	Status     QueueStatus
	Error      error
	StartTime  time.Time
	EndTime    time.Time
	Downloaded int64
	Attempts   int
	// Duplicate marks a task whose final path was already queued.
	Duplicate bool
}

// QueueStatus represents the status of a queue item
type QueueStatus int

const (
	QueueStatusPending QueueStatus = iota
	QueueStatusDownloading
	QueueStatusCompleted
	QueueStatusFailed
	QueueStatusSkipped
	QueueStatusCanceled
)

func (s QueueStatus) String() string {
	switch s {
	case QueueStatusPending:
		return "pending"
	case QueueStatusDownloading:
		return "downloading"
	case QueueStatusCompleted:
		return "completed"
	case QueueStatusFailed:
		return "failed"
	case QueueStatusSkipped:
		return "skipped"
	case QueueStatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Done reports whether the status is terminal.
func (s QueueStatus) Done() bool {
	return s != QueueStatusPending && s != QueueStatusDownloading
}

// QueueStats holds queue statistics
type QueueStats struct {
	Total       int
	Pending     int
	Downloading int
	Completed   int
	Failed      int
	Skipped     int
	Canceled    int
	Downloaded  int64
}

// Processed returns the number of items in a terminal state.
func (s QueueStats) Processed() int {
	return s.Completed + s.Failed + s.Skipped + s.Canceled
}

// Succeeded counts files now present locally, whether fetched or already there.
func (s QueueStats) Succeeded() int {
	return s.Completed + s.Skipped
}

// Queue is the ledger of one download batch
type Queue struct {
	items []*QueueItem
	paths map[string]int
	mu    sync.RWMutex
}

// NewQueue creates a queue holding tasks in the given order
func NewQueue(tasks []FileTask) *Queue {
	q := &Queue{
		items: make([]*QueueItem, 0, len(tasks)),
		paths: make(map[string]int, len(tasks)),
	}
	for _, task := range tasks {
		q.Add(task)
	}
	return q
}

// Add appends a task. A task whose local path is already queued is recorded
// as a skipped duplicate so that two workers never write the same file.
func (q *Queue) Add(task FileTask) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &QueueItem{
		ID:     len(q.items),
		Task:   task,
		Status: QueueStatusPending,
	}

	path := task.Path()
	if _, seen := q.paths[path]; seen {
		item.Status = QueueStatusSkipped
		item.Duplicate = true
	} else {
		q.paths[path] = item.ID
	}

	q.items = append(q.items, item)
	return item
}

// Items returns all queue items
func (q *Queue) Items() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*QueueItem, len(q.items))
	copy(items, q.items)
	return items
}

// Snapshot returns a copy of the item that is safe to read while workers run.
func (q *Queue) Snapshot(id int) (QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if id < 0 || id >= len(q.items) {
		return QueueItem{}, false
	}
	return *q.items[id], true
}

// Pending returns the items still waiting to run
func (q *Queue) Pending() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*QueueItem
	for _, item := range q.items {
		if item.Status == QueueStatusPending {
			pending = append(pending, item)
		}
	}
	return pending
}

// UpdateStatus updates the status of a queue item
func (q *Queue) UpdateStatus(id int, status QueueStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id < 0 || id >= len(q.items) {
		return
	}
	item := q.items[id]
	item.Status = status
	if status == QueueStatusDownloading {
		item.StartTime = time.Now()
	} else if status.Done() {
		item.EndTime = time.Now()
	}
}

// UpdateProgress records bytes written for the current attempt
func (q *Queue) UpdateProgress(id int, downloaded int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id >= 0 && id < len(q.items) {
		q.items[id].Downloaded = downloaded
	}
}

// SetAttempts records how many transfer attempts were made
func (q *Queue) SetAttempts(id, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id >= 0 && id < len(q.items) {
		q.items[id].Attempts = attempts
	}
}

// SetError marks the item failed
func (q *Queue) SetError(id int, err error) {
	q.setTerminal(id, QueueStatusFailed, err)
}

// SetCanceled marks the item canceled; err may be nil
func (q *Queue) SetCanceled(id int, err error) {
	q.setTerminal(id, QueueStatusCanceled, err)
}

func (q *Queue) setTerminal(id int, status QueueStatus, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id >= 0 && id < len(q.items) {
		q.items[id].Error = err
		q.items[id].Status = status
		q.items[id].EndTime = time.Now()
	}
}

// Failed returns copies of the failed items in queue order
func (q *Queue) Failed() []QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var failed []QueueItem
	for _, item := range q.items {
		if item.Status == QueueStatusFailed {
			failed = append(failed, *item)
		}
	}
	return failed
}

// Stats returns queue statistics
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{
		Total: len(q.items),
	}

	for _, item := range q.items {
		switch item.Status {
		case QueueStatusPending:
			stats.Pending++
		case QueueStatusDownloading:
			stats.Downloading++
		case QueueStatusCompleted:
			stats.Completed++
		case QueueStatusFailed:
			stats.Failed++
		case QueueStatusSkipped:
			stats.Skipped++
		case QueueStatusCanceled:
			stats.Canceled++
		}
		stats.Downloaded += item.Downloaded
	}

	return stats
}

// IsComplete returns true if all items are processed
func (q *Queue) IsComplete() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, item := range q.items {
		if !item.Status.Done() {
			return false
		}
	}
	return true
}

// Count returns the number of items in the queue
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// QueueCallback is called for each download event
type QueueCallback func(item QueueItem, event QueueEvent)

// QueueEvent represents a queue event type
type QueueEvent int

const (
	QueueEventStarted QueueEvent = iota
	QueueEventProgress
	QueueEventCompleted
	QueueEventFailed
	QueueEventSkipped
	QueueEventCanceled
	QueueEventRetry
)

func (e QueueEvent) String() string {
	switch e {
	case QueueEventStarted:
		return "started"
	case QueueEventProgress:
		return "progress"
	case QueueEventCompleted:
		return "completed"
	case QueueEventFailed:
		return "failed"
	case QueueEventSkipped:
		return "skipped"
	case QueueEventCanceled:
		return "canceled"
	case QueueEventRetry:
		return "retry"
	default:
		return "unknown"
	}
}
