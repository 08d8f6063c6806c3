// Package crawler discovers every file below a set of HTML directory listings.
package crawler

import (
	"strings"
	"sync"
	"time"
)

// Root is a directory listing to crawl and the local directory it maps to
type Root struct {
	URL string
	Dir string
}

// Stats holds crawl statistics
type Stats struct {
	StartTime    time.Time
	EndTime      time.Time
	Folders      int
	Files        int
	Rejected     int
	Unrecognized int
	Pending      int
	CurrentURL   string
}

// folder is one unit of crawl work
type folder struct {
	url   string
	dir   string
	depth int
}

// folderQueue is the work queue shared by all crawl workers. It closes itself
// once no folder is queued or being expanded.
type folderQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []folder
	visited  map[string]bool
	inflight int
	closed   bool
}

func newFolderQueue() *folderQueue {
	q := &folderQueue{visited: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push queues f unless its URL was queued before or the queue is closed.
func (q *folderQueue) push(f folder) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.visited[f.url] {
		return false
	}
	q.visited[f.url] = true
	q.items = append(q.items, f)
	q.inflight++
	q.cond.Signal()
	return true
}

// pop blocks until a folder is available or the queue is closed.
func (q *folderQueue) pop() (folder, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		if q.inflight == 0 {
			q.closeLocked()
			break
		}
		q.cond.Wait()
	}
	if q.closed || len(q.items) == 0 {
		return folder{}, false
	}

	f := q.items[0]
	q.items[0] = folder{}
	q.items = q.items[1:]
	return f, true
}

// done marks a popped folder as fully expanded.
func (q *folderQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	if q.inflight <= 0 {
		q.closeLocked()
	}
}

// abort drops queued folders and wakes every waiting worker.
func (q *folderQueue) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.closeLocked()
}

func (q *folderQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *folderQueue) closeLocked() {
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// directoryURL returns u with exactly one trailing slash.
func directoryURL(u string) string {
	return strings.TrimRight(u, "/") + "/"
}
