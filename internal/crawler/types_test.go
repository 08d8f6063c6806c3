package crawler

import (
	"sync"
	"testing"
	"time"
)

func TestFolderQueue_PushDeduplicates(t *testing.T) {
	q := newFolderQueue()

	if !q.push(folder{url: "https://x/update/0/"}) {
		t.Fatal("first push should succeed")
	}
	if q.push(folder{url: "https://x/update/0/"}) {
		t.Error("second push of the same URL should be refused")
	}
	if q.pending() != 1 {
		t.Errorf("pending() = %d, want 1", q.pending())
	}
}

func TestFolderQueue_ClosesWhenDrained(t *testing.T) {
	q := newFolderQueue()
	q.push(folder{url: "https://x/a/"})

	f, ok := q.pop()
	if !ok || f.url != "https://x/a/" {
		t.Fatalf("pop() = %v, %v", f, ok)
	}

	// A child pushed before done keeps the queue open.
	q.push(folder{url: "https://x/a/b/"})
	q.done()

	f, ok = q.pop()
	if !ok || f.url != "https://x/a/b/" {
		t.Fatalf("pop() = %v, %v, want child", f, ok)
	}
	q.done()

	if _, ok := q.pop(); ok {
		t.Error("pop() after drain should report closed")
	}
}

func TestFolderQueue_WaitersWakeOnDone(t *testing.T) {
	q := newFolderQueue()
	q.push(folder{url: "https://x/a/"})
	q.pop()

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.pop()
			results <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.done()
	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			t.Error("waiting pop() should return false once the last folder is done")
		}
	}
}

func TestFolderQueue_Abort(t *testing.T) {
	q := newFolderQueue()
	q.push(folder{url: "https://x/a/"})
	q.push(folder{url: "https://x/b/"})

	q.abort()

	if _, ok := q.pop(); ok {
		t.Error("pop() after abort should report closed")
	}
	if q.push(folder{url: "https://x/c/"}) {
		t.Error("push() after abort should be refused")
	}
}

func TestDirectoryURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://x/update/10", "https://x/update/10/"},
		{"https://x/update/10/", "https://x/update/10/"},
		{"https://x/update/10//", "https://x/update/10/"},
	}

	for _, tt := range tests {
		if got := directoryURL(tt.in); got != tt.want {
			t.Errorf("directoryURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
