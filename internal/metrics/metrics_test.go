package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
)

func item(id int, downloaded int64) download.QueueItem {
	return download.QueueItem{
		ID:         id,
		Downloaded: downloaded,
		StartTime:  time.Now().Add(-2 * time.Second),
		EndTime:    time.Now(),
	}
}

func TestMetrics_Observe(t *testing.T) {
	m := New("run-1")

	m.Observe(item(0, 0), download.QueueEventStarted)
	m.Observe(item(0, 100), download.QueueEventProgress)
	m.Observe(item(0, 250), download.QueueEventCompleted)

	m.Observe(item(1, 0), download.QueueEventStarted)
	m.Observe(item(1, 40), download.QueueEventProgress)
	m.Observe(item(1, 0), download.QueueEventRetry)
	m.Observe(item(1, 30), download.QueueEventProgress)
	m.Observe(item(1, 30), download.QueueEventFailed)

	m.Observe(download.QueueItem{ID: 2, Duplicate: true}, download.QueueEventSkipped)
	m.Observe(download.QueueItem{ID: 3}, download.QueueEventCanceled)

	stats := m.GetStats()
	if stats["files_downloaded"] != 1 {
		t.Errorf("files_downloaded = %d, want 1", stats["files_downloaded"])
	}
	if stats["files_failed"] != 1 {
		t.Errorf("files_failed = %d, want 1", stats["files_failed"])
	}
	if stats["files_skipped"] != 1 {
		t.Errorf("files_skipped = %d, want 1", stats["files_skipped"])
	}
	if stats["files_canceled"] != 1 {
		t.Errorf("files_canceled = %d, want 1", stats["files_canceled"])
	}
	if stats["retries"] != 1 {
		t.Errorf("retries = %d, want 1", stats["retries"])
	}
	// 250 from item 0, 40 + 30 from the two attempts of item 1
	if stats["bytes_total"] != 320 {
		t.Errorf("bytes_total = %d, want 320", stats["bytes_total"])
	}
	if stats["active_downloads"] != 0 {
		t.Errorf("active_downloads = %d, want 0", stats["active_downloads"])
	}
}

func TestMetrics_Versions(t *testing.T) {
	m := New("run")
	if m.GetStats()["latest_version"] != -1 {
		t.Error("latest_version should start at -1")
	}

	m.SetVersions(40000, 39500)
	m.SetFoldersCrawled(3)
	m.SetFoldersCrawled(1)
	m.SetFilesDiscovered(12)

	stats := m.GetStats()
	if stats["latest_version"] != 40000 || stats["min_version"] != 39500 {
		t.Errorf("versions = %d/%d", stats["latest_version"], stats["min_version"])
	}
	if stats["folders_crawled"] != 1 || stats["files_discovered"] != 12 {
		t.Errorf("crawl stats = %v", stats)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("abc-123")
	m.Observe(item(0, 0), download.QueueEventStarted)
	m.Observe(item(0, 2048), download.QueueEventCompleted)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %s", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`swupd_mirror_run_info{run_id="abc-123"} 1`,
		`swupd_mirror_files_total{result="downloaded"} 1`,
		"swupd_mirror_bytes_downloaded_total 2048",
		// two seconds falls in the 5s bucket and every bucket above it
		`swupd_mirror_download_duration_seconds_bucket{le="1"} 0`,
		`swupd_mirror_download_duration_seconds_bucket{le="5"} 1`,
		`swupd_mirror_download_duration_seconds_bucket{le="+Inf"} 1`,
		"swupd_mirror_download_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer(t *testing.T) {
	m := New("srv")
	s := NewServer("127.0.0.1:0", m, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
		if path == "/health" && string(body) != "OK" {
			t.Errorf("health body = %q", body)
		}
	}
}

func TestServer_BadAddr(t *testing.T) {
	s := NewServer("256.0.0.1:bad", New("x"), nil)
	if err := s.Start(); err == nil {
		s.Stop(context.Background())
		t.Error("Start() should fail on an invalid address")
	}
}
