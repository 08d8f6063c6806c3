package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/config"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/mirror"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/update"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	flags := newFlagSet(io.Discard)
	cli, err := parseFlags(flags, []string{
		"-o", "/srv/clear", "-w", "8", "--extra-version", "100", "--extra-version", "200",
		"--reject", "*.tar", "--reject", "pack-*", "-q", "--no-skip-existing",
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	if cli.Output != "/srv/clear" || cli.Workers != 8 {
		t.Errorf("cli = %+v", cli)
	}
	if len(cli.ExtraVersions) != 2 || cli.ExtraVersions[1] != 200 {
		t.Errorf("ExtraVersions = %v", cli.ExtraVersions)
	}
	if len(cli.Reject) != 2 {
		t.Errorf("Reject = %v", cli.Reject)
	}
	if cli.Progress != "none" {
		t.Errorf("quiet should disable progress, got %q", cli.Progress)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	for _, args := range [][]string{
		{"--workers", "many"},
		{"--unknown"},
		{"-o", "/srv", "extra"},
	} {
		if _, err := parseFlags(newFlagSet(io.Discard), args); err == nil {
			t.Errorf("parseFlags(%v) should fail", args)
		}
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, `
upstream:
  url: https://file.example
mirror:
  directory: /from-file
  workers: 4
  retries: 1
profiles:
  slow:
    workers: 2
    crawl_workers: 2
`)
	t.Setenv("SWUPD_MIRROR_RETRIES", "7")
	t.Setenv("SWUPD_MIRROR_UPSTREAM", "https://env.example")

	flags := newFlagSet(io.Discard)
	cli, err := parseFlags(flags, []string{"--config", path, "--profile", "slow", "-u", "https://flag.example"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	cfg, err := loadConfig(cli, flags)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Mirror.Directory != "/from-file" {
		t.Errorf("Directory = %q, want value from file", cfg.Mirror.Directory)
	}
	if cfg.Mirror.Workers != 2 || cfg.Mirror.CrawlWorkers != 2 {
		t.Errorf("workers = %d/%d, want profile values", cfg.Mirror.Workers, cfg.Mirror.CrawlWorkers)
	}
	if cfg.Mirror.Retries != 7 {
		t.Errorf("Retries = %d, want env value 7", cfg.Mirror.Retries)
	}
	if cfg.Upstream.URL != "https://flag.example" {
		t.Errorf("Upstream = %q, want flag value", cfg.Upstream.URL)
	}
	// Defaults of unset flags must not override lower layers
	if cfg.Mirror.ChunkSize != 1<<20 {
		t.Errorf("ChunkSize = %d", cfg.Mirror.ChunkSize)
	}
}

func TestLoadConfig_RequiresOutput(t *testing.T) {
	path := writeConfig(t, "mirror:\n  workers: 2\n")
	flags := newFlagSet(io.Discard)
	cli, _ := parseFlags(flags, []string{"--config", path})

	if _, err := loadConfig(cli, flags); err == nil {
		t.Error("loadConfig() should require a destination directory")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "")
	flags := newFlagSet(io.Discard)
	cli, _ := parseFlags(flags, []string{"--config", path, "-o", "/srv", "-w", "0", "--limit-rate", "fast"})

	_, err := loadConfig(cli, flags)
	if err == nil {
		t.Fatal("loadConfig() should reject invalid settings")
	}
	if !strings.Contains(err.Error(), "workers") {
		t.Errorf("error %q should mention workers", err)
	}
}

func TestMirrorOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mirror.Directory = "/srv"
	cfg.Mirror.Workers = 6
	cfg.Mirror.CrawlWorkers = 3
	cfg.Mirror.Retries = 5
	cfg.Upstream.ExtraVersions = []int{31000}
	cfg.Upstream.Reject = []string{"*.tar"}
	cfg.Bandwidth.Limit = "1M"

	opts, err := mirrorOptions(cfg)
	if err != nil {
		t.Fatalf("mirrorOptions() error = %v", err)
	}
	if opts.Download.Workers != 6 || opts.Crawl.Workers != 3 {
		t.Errorf("workers = %d/%d", opts.Download.Workers, opts.Crawl.Workers)
	}
	if opts.Download.Retries != 5 || opts.FetchRetry.MaxRetries != 5 {
		t.Errorf("retries = %d/%d", opts.Download.Retries, opts.FetchRetry.MaxRetries)
	}
	if len(opts.ExtraVersions) != 1 || opts.ExtraVersions[0] != "31000" {
		t.Errorf("ExtraVersions = %v", opts.ExtraVersions)
	}
	if opts.Crawl.Filter == nil || opts.Crawl.Filter.Allow("x.tar") {
		t.Error("reject pattern should be applied")
	}
	if opts.RateLimit != 1024*1024 {
		t.Errorf("RateLimit = %d", opts.RateLimit)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{context.Canceled, ExitInterrupted},
		{fmt.Errorf("run: %w", context.Canceled), ExitInterrupted},
		{&update.ManifestError{Field: "version", Value: 5, Latest: 6}, ExitManifestError},
		{&mirror.PartialError{Failed: 1, Total: 3}, ExitPartial},
		{&protocol.FetchError{URL: "https://x/latest", StatusCode: 503}, ExitNetworkError},
		{&protocol.ParseError{Text: "abc"}, ExitNetworkError},
		{errors.New("boom"), ExitGeneralError},
	}

	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNewPayload(t *testing.T) {
	report := &mirror.Report{
		RunID:    "r1",
		Latest:   20,
		Roots:    []update.VersionRoot{{ID: "0"}, {ID: "version"}},
		Duration: 2 * time.Second,
	}
	report.Summary.Total = 3
	report.Summary.Failed = 1

	p := newPayload(report, &mirror.PartialError{Failed: 1, Total: 3})
	if p.Event != "error" || p.Failed != 1 || p.Error == "" {
		t.Errorf("payload = %+v", p)
	}
	if len(p.Versions) != 2 || p.Duration != 2 {
		t.Errorf("payload = %+v", p)
	}

	if p := newPayload(report, context.Canceled); p.Event != "cancel" {
		t.Errorf("Event = %q, want cancel", p.Event)
	}
	if p := newPayload(report, nil); p.Event != "complete" {
		t.Errorf("Event = %q, want complete", p.Event)
	}
}

func listing(entries ...string) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><a href="../">../</a>`)
	for _, e := range entries {
		fmt.Fprintf(&sb, `<a href="%s">%s</a>`, e, e)
	}
	sb.WriteString(`</body></html>`)
	return sb.String()
}

func newUpstream(t *testing.T, pages map[string]string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, page)
	}))
	t.Cleanup(server.Close)
	return server
}

func upstreamPages() map[string]string {
	return map[string]string{
		"/latest":                              "9",
		"/update/9/Manifest.MoM":               "MANIFEST\t30\nversion:\t9\nminversion:\t9\n",
		"/update/0/":                           listing(),
		"/update/version/":                     listing("formatstaging/"),
		"/update/version/formatstaging/":       listing("latest"),
		"/update/version/formatstaging/latest": "9",
		"/update/9/":                           listing("Manifest.MoM", "pack-os-core-from-0.tar"),
		"/update/9/pack-os-core-from-0.tar":    "pack",
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	base := []string{"--config", writeConfig(t, "mirror:\n  retry_delay: 1ms\n"), "--progress", "none", "--no-netrc"}
	var stdout, stderr bytes.Buffer
	code := run(append(base, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_EndToEnd(t *testing.T) {
	server := newUpstream(t, upstreamPages())
	out := t.TempDir()

	code, stdout, stderr := runCLI(t, "-o", out, "-u", server.URL, "-w", "2")
	if code != ExitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "3 files: 3 downloaded, 0 skipped, 0 failed, 0 canceled (3 succeeded)") {
		t.Errorf("summary = %q", stdout)
	}

	data, err := os.ReadFile(filepath.Join(out, "update", "9", "pack-os-core-from-0.tar"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "pack" {
		t.Errorf("content = %q", data)
	}

	code, stdout, _ = runCLI(t, "-o", out, "-u", server.URL)
	if code != ExitSuccess || !strings.Contains(stdout, "0 downloaded, 3 skipped, 0 failed, 0 canceled (3 succeeded)") {
		t.Errorf("second run exit = %d, summary = %q", code, stdout)
	}
}

func TestRun_Partial(t *testing.T) {
	pages := upstreamPages()
	delete(pages, "/update/9/pack-os-core-from-0.tar")
	server := newUpstream(t, pages)

	code, stdout, _ := runCLI(t, "-o", t.TempDir(), "-u", server.URL, "-r", "0")
	if code != ExitPartial {
		t.Fatalf("exit = %d, want %d", code, ExitPartial)
	}
	if !strings.Contains(stdout, "Failed files:") || !strings.Contains(stdout, "pack-os-core-from-0.tar") {
		t.Errorf("failures should be listed, got %q", stdout)
	}
	if !strings.Contains(stdout, "1 failed, 0 canceled (2 succeeded)") {
		t.Errorf("summary = %q", stdout)
	}
}

func TestRun_ManifestInconsistent(t *testing.T) {
	pages := upstreamPages()
	pages["/update/9/Manifest.MoM"] = "MANIFEST\t30\nversion:\t9\nminversion:\t12\n"
	server := newUpstream(t, pages)

	code, _, _ := runCLI(t, "-o", t.TempDir(), "-u", server.URL)
	if code != ExitManifestError {
		t.Errorf("exit = %d, want %d", code, ExitManifestError)
	}
}

func TestRun_DryRun(t *testing.T) {
	server := newUpstream(t, upstreamPages())
	out := t.TempDir()

	code, stdout, _ := runCLI(t, "-o", out, "-u", server.URL, "--dry-run")
	if code != ExitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if n := strings.Count(stdout, "\n"); n != 3 {
		t.Errorf("plan has %d lines, want 3:\n%s", n, stdout)
	}
	if _, err := os.Stat(filepath.Join(out, "update")); !os.IsNotExist(err) {
		t.Error("dry run should not write files")
	}
}

func TestRun_Help(t *testing.T) {
	var stdout bytes.Buffer
	if code := run([]string{"--help"}, &stdout, io.Discard); code != ExitSuccess {
		t.Errorf("exit = %d", code)
	}
	if !strings.Contains(stdout.String(), "--extra-version") {
		t.Error("usage should list flags")
	}
}

func TestRun_MissingOutput(t *testing.T) {
	code, _, stderr := runCLI(t)
	if code != ExitParseError {
		t.Errorf("exit = %d, want %d", code, ExitParseError)
	}
	if !strings.Contains(stderr, "destination directory") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if code := initConfig(path, io.Discard, io.Discard); code != ExitSuccess {
		t.Fatalf("initConfig() = %d", code)
	}
	cfg := config.DefaultConfig()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if code := initConfig(path, io.Discard, io.Discard); code != ExitGeneralError {
		t.Errorf("second initConfig() = %d, want refusal", code)
	}
}
