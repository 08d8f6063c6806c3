package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/config"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/crawler"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/hooks"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/logging"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/metrics"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/mirror"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/tui"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/ui"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/version"
)

const progressInterval = 200 * time.Millisecond

func runMirror(cli CLIConfig, cfg *config.Config, stdout, stderr io.Writer) int {
	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(stderr, "\nInterrupted, waiting for transfers in flight...")
		cancel()
		<-sigChan
		os.Exit(ExitInterrupted)
	}()

	logOutput, err := logging.OpenFile(cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitParseError
	}
	defer logOutput.Close()

	// The dashboard owns the terminal; logs only go to an explicit file.
	var log *slog.Logger
	if cfg.Output.TUI && cfg.Logging.File == "" {
		log = logging.Discard()
	} else {
		log, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, logOutput)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitParseError
		}
	}

	protocol.SetUserAgentVersion(version.Get().Version)
	client := buildClient(cfg, log)
	defer client.Close()

	opts, err := mirrorOptions(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitParseError
	}

	m := mirror.New(opts, client, nil, log)
	log = log.With(slog.String("run_id", m.RunID()))

	stats := metrics.New(m.RunID())
	if cfg.Metrics.Addr != "" {
		server := metrics.NewServer(cfg.Metrics.Addr, stats, log)
		if err := server.Start(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitNetworkError
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			server.Stop(shutdownCtx)
		}()
	}

	tracker := ui.NewTracker()
	m.SetCallbacks(mirror.Callbacks{
		OnPhase: tracker.SetPhase,
		OnVersions: func(latest, minVersion int) {
			tracker.SetVersions(latest, minVersion)
			stats.SetVersions(latest, minVersion)
		},
		OnCrawl: func(s crawler.Stats) {
			tracker.CrawlProgress(s.Folders, s.Files, s.Pending, s.CurrentURL)
			stats.SetFoldersCrawled(s.Folders)
		},
		OnQueue: func(q *download.Queue) {
			tracker.SetQueue(q)
			stats.SetFilesDiscovered(q.Count())
		},
		OnItem: mirror.Fanout(tracker.Observe, stats.Observe),
	})

	stopDisplay, err := startDisplay(cli, cfg, tracker, cancel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitParseError
	}

	var report *mirror.Report
	if cli.DryRun {
		report, err = m.DryRun(ctx, stdout)
	} else {
		report, err = m.Run(ctx)
	}
	stopDisplay(err)

	if cli.DryRun {
		if err == nil {
			fmt.Fprintf(stderr, "%d files planned from %d listings (versions %d..%d)\n",
				len(report.Tasks), report.Crawl.Folders, report.MinVersion, report.Latest)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return exitCode(err)
	}

	printSummary(stdout, report, err)
	runHooks(cfg, report, err, log)
	return exitCode(err)
}

// buildClient creates the shared transport, sized for the larger worker pool
func buildClient(cfg *config.Config, log *slog.Logger) protocol.Fetcher {
	var login, password string
	if cfg.Network.Netrc {
		netrc, err := config.LoadNetrc()
		if err != nil {
			log.Warn("ignoring netrc", slog.String("error", err.Error()))
		} else if l, p, ok := netrc.Credentials(cfg.Upstream.URL); ok {
			login, password = l, p
			log.Debug("using netrc credentials", slog.String("login", login))
		}
	}

	if cfg.Network.HTTP3 {
		client := protocol.NewHTTP3Client(
			protocol.WithHTTP3Timeout(cfg.Network.Timeout),
			protocol.WithHTTP3UserAgent(cfg.Network.UserAgent),
			protocol.WithHTTP3BasicAuth(login, password),
			protocol.WithHTTP3InsecureSkipVerify(cfg.Network.Insecure),
		)
		if u, err := url.Parse(cfg.Upstream.URL); err == nil && client.Supports(u) {
			if cfg.Network.Proxy != "" {
				log.Warn("proxy is not supported over HTTP/3, ignoring", slog.String("proxy", cfg.Network.Proxy))
			}
			return client
		}
		client.Close()
		log.Warn("HTTP/3 needs an https upstream, falling back to HTTP/1.1", slog.String("upstream", cfg.Upstream.URL))
	}

	opts := []protocol.HTTPClientOption{
		protocol.WithTimeout(cfg.Network.Timeout),
		protocol.WithUserAgent(cfg.Network.UserAgent),
		protocol.WithPoolSize(max(cfg.Mirror.Workers, cfg.Mirror.CrawlWorkers)),
		protocol.WithBasicAuth(login, password),
	}
	for key, value := range cfg.Network.Headers {
		opts = append(opts, protocol.WithHeader(key, value))
	}
	if cfg.Network.Proxy != "" {
		opts = append(opts, protocol.WithProxy(cfg.Network.Proxy))
		log.Info("using proxy", slog.String("proxy", cfg.Network.Proxy))
	}
	if cfg.Network.Insecure {
		opts = append(opts, protocol.WithInsecureSkipVerify(true))
		log.Warn("TLS certificate verification disabled")
	}
	return protocol.NewHTTPClient(opts...)
}

// mirrorOptions translates the configuration into run options
func mirrorOptions(cfg *config.Config) (mirror.Options, error) {
	opts := mirror.DefaultOptions()
	opts.Upstream = cfg.Upstream.URL
	opts.Output = cfg.Mirror.Directory
	for _, v := range cfg.Upstream.ExtraVersions {
		opts.ExtraVersions = append(opts.ExtraVersions, strconv.Itoa(v))
	}

	opts.Crawl.Workers = cfg.Mirror.CrawlWorkers
	opts.Crawl.MaxDepth = cfg.Mirror.MaxDepth
	if len(cfg.Upstream.Accept) > 0 || len(cfg.Upstream.Reject) > 0 {
		opts.Crawl.Filter = crawler.NewFilter(cfg.Upstream.Accept, cfg.Upstream.Reject)
	}

	opts.Download.Workers = cfg.Mirror.Workers
	opts.Download.Retries = cfg.Mirror.Retries
	opts.Download.BufferSize = cfg.Mirror.ChunkSize
	opts.Download.SkipExisting = cfg.Mirror.SkipExisting
	if cfg.Mirror.RetryDelay > 0 {
		opts.Download.RetryDelay = cfg.Mirror.RetryDelay
		opts.FetchRetry.InitialDelay = cfg.Mirror.RetryDelay
	}
	opts.FetchRetry.MaxRetries = cfg.Mirror.Retries

	limit, err := config.ParseBandwidth(cfg.Bandwidth.Limit)
	if err != nil {
		return opts, err
	}
	opts.RateLimit = limit
	opts.CleanupStale = cfg.Mirror.CleanupStale
	return opts, nil
}

// startDisplay starts the configured progress output and returns its stop function
func startDisplay(cli CLIConfig, cfg *config.Config, tracker *ui.Tracker, cancel context.CancelFunc, stderr io.Writer) (func(error), error) {
	if cfg.Output.TUI {
		runner := tui.NewRunner(cfg.Upstream.URL, cfg.Mirror.Directory, tracker, cancel)
		runner.Start()
		return func(err error) {
			runner.Finish(err)
		}, nil
	}

	renderer, err := ui.NewRenderer(cfg.Output.ProgressStyle, stderr, cli.NoColor)
	if err != nil {
		return nil, err
	}

	renderCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ui.Run(renderCtx, tracker, renderer, progressInterval)
	}()

	return func(error) {
		stop()
		<-done
	}, nil
}

func printSummary(w io.Writer, report *mirror.Report, runErr error) {
	if report.Latest >= 0 {
		fmt.Fprintf(w, "Mirror of %s (versions %d..%d) in %s\n",
			report.Upstream, report.MinVersion, report.Latest, report.Output)
	}

	s := report.Summary
	if s.Total > 0 || runErr == nil {
		fmt.Fprintf(w, "  %d files: %d downloaded, %d skipped, %d failed, %d canceled (%d succeeded)\n",
			s.Total, s.Completed, s.Skipped, s.Failed, s.Canceled, s.Succeeded())
		fmt.Fprintf(w, "  %s transferred in %s\n", ui.FormatBytes(s.Bytes), ui.FormatDuration(report.Duration))
	}

	if len(s.Failures) > 0 {
		fmt.Fprintf(w, "\nFailed files:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %s -> %s: %v\n", f.Task.URL, f.Task.Path(), f.Error)
		}
	}

	if runErr != nil && !errors.Is(runErr, mirror.ErrPartial) {
		fmt.Fprintf(w, "\nError: %v\n", runErr)
	}
}

// runHooks notifies the configured hooks about the outcome of the run
func runHooks(cfg *config.Config, report *mirror.Report, runErr error, log *slog.Logger) {
	manager := hooks.NewManager(log)
	if cfg.Hooks.OnComplete != "" {
		manager.Add(commandHook(cfg.Hooks.OnComplete, cfg.Hooks.Timeout, hooks.EventComplete))
	}
	if cfg.Hooks.OnError != "" {
		manager.Add(commandHook(cfg.Hooks.OnError, cfg.Hooks.Timeout, hooks.EventError, hooks.EventCancel))
	}
	if cfg.Hooks.Webhook != "" {
		webhook := hooks.NewWebhookHook(cfg.Hooks.Webhook)
		for key, value := range cfg.Hooks.WebhookHeaders {
			webhook.WithHeader(key, value)
		}
		manager.Add(webhook)
	}
	if manager.Count() == 0 {
		return
	}

	// The run context may already be canceled; hooks get their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Hooks.Timeout+5*time.Second)
	defer cancel()

	if err := manager.Execute(ctx, newPayload(report, runErr)); err != nil {
		log.Error("hook failed", slog.String("error", err.Error()))
	}
}

func commandHook(command string, timeout time.Duration, events ...hooks.Event) *hooks.CommandHook {
	hook := hooks.NewCommandHook(command, events...)
	if timeout > 0 {
		hook.Timeout = timeout
	}
	return hook
}

func newPayload(report *mirror.Report, runErr error) *hooks.Payload {
	event := hooks.EventComplete
	switch {
	case errors.Is(runErr, context.Canceled):
		event = hooks.EventCancel
	case runErr != nil:
		event = hooks.EventError
	}

	versions := make([]string, 0, len(report.Roots))
	for _, r := range report.Roots {
		versions = append(versions, r.ID)
	}

	s := report.Summary
	payload := &hooks.Payload{
		Event:      event,
		RunID:      report.RunID,
		Upstream:   report.Upstream,
		Output:     report.Output,
		Latest:     report.Latest,
		MinVersion: report.MinVersion,
		Versions:   versions,
		Total:      s.Total,
		Downloaded: s.Completed,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
		Canceled:   s.Canceled,
		Bytes:      s.Bytes,
		Timestamp:  time.Now(),
		Duration:   report.Duration.Seconds(),
	}
	return payload.WithError(runErr)
}
