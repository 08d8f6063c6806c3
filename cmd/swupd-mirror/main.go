// swupd-mirror - keeps a local copy of a Clear Linux update repository
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/config"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/mirror"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/protocol"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/update"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/version"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitParseError    = 2
	ExitNetworkError  = 3
	ExitManifestError = 4
	ExitPartial       = 5
	ExitInterrupted   = 8
)

// CLIConfig holds CLI configuration
type CLIConfig struct {
	Output         string
	Upstream       string
	Verbose        bool
	Quiet          bool
	Workers        int
	CrawlWorkers   int
	Retries        int
	MaxDepth       int
	ExtraVersions  []int
	Accept         []string
	Reject         []string
	NoSkipExisting bool
	NoCleanup      bool
	DryRun         bool
	LimitRate      string
	Timeout        time.Duration
	Proxy          string
	NoCheckCert    bool
	HTTP3          bool
	NoNetrc        bool
	Progress       string
	NoColor        bool
	TUI            bool
	MetricsAddr    string
	OnComplete     string
	OnError        string
	WebhookURL     string
	ConfigFile     string
	Profile        string
	InitConfig     bool
	EnvFile        string
	LogLevel       string
	LogFormat      string
	LogFile        string
	ShowVersion    bool
	ShowHelp       bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet(stderr)
	cli, err := parseFlags(flags, args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitParseError
	}

	if cli.ShowHelp {
		printUsage(stdout)
		return ExitSuccess
	}
	if cli.ShowVersion {
		fmt.Fprintln(stdout, version.Full())
		return ExitSuccess
	}
	if cli.InitConfig {
		return initConfig(cli.ConfigFile, stdout, stderr)
	}

	cfg, err := loadConfig(cli, flags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitParseError
	}

	return runMirror(cli, cfg, stdout, stderr)
}

func newFlagSet(output io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("swupd-mirror", pflag.ContinueOnError)
	flags.SetOutput(output)
	flags.Usage = func() {}
	return flags
}

func parseFlags(flags *pflag.FlagSet, args []string) (CLIConfig, error) {
	defaults := config.DefaultConfig()
	cfg := CLIConfig{}

	// Basic options
	flags.StringVarP(&cfg.Output, "out", "o", "", "Destination directory")
	flags.StringVarP(&cfg.Upstream, "upstream", "u", defaults.Upstream.URL, "Upstream base URL")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Debug logging")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", false, "No progress output")
	flags.IntVarP(&cfg.Workers, "workers", "w", defaults.Mirror.Workers, "Concurrent downloads")
	flags.IntVar(&cfg.CrawlWorkers, "crawl-workers", defaults.Mirror.CrawlWorkers, "Concurrent listing fetches")
	flags.IntVarP(&cfg.Retries, "retries", "r", defaults.Mirror.Retries, "Retries per file and listing")
	flags.IntVar(&cfg.MaxDepth, "max-depth", 0, "Folder depth below each version (0 = unlimited)")
	flags.BoolVarP(&cfg.ShowVersion, "version-info", "V", false, "Show version")
	flags.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help")

	// Selection
	flags.IntSliceVar(&cfg.ExtraVersions, "extra-version", nil, "Additional version to mirror (repeatable)")
	flags.StringArrayVar(&cfg.Accept, "accept", nil, "Only download files matching GLOB (repeatable)")
	flags.StringArrayVar(&cfg.Reject, "reject", nil, "Skip files matching GLOB (repeatable)")
	flags.BoolVar(&cfg.NoSkipExisting, "no-skip-existing", false, "Download files already present")
	flags.BoolVar(&cfg.NoCleanup, "no-cleanup", false, "Keep temporary files of interrupted runs")
	flags.BoolVar(&cfg.DryRun, "dry-run", false, "Crawl only and print the plan")

	// Network
	flags.StringVar(&cfg.LimitRate, "limit-rate", "", "Bandwidth limit (e.g., 10M, 500K)")
	flags.DurationVarP(&cfg.Timeout, "timeout", "T", defaults.Network.Timeout, "Network idle timeout")
	flags.StringVar(&cfg.Proxy, "proxy", "", "Proxy URL (http://host:port or socks5://host:port)")
	flags.BoolVar(&cfg.NoCheckCert, "no-check-certificate", false, "Skip TLS certificate verification")
	flags.BoolVar(&cfg.HTTP3, "http3", false, "Use HTTP/3 (QUIC)")
	flags.BoolVar(&cfg.NoNetrc, "no-netrc", false, "Ignore ~/.netrc credentials")

	// Output
	flags.StringVar(&cfg.Progress, "progress", defaults.Output.ProgressStyle, "Progress style: bar, minimal, json, none")
	flags.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&cfg.TUI, "tui", false, "Interactive dashboard")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on ADDR")
	flags.StringVar(&cfg.LogLevel, "log-level", defaults.Logging.Level, "Log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFormat, "log-format", defaults.Logging.Format, "Log format: text, json")
	flags.StringVar(&cfg.LogFile, "log-file", "", "Write logs to FILE")

	// Hooks
	flags.StringVar(&cfg.OnComplete, "on-complete", "", "Command to run after a complete mirror")
	flags.StringVar(&cfg.OnError, "on-error", "", "Command to run after a failed mirror")
	flags.StringVar(&cfg.WebhookURL, "webhook", "", "Webhook URL for run notifications")

	// Configuration
	flags.StringVar(&cfg.ConfigFile, "config", "", "Use custom config file")
	flags.StringVar(&cfg.Profile, "profile", "", "Use named profile from config")
	flags.BoolVar(&cfg.InitConfig, "init-config", false, "Generate default config file")
	flags.StringVar(&cfg.EnvFile, "env-file", "", "Load SWUPD_MIRROR_* variables from FILE")

	if err := flags.Parse(args); err != nil {
		return cfg, err
	}
	if flags.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected argument %q", flags.Arg(0))
	}

	if cfg.Quiet {
		cfg.Progress = "none"
	}
	return cfg, nil
}

// loadConfig layers defaults, config file, profile, environment and flags
func loadConfig(cli CLIConfig, flags *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cli.ConfigFile != "" {
		cfg = config.DefaultConfig()
		if err = cfg.LoadFile(cli.ConfigFile); err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			return nil, err
		}
	}

	if cli.Profile != "" {
		if err = cfg.ApplyProfile(cli.Profile); err != nil {
			return nil, err
		}
	}

	envFile := cli.EnvFile
	if envFile == "" {
		if _, err := os.Stat(".env"); err == nil {
			envFile = ".env"
		}
	}
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	applyFlags(cfg, cli, flags)

	if cfg.Mirror.Directory == "" {
		return nil, errors.New("destination directory is required (-o DIR)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// applyFlags copies every flag given on the command line into cfg
func applyFlags(cfg *config.Config, cli CLIConfig, flags *pflag.FlagSet) {
	set := flags.Changed

	if set("out") {
		cfg.Mirror.Directory = cli.Output
	}
	if set("upstream") {
		cfg.Upstream.URL = cli.Upstream
	}
	if set("workers") {
		cfg.Mirror.Workers = cli.Workers
	}
	if set("crawl-workers") {
		cfg.Mirror.CrawlWorkers = cli.CrawlWorkers
	}
	if set("retries") {
		cfg.Mirror.Retries = cli.Retries
	}
	if set("max-depth") {
		cfg.Mirror.MaxDepth = cli.MaxDepth
	}
	cfg.Upstream.ExtraVersions = append(cfg.Upstream.ExtraVersions, cli.ExtraVersions...)
	cfg.Upstream.Accept = append(cfg.Upstream.Accept, cli.Accept...)
	cfg.Upstream.Reject = append(cfg.Upstream.Reject, cli.Reject...)
	if cli.NoSkipExisting {
		cfg.Mirror.SkipExisting = false
	}
	if cli.NoCleanup {
		cfg.Mirror.CleanupStale = false
	}

	if set("limit-rate") {
		cfg.Bandwidth.Limit = cli.LimitRate
	}
	if set("timeout") {
		cfg.Network.Timeout = cli.Timeout
	}
	if set("proxy") {
		cfg.Network.Proxy = cli.Proxy
	}
	if cli.NoCheckCert {
		cfg.Network.Insecure = true
	}
	if cli.HTTP3 {
		cfg.Network.HTTP3 = true
	}
	if cli.NoNetrc {
		cfg.Network.Netrc = false
	}

	if set("progress") || cli.Quiet {
		cfg.Output.ProgressStyle = cli.Progress
	}
	if cli.TUI {
		cfg.Output.TUI = true
	}
	if set("metrics-addr") {
		cfg.Metrics.Addr = cli.MetricsAddr
	}
	if set("log-level") {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Verbose {
		cfg.Logging.Level = "debug"
	}
	if set("log-format") {
		cfg.Logging.Format = cli.LogFormat
	}
	if set("log-file") {
		cfg.Logging.File = cli.LogFile
	}

	if set("on-complete") {
		cfg.Hooks.OnComplete = cli.OnComplete
	}
	if set("on-error") {
		cfg.Hooks.OnError = cli.OnError
	}
	if set("webhook") {
		cfg.Hooks.Webhook = cli.WebhookURL
	}
}

// initConfig generates a default configuration file
func initConfig(path string, stdout, stderr io.Writer) int {
	if path == "" {
		var err error
		path, err = config.GetDefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: Cannot determine config path: %v\n", err)
			return ExitGeneralError
		}
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stderr, "Config file already exists: %s\n", path)
		fmt.Fprintf(stderr, "Use --config to specify a different file.\n")
		return ExitGeneralError
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: Failed to create config directory: %v\n", err)
		return ExitGeneralError
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefaultConfig()), 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: Failed to save config: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(stdout, "Created default config file: %s\n", path)
	fmt.Fprintln(stdout, "\nYou can customize your settings there.")
	return ExitSuccess
}

// exitCode maps the outcome of a run onto the documented exit codes
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, update.ErrManifestInconsistency):
		return ExitManifestError
	case errors.Is(err, mirror.ErrPartial):
		return ExitPartial
	case errors.Is(err, protocol.ErrFetch), errors.Is(err, protocol.ErrParse):
		return ExitNetworkError
	default:
		return ExitGeneralError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s

Usage:
  swupd-mirror -o DIR [OPTIONS]

Mirrors the Clear Linux update repository: resolves the published version
range, walks every version directory listing and downloads what is missing.

Options:
  -o, --out DIR              Destination directory (required)
  -u, --upstream URL         Upstream base URL (default: %s)
  -w, --workers N            Concurrent downloads (default: 24)
      --crawl-workers N      Concurrent listing fetches (default: 24)
  -r, --retries N            Retries per file and listing (default: 3)
  -T, --timeout DUR          Network idle timeout (default: 10s)
  -v, --verbose              Debug logging
  -q, --quiet                No progress output
  -h, --help                 Show this help message
  -V, --version-info         Show version information

Selection:
      --extra-version N      Also mirror version N (repeatable)
      --accept GLOB          Only download files matching GLOB (repeatable)
      --reject GLOB          Skip files matching GLOB (repeatable)
      --max-depth N          Folder depth below each version (0 = unlimited)
      --no-skip-existing     Download files already present
      --no-cleanup           Keep temporary files of interrupted runs
      --dry-run              Crawl only and print the download plan

Network:
      --limit-rate RATE      Limit total bandwidth (e.g., 10M, 500K)
      --proxy URL            Use proxy (http://host:port or socks5://host:port)
      --no-check-certificate Skip TLS certificate verification
      --http3                Use HTTP/3 (QUIC)
      --no-netrc             Ignore ~/.netrc credentials

Output:
      --progress TYPE        Progress display: bar, minimal, json, none (default: bar)
      --no-color             Disable colored output
      --tui                  Interactive dashboard (q stops the run)
      --metrics-addr ADDR    Serve Prometheus metrics on ADDR (e.g., :9090)
      --log-level LEVEL      debug, info, warn, error (default: info)
      --log-format FMT       text, json (default: text)
      --log-file FILE        Write logs to FILE

Hooks:
      --on-complete CMD      Run command after a complete mirror
      --on-error CMD         Run command after a failed or partial mirror
      --webhook URL          POST the run summary to URL

Configuration:
      --config FILE          Use custom config file
      --profile NAME         Use named profile from config
      --init-config          Generate default config file
      --env-file FILE        Load SWUPD_MIRROR_* variables from FILE

Exit Codes:
  0  Success
  1  General error
  2  Parse/config error
  3  Network error
  4  Manifest inconsistency
  5  Some files failed after retries
  8  Interrupted (Ctrl+C)

Examples:
  swupd-mirror -o /srv/clear
  swupd-mirror -o /srv/clear -w 8 --limit-rate 20M
  swupd-mirror -o /srv/clear --reject '*.tar' --extra-version 39000
  swupd-mirror -o /srv/clear --dry-run > plan.tsv
  swupd-mirror -o /srv/clear --proxy socks5://127.0.0.1:9050 --profile tor
`, version.Full(), update.DefaultUpstream)
}
