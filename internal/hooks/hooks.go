// Package hooks notifies external programs when a mirror run ends.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Event represents the outcome of a run
type Event string

const (
	EventComplete Event = "complete" // every file is present locally
	EventError    Event = "error"    // the run failed or some files failed
	EventCancel   Event = "cancel"   // the run was interrupted
)

// Payload summarizes a finished run
type Payload struct {
	Event      Event     `json:"event"`
	RunID      string    `json:"run_id"`
	Upstream   string    `json:"upstream"`
	Output     string    `json:"output"`
	Latest     int       `json:"latest"`
	MinVersion int       `json:"min_version"`
	Versions   []string  `json:"versions,omitempty"`
	Total      int       `json:"total"`
	Downloaded int       `json:"downloaded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Canceled   int       `json:"canceled"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Duration   float64   `json:"duration_seconds"`
}

// WithError adds error information to the payload
func (p *Payload) WithError(err error) *Payload {
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// Hook is the interface for all hook types
type Hook interface {
	Execute(ctx context.Context, payload *Payload) error
	Name() string
}

// CommandHook runs a shell command with the payload in its environment
type CommandHook struct {
	Command string
	Events  []Event
	Timeout time.Duration
}

// NewCommandHook creates a command hook for the given events, complete and error by default
func NewCommandHook(command string, events ...Event) *CommandHook {
	if len(events) == 0 {
		events = []Event{EventComplete, EventError}
	}
	return &CommandHook{
		Command: command,
		Events:  events,
		Timeout: 30 * time.Second,
	}
}

// Name returns the hook name
func (h *CommandHook) Name() string {
	return fmt.Sprintf("command:%s", h.Command)
}

// Execute runs the command
func (h *CommandHook) Execute(ctx context.Context, payload *Payload) error {
	if !slices.Contains(h.Events, payload.Event) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", h.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", h.Command)
	}
	cmd.Env = append(os.Environ(), Env(payload)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Env renders the payload as SWUPD_MIRROR_* variables
func Env(p *Payload) []string {
	return []string{
		"SWUPD_MIRROR_EVENT=" + string(p.Event),
		"SWUPD_MIRROR_RUN_ID=" + p.RunID,
		"SWUPD_MIRROR_UPSTREAM=" + p.Upstream,
		"SWUPD_MIRROR_OUTPUT=" + p.Output,
		"SWUPD_MIRROR_LATEST=" + strconv.Itoa(p.Latest),
		"SWUPD_MIRROR_MIN_VERSION=" + strconv.Itoa(p.MinVersion),
		"SWUPD_MIRROR_VERSIONS=" + strings.Join(p.Versions, " "),
		"SWUPD_MIRROR_TOTAL=" + strconv.Itoa(p.Total),
		"SWUPD_MIRROR_DOWNLOADED=" + strconv.Itoa(p.Downloaded),
		"SWUPD_MIRROR_SKIPPED=" + strconv.Itoa(p.Skipped),
		"SWUPD_MIRROR_FAILED=" + strconv.Itoa(p.Failed),
		"SWUPD_MIRROR_CANCELED=" + strconv.Itoa(p.Canceled),
		"SWUPD_MIRROR_BYTES=" + strconv.FormatInt(p.Bytes, 10),
		"SWUPD_MIRROR_ERROR=" + p.Error,
		fmt.Sprintf("SWUPD_MIRROR_DURATION=%.2f", p.Duration),
	}
}

// WebhookHook posts the payload as JSON
type WebhookHook struct {
	URL     string
	Events  []Event
	Headers map[string]string
	client  *http.Client
}

// NewWebhookHook creates a webhook for the given events, every event by default
func NewWebhookHook(url string, events ...Event) *WebhookHook {
	if len(events) == 0 {
		events = []Event{EventComplete, EventError, EventCancel}
	}
	return &WebhookHook{
		URL:     url,
		Events:  events,
		Headers: make(map[string]string),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHeader adds a header to the webhook request
func (h *WebhookHook) WithHeader(key, value string) *WebhookHook {
	h.Headers[key] = value
	return h
}

// Name returns the hook name
func (h *WebhookHook) Name() string {
	return fmt.Sprintf("webhook:%s", h.URL)
}

// Execute sends the webhook request
func (h *WebhookHook) Execute(ctx context.Context, payload *Payload) error {
	if !slices.Contains(h.Events, payload.Event) {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "swupd-mirror-webhook/1.0")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Manager runs every registered hook
type Manager struct {
	hooks []Hook
	log   *slog.Logger
}

// NewManager creates a new hook manager
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log.With(slog.String("component", "hooks"))}
}

// Add adds a hook to the manager
func (m *Manager) Add(hook Hook) {
	m.hooks = append(m.hooks, hook)
}

// Execute runs all hooks in order. One failing hook does not stop the others.
func (m *Manager) Execute(ctx context.Context, payload *Payload) error {
	var errs []error
	for _, hook := range m.hooks {
		if err := hook.Execute(ctx, payload); err != nil {
			m.log.Warn("hook failed", slog.String("hook", hook.Name()), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name(), err))
			continue
		}
		m.log.Debug("hook done", slog.String("hook", hook.Name()), slog.String("event", string(payload.Event)))
	}
	return errors.Join(errs...)
}

// Count returns the number of registered hooks
func (m *Manager) Count() int {
	return len(m.hooks)
}
