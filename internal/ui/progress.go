// Package ui renders mirror progress on a terminal.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Renderer draws snapshots of a run
type Renderer interface {
	Render(s Snapshot)
	Finish(s Snapshot)
}

// NewRenderer returns the renderer for style: bar, minimal, json or none.
func NewRenderer(style string, w io.Writer, noColor bool) (Renderer, error) {
	switch style {
	case "bar", "":
		return NewProgressBar(WithOutput(w), WithNoColor(noColor)), nil
	case "minimal":
		return &minimalRenderer{w: w}, nil
	case "json":
		return &jsonRenderer{enc: json.NewEncoder(w)}, nil
	case "none":
		return nopRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown progress style %q", style)
	}
}

// Run renders tracker snapshots every interval until ctx is done, then renders the final state.
func Run(ctx context.Context, tracker *Tracker, r Renderer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Finish(tracker.Snapshot())
			return
		case <-ticker.C:
			r.Render(tracker.Snapshot())
		}
	}
}

// ProgressBar displays batch progress as a redrawn block of lines
type ProgressBar struct {
	output    io.Writer
	width     int
	noColor   bool
	lastLines int
}

// ProgressBarOption configures a ProgressBar
type ProgressBarOption func(*ProgressBar)

// WithOutput sets the output writer
func WithOutput(w io.Writer) ProgressBarOption {
	return func(p *ProgressBar) {
		p.output = w
	}
}

// WithWidth sets the progress bar width
func WithWidth(width int) ProgressBarOption {
	return func(p *ProgressBar) {
		p.width = width
	}
}

// WithNoColor disables colored output
func WithNoColor(noColor bool) ProgressBarOption {
	return func(p *ProgressBar) {
		p.noColor = noColor
	}
}

// NewProgressBar creates a new ProgressBar
func NewProgressBar(opts ...ProgressBarOption) *ProgressBar {
	p := &ProgressBar{
		output: io.Discard,
		width:  40,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	clearLine   = "\033[2K"
	moveUp      = "\033[%dA"
)

// Render redraws the progress block
func (p *ProgressBar) Render(s Snapshot) {
	var sb strings.Builder
	p.clear(&sb)

	lines := 0
	sb.WriteString(p.color(colorBold, s.Phase.String()) + p.versionLabel(s) + "\n")
	lines++

	switch s.Phase {
	case PhaseResolve:
	case PhaseCrawl:
		sb.WriteString(fmt.Sprintf("  listings: %d expanded, %d queued  |  files found: %d\n",
			s.Folders, s.Pending, s.Discovered))
		lines++
	default:
		sb.WriteString(fmt.Sprintf("  %s %d/%d files\n", p.renderBar(s.Percent(), p.width), s.Stats.Processed(), s.Stats.Total))
		sb.WriteString(fmt.Sprintf("  %s  |  %s  |  ETA: %s  |  Elapsed: %s\n",
			FormatBytes(s.Bytes),
			p.color(colorCyan, formatSpeed(s.Speed)),
			p.color(colorYellow, formatETA(s.ETA)),
			formatDuration(s.Elapsed)))
		sb.WriteString(fmt.Sprintf("  downloaded %d  skipped %d  failed %d\n",
			s.Stats.Completed, s.Stats.Skipped, s.Stats.Failed))
		lines += 3
	}

	p.lastLines = lines
	fmt.Fprint(p.output, sb.String())
}

// Finish replaces the progress block with a one-line summary
func (p *ProgressBar) Finish(s Snapshot) {
	var sb strings.Builder
	p.clear(&sb)
	p.lastLines = 0

	mark := p.color(colorGreen, "✓")
	if s.Stats.Failed > 0 || s.Stats.Canceled > 0 {
		mark = p.color(colorYellow, "✗")
	}
	sb.WriteString(fmt.Sprintf("%s %d files: %d downloaded, %d skipped, %d failed, %d canceled (%s in %s)\n",
		mark, s.Stats.Total, s.Stats.Completed, s.Stats.Skipped, s.Stats.Failed, s.Stats.Canceled,
		FormatBytes(s.Bytes), formatDuration(s.Elapsed)))
	fmt.Fprint(p.output, sb.String())
}

func (p *ProgressBar) clear(sb *strings.Builder) {
	if p.lastLines == 0 {
		return
	}
	for i := 0; i < p.lastLines; i++ {
		sb.WriteString(fmt.Sprintf(moveUp, 1))
		sb.WriteString(clearLine + "\r")
	}
}

func (p *ProgressBar) versionLabel(s Snapshot) string {
	if s.Latest < 0 {
		return ""
	}
	return fmt.Sprintf(" (versions %d..%d)", s.MinVersion, s.Latest)
}

// renderBar creates an ASCII progress bar
func (p *ProgressBar) renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	bar := strings.Repeat("━", filled) + strings.Repeat("─", empty)
	percentStr := fmt.Sprintf("%5.1f%%", percent)

	return p.color(colorGreen, bar) + " " + percentStr
}

// color wraps text in ANSI color codes
func (p *ProgressBar) color(code, text string) string {
	if p.noColor {
		return text
	}
	return code + text + colorReset
}

// minimalRenderer rewrites a single line
type minimalRenderer struct {
	w io.Writer
}

func (m *minimalRenderer) Render(s Snapshot) {
	if s.Phase != PhaseDownload {
		fmt.Fprintf(m.w, "\r%s: %d listings, %d files", s.Phase, s.Folders, s.Discovered)
		return
	}
	fmt.Fprintf(m.w, "\r%.1f%% %d/%d %s %s eta %s",
		s.Percent(), s.Stats.Processed(), s.Stats.Total,
		FormatBytes(s.Bytes), formatSpeed(s.Speed), formatETA(s.ETA))
}

func (m *minimalRenderer) Finish(s Snapshot) {
	fmt.Fprintf(m.w, "\r%d downloaded, %d skipped, %d failed, %d canceled\n",
		s.Stats.Completed, s.Stats.Skipped, s.Stats.Failed, s.Stats.Canceled)
}

// JSONProgress is one line of json progress output
type JSONProgress struct {
	Phase      string  `json:"phase"`
	Folders    int     `json:"folders"`
	Discovered int     `json:"discovered"`
	Total      int     `json:"total"`
	Downloaded int     `json:"downloaded"`
	Skipped    int     `json:"skipped"`
	Failed     int     `json:"failed"`
	Canceled   int     `json:"canceled"`
	Percent    float64 `json:"percent"`
	Bytes      int64   `json:"bytes"`
	Speed      int64   `json:"speed"`
	ETA        int     `json:"eta"`
	Final      bool    `json:"final,omitempty"`
}

type jsonRenderer struct {
	enc *json.Encoder
}

func (j *jsonRenderer) Render(s Snapshot) { j.enc.Encode(toJSON(s, false)) }

func (j *jsonRenderer) Finish(s Snapshot) { j.enc.Encode(toJSON(s, true)) }

func toJSON(s Snapshot, final bool) JSONProgress {
	return JSONProgress{
		Phase:      s.Phase.String(),
		Folders:    s.Folders,
		Discovered: s.Discovered,
		Total:      s.Stats.Total,
		Downloaded: s.Stats.Completed,
		Skipped:    s.Stats.Skipped,
		Failed:     s.Stats.Failed,
		Canceled:   s.Stats.Canceled,
		Percent:    s.Percent(),
		Bytes:      s.Bytes,
		Speed:      s.Speed,
		ETA:        int(s.ETA.Seconds()),
		Final:      final,
	}
}

type nopRenderer struct{}

func (nopRenderer) Render(Snapshot) {}
func (nopRenderer) Finish(Snapshot) {}

// formatSpeed formats a transfer rate
func formatSpeed(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return "-- B/s"
	}
	return FormatBytes(bytesPerSec) + "/s"
}

// formatETA formats estimated time remaining
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "--:--"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration as mm:ss or hh:mm:ss
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "00:00"
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatBytes formats bytes into human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// FormatDuration is formatDuration for callers outside the package
func FormatDuration(d time.Duration) string {
	return formatDuration(d)
}
