// Package tui provides an interactive mirror dashboard using Bubbletea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/ui"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	highlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// refreshInterval is how often the model polls its snapshot source
const refreshInterval = 200 * time.Millisecond

// SnapshotMsg carries a fresh view of the run
type SnapshotMsg ui.Snapshot

// DoneMsg is sent when the run has ended
type DoneMsg struct {
	Err error
}

type tickMsg time.Time

// Model is the Bubbletea model for the mirror dashboard
type Model struct {
	Upstream string
	Output   string

	snap     ui.Snapshot
	done     bool
	err      error
	canceled bool

	source func() ui.Snapshot
	cancel func()

	progress     progress.Model
	spinner      spinner.Model
	width        int
	showFailures bool
}

// NewModel creates a dashboard polling source; cancel is called when the user quits.
func NewModel(upstream, output string, source func() ui.Snapshot, cancel func()) Model {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	return Model{
		Upstream:     upstream,
		Output:       output,
		source:       source,
		cancel:       cancel,
		progress:     p,
		spinner:      s,
		width:        80,
		showFailures: true,
		snap:         ui.Snapshot{Latest: -1, MinVersion: -1},
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.canceled {
				m.canceled = true
				if m.cancel != nil {
					m.cancel()
				}
			}
		case "f":
			m.showFailures = !m.showFailures
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 20
		if m.progress.Width > 80 {
			m.progress.Width = 80
		}
		if m.progress.Width < 10 {
			m.progress.Width = 10
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.source != nil {
			m.snap = m.source()
		}
		if m.done {
			return m, nil
		}
		return m, tick()

	case SnapshotMsg:
		m.snap = ui.Snapshot(msg)

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if m.source != nil {
			m.snap = m.source()
		}
		return m, tea.Quit
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("swupd-mirror"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s -> %s", m.Upstream, m.Output)))
	b.WriteString("\n\n")

	b.WriteString(m.renderPhase())
	b.WriteString("\n\n")

	if m.snap.Phase >= ui.PhaseDownload {
		b.WriteString(m.renderProgress())
		b.WriteString("\n\n")
	}

	b.WriteString(boxStyle.Render(m.renderCounters()))
	b.WriteString("\n")

	if m.showFailures && len(m.snap.Failures) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderFailures())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m Model) renderPhase() string {
	s := m.snap
	versions := ""
	if s.Latest >= 0 {
		versions = dimStyle.Render(fmt.Sprintf("  versions %d..%d", s.MinVersion, s.Latest))
	}

	switch {
	case m.done && m.err != nil:
		return errorStyle.Render(fmt.Sprintf("✗ %v", m.err)) + versions
	case m.done:
		return successStyle.Render("✓ Mirror complete") + versions
	case m.canceled:
		return warningStyle.Render(m.spinner.View()+" Stopping, waiting for transfers in flight...") + versions
	default:
		return m.spinner.View() + " " + highlightStyle.Render(s.Phase.String()) + versions
	}
}

func (m Model) renderProgress() string {
	percent := m.snap.Percent() / 100
	return m.progress.ViewAs(percent) + "  " +
		highlightStyle.Render(fmt.Sprintf("%.1f%%", percent*100)) +
		dimStyle.Render(fmt.Sprintf("  %d/%d", m.snap.Stats.Processed(), m.snap.Stats.Total))
}

func (m Model) renderCounters() string {
	s := m.snap
	lines := []string{
		fmt.Sprintf("listings %d  queued %d  files found %d", s.Folders, s.Pending, s.Discovered),
	}
	if s.Phase >= ui.PhaseDownload {
		lines = append(lines,
			fmt.Sprintf("downloaded %s  skipped %d  failed %s  canceled %d",
				successStyle.Render(fmt.Sprint(s.Stats.Completed)),
				s.Stats.Skipped,
				failedCount(s.Stats.Failed),
				s.Stats.Canceled),
			fmt.Sprintf("%s  │  %s  │  ETA %s  │  elapsed %s",
				ui.FormatBytes(s.Bytes),
				highlightStyle.Render(ui.FormatBytes(s.Speed)+"/s"),
				ui.FormatDuration(s.ETA),
				ui.FormatDuration(s.Elapsed)))
	}
	if s.Current != "" && !m.done {
		current := s.Current
		if limit := m.width - 8; limit > 10 && len(current) > limit {
			current = "..." + current[len(current)-limit+3:]
		}
		lines = append(lines, dimStyle.Render(current))
	}
	return strings.Join(lines, "\n")
}

func failedCount(n int) string {
	if n == 0 {
		return "0"
	}
	return errorStyle.Render(fmt.Sprint(n))
}

func (m Model) renderFailures() string {
	var b strings.Builder
	b.WriteString(warningStyle.Render("Recent failures:"))
	for _, f := range m.snap.Failures {
		b.WriteString("\n  ")
		b.WriteString(dimStyle.Render(f))
	}
	return b.String()
}

func (m Model) renderHelp() string {
	keys := []string{"f:toggle failures"}
	if m.done {
		keys = append(keys, "q:exit")
	} else {
		keys = append(keys, "q:stop")
	}
	return dimStyle.Render(strings.Join(keys, " • "))
}
