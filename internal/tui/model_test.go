package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
	"github.com/kilimcininkoroglu/swupd-mirror/internal/ui"
)

func snapshot() ui.Snapshot {
	return ui.Snapshot{
		Phase:      ui.PhaseDownload,
		Latest:     40000,
		MinVersion: 39500,
		Folders:    120,
		Discovered: 900,
		Stats: download.QueueStats{
			Total:     900,
			Completed: 400,
			Skipped:   50,
			Failed:    2,
		},
		Current:  "/srv/clear/update/40000/Manifest.MoM",
		Failures: []string{"fetching https://x/update/10/a: HTTP 404 Not Found"},
	}
}

func TestModel_View(t *testing.T) {
	m := NewModel("https://cdn.download.clearlinux.org", "/srv/clear", snapshot, nil)

	next, _ := m.Update(tickMsg{})
	view := next.(Model).View()

	for _, want := range []string{"swupd-mirror", "/srv/clear", "versions 39500..40000", "452/900", "404 Not Found"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_QuitCancelsRun(t *testing.T) {
	canceled := 0
	m := NewModel("u", "o", snapshot, func() { canceled++ })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if canceled != 1 {
		t.Errorf("cancel calls = %d, want 1", canceled)
	}
	if cmd != nil {
		t.Error("quitting mid-run should wait for the run to finish")
	}

	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if canceled != 1 {
		t.Error("cancel should run once")
	}
	if !strings.Contains(next.(Model).View(), "Stopping") {
		t.Error("view should show that the run is stopping")
	}
}

func TestModel_Done(t *testing.T) {
	m := NewModel("u", "o", snapshot, nil)

	next, cmd := m.Update(DoneMsg{Err: errors.New("manifest inconsistent")})
	if cmd == nil {
		t.Fatal("DoneMsg should quit the program")
	}
	if !strings.Contains(next.(Model).View(), "manifest inconsistent") {
		t.Error("view should show the run error")
	}
}

func TestModel_ToggleFailures(t *testing.T) {
	m := NewModel("u", "o", snapshot, nil)
	next, _ := m.Update(tickMsg{})
	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})

	if strings.Contains(next.(Model).View(), "Recent failures") {
		t.Error("failures should be hidden after toggling")
	}
}
