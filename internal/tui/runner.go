package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/ui"
)

// Runner owns the dashboard program for the duration of a run
type Runner struct {
	program *tea.Program
	done    chan struct{}
	err     error
	once    sync.Once
}

// NewRunner creates a dashboard fed by tracker. cancel stops the run when the user quits.
func NewRunner(upstream, output string, tracker *ui.Tracker, cancel func(), opts ...tea.ProgramOption) *Runner {
	model := NewModel(upstream, output, tracker.Snapshot, cancel)
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)

	return &Runner{
		program: tea.NewProgram(model, opts...),
		done:    make(chan struct{}),
	}
}

// Start runs the dashboard in a goroutine
func (r *Runner) Start() {
	go func() {
		defer close(r.done)
		_, r.err = r.program.Run()
	}()
}

// Finish tells the dashboard the run ended and waits for it to exit
func (r *Runner) Finish(runErr error) error {
	r.once.Do(func() {
		r.program.Send(DoneMsg{Err: runErr})
	})
	<-r.done
	return r.err
}
