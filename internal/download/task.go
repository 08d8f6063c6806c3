// Package download holds the units of mirror work and the ledger that tracks their results.
package download

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
)

// FileTask is one file to replicate: the remote URL, the local directory it
// belongs in and the file name inside that directory.
type FileTask struct {
	URL  string
	Dir  string
	Name string
}

// Path returns the final local path of the file.
func (t FileTask) Path() string {
	return filepath.Join(t.Dir, t.Name)
}

func (t FileTask) String() string {
	return fmt.Sprintf("%s -> %s", t.URL, t.Path())
}

// SortTasks orders tasks by local path, then URL.
func SortTasks(tasks []FileTask) {
	sort.Slice(tasks, func(i, j int) bool {
		pi, pj := tasks[i].Path(), tasks[j].Path()
		if pi != pj {
			return pi < pj
		}
		return tasks[i].URL < tasks[j].URL
	})
}

// WritePlan writes one tab separated line per task: URL, directory, name.
func WritePlan(w io.Writer, tasks []FileTask) error {
	for _, task := range tasks {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", task.URL, task.Dir, task.Name); err != nil {
			return err
		}
	}
	return nil
}
