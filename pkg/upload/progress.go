package upload

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
)

// Reporter receives upload progress.
type Reporter interface {
	Start(name string, total int64)
	// Advance reports the bytes acknowledged so far. total is -1 when
	// unknown.
	Advance(uploaded, total int64)
	Finish(err error)
}

type nopReporter struct{}

func (nopReporter) Start(string, int64)  {}
func (nopReporter) Advance(int64, int64) {}
func (nopReporter) Finish(error)         {}

// BarReporter draws a single-line progress bar.
type BarReporter struct {
	mu   sync.Mutex
	w    io.Writer
	bar  progress.Model
	name string
}

// NewBarReporter creates a BarReporter writing to w.
func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (r *BarReporter) Start(name string, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.render(0, total)
}

func (r *BarReporter) Advance(uploaded, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.render(uploaded, total)
}

func (r *BarReporter) Finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		fmt.Fprintf(r.w, "\n%s: upload failed\n", r.name)
		return
	}
	fmt.Fprintln(r.w)
}

func (r *BarReporter) render(uploaded, total int64) {
	if total <= 0 {
		fmt.Fprintf(r.w, "\r%s %s", r.name, formatBytes(uploaded))
		return
	}
	pct := float64(uploaded) / float64(total)
	fmt.Fprintf(r.w, "\r%s %s %s/%s", r.name, r.bar.ViewAs(pct), formatBytes(uploaded), formatBytes(total))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
