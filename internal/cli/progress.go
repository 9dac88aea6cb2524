package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fmueller/dragtranscribe/internal/queue"
	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

// startSpinner animates on stderr while paused reports false.
func startSpinner(enabled bool, description string, paused func() bool) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		shown := false
		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				if paused != nil && paused() {
					if shown {
						_ = bar.Clear()
						shown = false
					}
					continue
				}
				_ = bar.Add(1)
				shown = true
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// jobProgress counts finished jobs of a run. Disabled progress is a no-op.
type jobProgress struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	failed int
}

func newJobProgress(enabled bool, out io.Writer, total int) *jobProgress {
	p := &jobProgress{}
	if !enabled || total <= 0 {
		return p
	}

	p.bar = progressbar.NewOptions(
		total,
		progressbar.OptionSetDescription("Transcribing"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return p
}

func (p *jobProgress) add(res queue.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.Status == queue.StatusFailed {
		p.failed++
	}
	if p.bar == nil {
		return
	}
	if p.failed > 0 {
		p.bar.Describe(fmt.Sprintf("Transcribing (%d failed)", p.failed))
	}
	_ = p.bar.Add(1)
}

func (p *jobProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func (p *jobProgress) failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}
