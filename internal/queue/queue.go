// Package queue serializes transcription jobs into a single background worker.
//
// Producers call Enqueue from any goroutine. The first Enqueue on an idle
// coordinator starts a worker, which checks the model precondition once, then
// drains the queue one job at a time and exits after the queue stays empty for
// the idle wait. Jobs left behind by an aborted worker are picked up by the
// next one.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/fmueller/dragtranscribe/internal/runner"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const DefaultIdleWait = 500 * time.Millisecond

const (
	alertTitle   = "Install folder not found"
	alertMessage = "The transcribe script could not be found. Reinstall DragTranscribe or choose the install folder with 'dragtranscribe install set <dir>'."
)

// Sink receives status lines; Clear is called once per worker run.
type Sink interface {
	AppendLine(text string)
	Clear()
}

// Gate resolves the model precondition. See gate.Gate.
type Gate interface {
	Ensure(ctx context.Context, inst install.Installation, onReady func()) <-chan struct{}
}

// Alerter shows a fire-and-forget message to the user.
type Alerter interface {
	Alert(ctx context.Context, title, message string)
}

type State int

const (
	NoWorker State = iota
	GateEvaluating
	Draining
)

func (s State) String() string {
	switch s {
	case NoWorker:
		return "no-worker"
	case GateEvaluating:
		return "gate-evaluating"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result describes one finished job.
type Result struct {
	Path       string
	ExitCode   int
	Status     Status
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Summary counts the outcomes of one worker run. Processed counts successful jobs.
type Summary struct {
	Processed int
	Failed    int
}

func (s Summary) String() string {
	return fmt.Sprintf("processed=%d failed=%d", s.Processed, s.Failed)
}

type Options struct {
	Runner  runner.Runner
	Gate    Gate
	Sink    Sink
	Alerter Alerter
	// Resolve finds the installation each time a worker starts.
	Resolve  func() (install.Installation, error)
	IdleWait time.Duration
	// OnResult is called on the worker goroutine after each job.
	OnResult func(Result)
	Logger   *zap.Logger
	Now      func() time.Time
}

type Coordinator struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    []string
	state   State
	stopped bool
	live    int
	exited  chan struct{}

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = DefaultIdleWait
	}
	if opts.Resolve == nil {
		opts.Resolve = install.Locator{}.Resolve
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Enqueue appends every path that names an existing regular file and starts a
// worker if none is active. It returns the number of jobs added and never
// waits for the worker.
func (c *Coordinator) Enqueue(paths []string) int {
	accepted := make([]string, 0, len(paths))
	for _, p := range paths {
		if job, ok := normalizeJob(p); ok {
			accepted = append(accepted, job)
		} else {
			c.logger.Debug("ignoring path", zap.String("path", p))
		}
	}

	if len(accepted) == 0 {
		c.notify("No valid files to transcribe.")
		return 0
	}

	c.mu.Lock()
	c.jobs = append(c.jobs, accepted...)
	stopped := c.stopped
	start := c.state == NoWorker && !stopped
	var prev, exited chan struct{}
	if start {
		c.state = GateEvaluating
		prev = c.exited
		exited = make(chan struct{})
		c.exited = exited
		c.live++
	}
	c.mu.Unlock()

	queued := fmt.Sprintf("Queued %d file(s).", len(accepted))
	if stopped {
		c.logger.Warn("queue stopped; files kept but not processed", zap.Int("queued", len(accepted)))
		c.notify(queued + " Queue stopped; they will not be processed.")
		return len(accepted)
	}

	// A worker that replaces a finishing one announces the jobs itself, after
	// the previous summary.
	var announce string
	if start && prev != nil {
		announce = queued
	} else {
		c.notify(queued)
	}
	c.signal()

	if start {
		c.logger.Debug("starting worker", zap.Int("queued", len(accepted)))
		go c.work(prev, exited, announce)
	}
	return len(accepted)
}

// Stop keeps the worker from taking further jobs once the current one ends.
// A running subprocess is not interrupted. Later Enqueue calls only append.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.stop)
		c.cancel()
	})
}

// Wait blocks until no worker is running or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.live == 0 {
			c.mu.Unlock()
			return nil
		}
		exited := c.exited
		c.mu.Unlock()

		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the jobs not yet taken by a worker.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.jobs...)
}

func (c *Coordinator) work(prev, exited chan struct{}, announce string) {
	defer func() {
		c.mu.Lock()
		c.live--
		c.mu.Unlock()
		close(exited)
	}()

	// The previous worker may still be writing its summary.
	if prev != nil {
		<-prev
	}
	if announce != "" {
		c.notify(announce)
	}

	inst, instErr := c.opts.Resolve()
	if instErr != nil {
		// Nothing to check the model against; each job reports the problem.
		c.logger.Warn("installation not resolved; skipping model check", zap.Error(instErr))
	} else if !c.awaitGate(inst) {
		c.mu.Lock()
		remaining := len(c.jobs)
		c.state = NoWorker
		c.mu.Unlock()

		c.logger.Info("queue aborted", zap.Int("remaining", remaining))
		c.notify(fmt.Sprintf("Queue aborted: model not available; %d file(s) remain queued.", remaining))
		return
	}

	c.mu.Lock()
	c.state = Draining
	c.mu.Unlock()

	var summary Summary
	first := true
	for {
		job, ok := c.pop()
		if !ok {
			break
		}
		if first {
			c.clear()
			first = false
		}

		result := c.process(inst, instErr, job)
		if result.Status == StatusOK {
			summary.Processed++
		} else {
			summary.Failed++
		}
		if c.opts.OnResult != nil {
			c.opts.OnResult(result)
		}
	}

	c.logger.Info("queue finished", zap.Int("processed", summary.Processed), zap.Int("failed", summary.Failed))
	c.notify("Queue finished: " + summary.String())
}

func (c *Coordinator) awaitGate(inst install.Installation) bool {
	if c.opts.Gate == nil {
		return true
	}

	var ready atomic.Bool
	done := c.opts.Gate.Ensure(c.ctx, inst, func() { ready.Store(true) })

	select {
	case <-done:
		return ready.Load()
	case <-c.stop:
		return false
	}
}

// pop takes the next job, waiting up to IdleWait for one to arrive. When it
// gives up, the state moves to NoWorker under the same lock that saw the queue
// empty, so a racing Enqueue starts a fresh worker.
func (c *Coordinator) pop() (string, bool) {
	timer := time.NewTimer(c.opts.IdleWait)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if job, ok := c.takeLocked(); ok {
			c.mu.Unlock()
			return job, true
		}
		if c.stopped {
			c.state = NoWorker
			c.mu.Unlock()
			return "", false
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.stop:
		case <-timer.C:
			c.mu.Lock()
			defer c.mu.Unlock()
			if job, ok := c.takeLocked(); ok {
				return job, true
			}
			c.state = NoWorker
			return "", false
		}
	}
}

func (c *Coordinator) takeLocked() (string, bool) {
	if c.stopped || len(c.jobs) == 0 {
		return "", false
	}
	job := c.jobs[0]
	c.jobs[0] = ""
	c.jobs = c.jobs[1:]
	return job, true
}

func (c *Coordinator) process(inst install.Installation, instErr error, job string) (result Result) {
	name := filepath.Base(job)
	result = Result{Path: job, ExitCode: runner.FailureCode, Status: StatusFailed, StartedAt: c.opts.Now()}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job panicked", zap.String("path", job), zap.Any("panic", r))
			c.notify(fmt.Sprintf("[exception] %v", r))
			result.ExitCode = runner.FailureCode
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("panic: %v", r)
		}
		result.FinishedAt = c.opts.Now()
	}()

	c.notify(fmt.Sprintf("===== starting %s =====", name))

	if instErr != nil {
		c.notify("Error: install folder not found. Set it with 'dragtranscribe install set <dir>' or " + install.EnvInstallDir + ".")
		c.alert()
		result.Reason = install.ErrNotFound.Error()
		return result
	}

	script := inst.TranscribeCmd()
	if err := install.EnsureExecutable(script); err != nil {
		switch {
		case errors.Is(err, install.ErrMissing):
			c.notify(fmt.Sprintf("Error: install folder not found: script missing at %s", script))
			c.alert()
			result.Reason = install.ErrNotFound.Error()
		case errors.Is(err, install.ErrNotExecutable):
			c.notify(fmt.Sprintf("Error: script is not executable: %s", script))
			result.Reason = install.ErrNotExecutable.Error()
		default:
			c.notify(fmt.Sprintf("Error: cannot use script %s: %v", script, err))
			result.Reason = err.Error()
		}
		c.logger.Warn("transcribe script unusable", zap.String("script", script), zap.Error(err))
		return result
	}

	argv := []string{script, job}
	c.notify("$ " + strings.Join(argv, " "))
	c.logger.Info("transcribing", zap.String("path", job))

	code := runner.FailureCode
	// Stop never interrupts the job already taken.
	c.opts.Runner.Run(context.WithoutCancel(c.ctx), argv, c.notify, func(rc int) { code = rc })

	result.ExitCode = code
	if code == 0 {
		result.Status = StatusOK
	} else {
		result.Reason = fmt.Sprintf("exit code %d", code)
	}
	c.notify(fmt.Sprintf("[exit %d] %s: %s", code, name, result.Status))
	c.logger.Info("transcription finished", zap.String("path", job), zap.Int("exit_code", code))
	return result
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notify(line string) {
	if c.opts.Sink != nil {
		c.opts.Sink.AppendLine(line)
	}
}

func (c *Coordinator) clear() {
	if c.opts.Sink != nil {
		c.opts.Sink.Clear()
	}
}

func (c *Coordinator) alert() {
	if c.opts.Alerter != nil {
		c.opts.Alerter.Alert(c.ctx, alertTitle, alertMessage)
	}
}

// normalizeJob returns the absolute NFC form of p if it names a regular file.
// The raw form is tried too, for filesystems that store decomposed names.
func normalizeJob(p string) (string, bool) {
	if p == "" {
		return "", false
	}

	for _, candidate := range []string{norm.NFC.String(p), p} {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return abs, true
	}
	return "", false
}
