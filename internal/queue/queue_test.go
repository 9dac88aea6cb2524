package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/fmueller/dragtranscribe/internal/runner"
	"github.com/fmueller/dragtranscribe/internal/sink"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	codes    map[string]int
	delay    time.Duration
	panicOn  string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeRunner) Run(_ context.Context, argv []string, onLine runner.LineFunc, onDone runner.DoneFunc) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	path := argv[len(argv)-1]
	f.mu.Lock()
	f.calls = append(f.calls, path)
	code := f.codes[filepath.Base(path)]
	f.mu.Unlock()

	if f.panicOn != "" && filepath.Base(path) == f.panicOn {
		panic("reader fault")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	onLine("transcribing " + filepath.Base(path))
	onLine("done " + filepath.Base(path))
	onDone(code)
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeGate struct {
	mu    sync.Mutex
	ready bool
	calls int
}

func (g *fakeGate) Ensure(_ context.Context, _ install.Installation, onReady func()) <-chan struct{} {
	g.mu.Lock()
	g.calls++
	ready := g.ready
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if ready {
			onReady()
		}
	}()
	return done
}

func (g *fakeGate) setReady(ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = ready
}

func (g *fakeGate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type countingAlerter struct {
	n atomic.Int32
}

func (a *countingAlerter) Alert(context.Context, string, string) { a.n.Add(1) }

type fixture struct {
	t       *testing.T
	inst    install.Installation
	dir     string
	runner  *fakeRunner
	gate    *fakeGate
	sink    *sink.Buffer
	alerter *countingAlerter
	results chan Result
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	inst := install.Installation{Root: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(inst.Root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(inst.TranscribeCmd(), []byte("#!/bin/sh\n"), 0o755))

	return &fixture{
		t:       t,
		inst:    inst,
		dir:     t.TempDir(),
		runner:  &fakeRunner{codes: map[string]int{}},
		gate:    &fakeGate{ready: true},
		sink:    sink.NewBuffer(),
		alerter: &countingAlerter{},
		results: make(chan Result, 1024),
	}
}

func (f *fixture) coordinator(mutate ...func(*Options)) *Coordinator {
	opts := Options{
		Runner:   f.runner,
		Gate:     f.gate,
		Sink:     f.sink,
		Alerter:  f.alerter,
		Resolve:  func() (install.Installation, error) { return f.inst, nil },
		IdleWait: 30 * time.Millisecond,
		OnResult: func(r Result) { f.results <- r },
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func (f *fixture) file(name string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte("audio"), 0o644))
	return path
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func countLines(lines []string, needle string) int {
	n := 0
	for _, line := range lines {
		if strings.Contains(line, needle) {
			n++
		}
	}
	return n
}

func TestTwoJobsRunInOrderWithSummary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	a := f.file("a.wav")
	b := f.file("b.wav")
	c := f.coordinator()

	require.Equal(t, 2, c.Enqueue([]string{a, b}))
	waitIdle(t, c)

	require.Equal(t, []string{
		"===== starting a.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + a,
		"transcribing a.wav",
		"done a.wav",
		"[exit 0] a.wav: ok",
		"===== starting b.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + b,
		"transcribing b.wav",
		"done b.wav",
		"[exit 0] b.wav: ok",
		"Queue finished: processed=2 failed=0",
	}, f.sink.Lines())
	require.Equal(t, 1, f.sink.Clears())
	require.Equal(t, 1, f.gate.Calls())
	require.Equal(t, NoWorker, c.State())
}

func TestEnqueueIsFIFOAcrossCalls(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.delay = 5 * time.Millisecond
	c := f.coordinator()

	var want []string
	for i, batch := range [][]string{{"1.wav"}, {"2.wav", "3.wav"}, {"4.wav"}, {"5.wav", "6.wav", "7.wav"}} {
		var paths []string
		for _, name := range batch {
			paths = append(paths, f.file(name))
		}
		want = append(want, paths...)
		c.Enqueue(paths)
		if i == 1 {
			time.Sleep(8 * time.Millisecond)
		}
	}
	waitIdle(t, c)

	require.Equal(t, want, f.runner.Calls())
}

func TestConcurrentProducersStartOneWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.delay = time.Millisecond
	c := f.coordinator()

	const producers = 8
	const perProducer = 15

	files := make([][]string, producers)
	for p := range files {
		for i := 0; i < perProducer; i++ {
			files[p] = append(files[p], f.file(fmt.Sprintf("p%d-%02d.wav", p, i)))
		}
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			for _, path := range files[p] {
				c.Enqueue([]string{path})
			}
		}(p)
	}
	close(start)
	wg.Wait()
	waitIdle(t, c)

	calls := f.runner.Calls()
	require.Len(t, calls, producers*perProducer)
	require.EqualValues(t, 1, f.runner.maxSeen.Load())

	// Each producer's jobs keep their relative order.
	next := make(map[string]int)
	for _, call := range calls {
		base := filepath.Base(call)
		var p, i int
		_, err := fmt.Sscanf(base, "p%d-%d.wav", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		require.Equal(t, next[key], i)
		next[key]++
	}
}

func TestEnqueueWithoutValidFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.coordinator()

	require.Zero(t, c.Enqueue(nil))
	require.Equal(t, []string{"No valid files to transcribe."}, f.sink.Lines())
	require.Equal(t, NoWorker, c.State())

	f.sink.Clear()
	require.Zero(t, c.Enqueue([]string{filepath.Join(f.dir, "missing.wav"), f.dir, ""}))
	require.Equal(t, []string{"No valid files to transcribe."}, f.sink.Lines())
	require.Equal(t, NoWorker, c.State())
	require.Empty(t, c.Pending())
	require.Zero(t, f.gate.Calls())
}

func TestEnqueueNormalizesPaths(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.setReady(false)
	c := f.coordinator()

	// The file on disk uses the composed form; the caller passes e + combining acute.
	composed := f.file("caf\u00e9.wav")
	decomposed := filepath.Join(f.dir, "cafe\u0301.wav")
	relative, err := filepath.Rel(mustGetwd(t), composed)
	require.NoError(t, err)

	require.Equal(t, 2, c.Enqueue([]string{decomposed, relative}))
	waitIdle(t, c)

	require.Equal(t, []string{composed, composed}, c.Pending())
}

func mustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	return wd
}

func TestGateCancelKeepsQueuedJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.gate.setReady(false)
	c := f.coordinator()

	a := f.file("a.wav")
	b := f.file("b.wav")
	c.Enqueue([]string{a, b})
	waitIdle(t, c)

	require.Empty(t, f.runner.Calls())
	require.Equal(t, []string{a, b}, c.Pending())
	require.Equal(t, 1, countLines(f.sink.Lines(), "Queue aborted: model not available; 2 file(s) remain queued."))
	require.Zero(t, countLines(f.sink.Lines(), "Queue finished"))
	require.Equal(t, NoWorker, c.State())

	// The next worker picks the old jobs up first.
	f.gate.setReady(true)
	d := f.file("d.wav")
	c.Enqueue([]string{d})
	waitIdle(t, c)

	require.Equal(t, []string{a, b, d}, f.runner.Calls())
	require.Empty(t, c.Pending())
	require.Equal(t, 2, f.gate.Calls())
}

func TestUnresolvedInstallationFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	c := f.coordinator(func(o *Options) {
		o.Resolve = func() (install.Installation, error) { return install.Installation{}, install.ErrNotFound }
	})

	c.Enqueue([]string{f.file("a.wav")})
	waitIdle(t, c)

	lines := f.sink.Lines()
	require.Equal(t, 1, countLines(lines, "install folder not found"))
	require.Equal(t, "Queue finished: processed=0 failed=1", lines[len(lines)-1])
	require.Empty(t, f.runner.Calls())
	require.Zero(t, f.gate.Calls())
	require.EqualValues(t, 1, f.alerter.n.Load())

	result := <-f.results
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, install.ErrNotFound.Error(), result.Reason)
}

func TestMissingScriptContinuesWithNextJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	require.NoError(t, os.Remove(f.inst.TranscribeCmd()))
	c := f.coordinator()

	c.Enqueue([]string{f.file("a.wav"), f.file("b.wav")})
	waitIdle(t, c)

	lines := f.sink.Lines()
	require.Equal(t, 2, countLines(lines, "Error: install folder not found: script missing at "+f.inst.TranscribeCmd()))
	require.Equal(t, "Queue finished: processed=0 failed=2", lines[len(lines)-1])
	require.EqualValues(t, 2, f.alerter.n.Load())
}

func TestNonExecutableScriptIsPermissionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	require.NoError(t, os.Chmod(f.inst.TranscribeCmd(), 0o644))
	c := f.coordinator()

	c.Enqueue([]string{f.file("a.wav")})
	waitIdle(t, c)

	lines := f.sink.Lines()
	require.Equal(t, 1, countLines(lines, "Error: script is not executable: "+f.inst.TranscribeCmd()))
	require.Equal(t, "Queue finished: processed=0 failed=1", lines[len(lines)-1])
	require.Zero(t, f.alerter.n.Load())
	require.Empty(t, f.runner.Calls())
}

func TestNonZeroExitCountsAsFailureAndContinues(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.codes["a.wav"] = 2
	c := f.coordinator()

	a := f.file("a.wav")
	b := f.file("b.wav")
	c.Enqueue([]string{a, b})
	waitIdle(t, c)

	require.Equal(t, []string{a, b}, f.runner.Calls())
	lines := f.sink.Lines()
	require.Contains(t, lines, "[exit 2] a.wav: failed")
	require.Contains(t, lines, "[exit 0] b.wav: ok")
	require.Equal(t, "Queue finished: processed=1 failed=1", lines[len(lines)-1])

	first := <-f.results
	require.Equal(t, a, first.Path)
	require.Equal(t, 2, first.ExitCode)
	require.Equal(t, StatusFailed, first.Status)
	second := <-f.results
	require.Equal(t, StatusOK, second.Status)
}

func TestDuplicatePathsRunTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	c := f.coordinator()

	a := f.file("a.wav")
	c.Enqueue([]string{a, a})
	c.Enqueue([]string{a})
	waitIdle(t, c)

	require.Equal(t, []string{a, a, a}, f.runner.Calls())
}

func TestEnqueueWhileDrainingReusesWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.delay = 20 * time.Millisecond
	c := f.coordinator()

	c.Enqueue([]string{f.file("a.wav")})
	require.Eventually(t, func() bool { return len(f.runner.Calls()) == 1 }, 5*time.Second, time.Millisecond)
	c.Enqueue([]string{f.file("b.wav")})
	waitIdle(t, c)

	require.Len(t, f.runner.Calls(), 2)
	require.Equal(t, 1, f.gate.Calls())
	require.Equal(t, 1, f.sink.Clears())
	require.Equal(t, 1, countLines(f.sink.Lines(), "Queue finished: processed=2 failed=0"))
}

func TestNewWorkerAfterIdleEvaluatesGateAgain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	c := f.coordinator()

	c.Enqueue([]string{f.file("a.wav")})
	waitIdle(t, c)
	c.Enqueue([]string{f.file("b.wav")})
	waitIdle(t, c)

	require.Equal(t, 2, f.gate.Calls())
	require.Equal(t, 2, f.sink.Clears())
}

func TestStopFinishesCurrentJobOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.delay = 50 * time.Millisecond
	c := f.coordinator()

	a := f.file("a.wav")
	b := f.file("b.wav")
	c.Enqueue([]string{a, b})
	require.Eventually(t, func() bool { return len(f.runner.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	c.Stop()
	waitIdle(t, c)

	require.Equal(t, []string{a}, f.runner.Calls())
	require.Equal(t, []string{b}, c.Pending())
	lines := f.sink.Lines()
	require.Equal(t, "Queue finished: processed=1 failed=0", lines[len(lines)-1])

	// After stop, enqueue only appends.
	c.Enqueue([]string{f.file("c.wav")})
	require.Equal(t, NoWorker, c.State())
	require.Len(t, c.Pending(), 2)
	lines = f.sink.Lines()
	require.Equal(t, "Queued 1 file(s). Queue stopped; they will not be processed.", lines[len(lines)-1])
}

// stopOnBanner stops the coordinator as soon as a job is announced, before
// its subprocess has been started.
type stopOnBanner struct {
	*sink.Buffer
	once sync.Once
	stop func()
}

func (s *stopOnBanner) AppendLine(text string) {
	s.Buffer.AppendLine(text)
	if strings.HasPrefix(text, "===== starting") {
		s.once.Do(s.stop)
	}
}

func TestStopBeforeSpawnStillRunsTakenJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.inst.TranscribeCmd(), []byte("#!/bin/sh\necho hello\n"), 0o755))

	out := &stopOnBanner{Buffer: sink.NewBuffer()}
	c := f.coordinator(func(o *Options) {
		o.Runner = runner.NewExec(nil)
		o.Sink = out
	})
	out.stop = c.Stop

	a := f.file("a.wav")
	b := f.file("b.wav")
	c.Enqueue([]string{a, b})
	waitIdle(t, c)

	lines := out.Lines()
	require.Contains(t, lines, "hello")
	require.Contains(t, lines, "[exit 0] a.wav: ok")
	require.Zero(t, countLines(lines, "[exception]"))
	require.Equal(t, "Queue finished: processed=1 failed=0", lines[len(lines)-1])
	require.Equal(t, []string{b}, c.Pending())

	res := <-f.results
	require.Equal(t, a, res.Path)
	require.Equal(t, StatusOK, res.Status)
	require.Zero(t, res.ExitCode)
}

// heldGate stays unresolved until release is closed.
type heldGate struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *heldGate) Ensure(context.Context, install.Installation, func()) <-chan struct{} {
	g.calls.Add(1)
	return g.release
}

func TestStopWhileGateEvaluatingKeepsJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	g := &heldGate{release: make(chan struct{})}
	defer close(g.release)
	c := f.coordinator(func(o *Options) { o.Gate = g })

	a := f.file("a.wav")
	b := f.file("b.wav")
	c.Enqueue([]string{a, b})
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, GateEvaluating, c.State())

	c.Stop()
	waitIdle(t, c)

	require.Empty(t, f.runner.Calls())
	require.Equal(t, []string{a, b}, c.Pending())
	require.Equal(t, 1, countLines(f.sink.Lines(), "Queue aborted: model not available; 2 file(s) remain queued."))
	require.Zero(t, countLines(f.sink.Lines(), "Queue finished"))
	require.Equal(t, NoWorker, c.State())
}

// recordingSink keeps every line, ignoring Clear, and holds the first
// summary until release is closed.
type recordingSink struct {
	mu      sync.Mutex
	lines   []string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *recordingSink) AppendLine(text string) {
	if strings.HasPrefix(text, "Queue finished") {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
}

func (s *recordingSink) Clear() {}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestReplacementWorkerAnnouncesAfterPreviousSummary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	out := &recordingSink{entered: make(chan struct{}), release: make(chan struct{})}
	c := f.coordinator(func(o *Options) { o.Sink = out })

	c.Enqueue([]string{f.file("a.wav")})
	<-out.entered

	// The first worker has given up and is writing its summary.
	require.Equal(t, NoWorker, c.State())
	c.Enqueue([]string{f.file("b.wav")})
	close(out.release)
	waitIdle(t, c)

	require.Equal(t, []string{
		"Queued 1 file(s).",
		"===== starting a.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + filepath.Join(f.dir, "a.wav"),
		"transcribing a.wav",
		"done a.wav",
		"[exit 0] a.wav: ok",
		"Queue finished: processed=1 failed=0",
		"Queued 1 file(s).",
		"===== starting b.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + filepath.Join(f.dir, "b.wav"),
		"transcribing b.wav",
		"done b.wav",
		"[exit 0] b.wav: ok",
		"Queue finished: processed=1 failed=0",
	}, out.Lines())
}

func TestPanickingRunnerStillReachesSummary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.runner.panicOn = "a.wav"
	c := f.coordinator()

	c.Enqueue([]string{f.file("a.wav"), f.file("b.wav")})
	waitIdle(t, c)

	lines := f.sink.Lines()
	require.Contains(t, lines, "[exception] reader fault")
	require.Contains(t, lines, "[exit 0] b.wav: ok")
	require.Equal(t, "Queue finished: processed=1 failed=1", lines[len(lines)-1])
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.delay = 200 * time.Millisecond
	c := f.coordinator()
	c.Enqueue([]string{f.file("a.wav")})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	waitIdle(t, c)
}

func TestEndToEndWithShellScripts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	script := "#!/bin/sh\necho \"reading $(basename \"$1\")\"\necho warning >&2\ncase \"$1\" in *bad*) exit 2;; esac\n"
	require.NoError(t, os.WriteFile(f.inst.TranscribeCmd(), []byte(script), 0o755))

	c := f.coordinator(func(o *Options) { o.Runner = runner.NewExec(nil) })
	good := f.file("good.wav")
	bad := f.file("bad.wav")
	c.Enqueue([]string{good, bad})
	waitIdle(t, c)

	require.Equal(t, []string{
		"===== starting good.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + good,
		"reading good.wav",
		"warning",
		"[exit 0] good.wav: ok",
		"===== starting bad.wav =====",
		"$ " + f.inst.TranscribeCmd() + " " + bad,
		"reading bad.wav",
		"warning",
		"[exit 2] bad.wav: failed",
		"Queue finished: processed=1 failed=1",
	}, f.sink.Lines())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "no-worker", NoWorker.String())
	require.Equal(t, "gate-evaluating", GateEvaluating.String())
	require.Equal(t, "draining", Draining.String())
	require.Equal(t, "processed=3 failed=1", Summary{Processed: 3, Failed: 1}.String())
}
