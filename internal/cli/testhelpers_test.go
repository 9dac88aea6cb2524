package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by the sink goroutine while tests read it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeTerminal struct {
	mu      sync.Mutex
	answer  bool
	asked   int
	alerted []string
}

func (f *fakeTerminal) Confirm(_ context.Context, _, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked++
	return f.answer
}

func (f *fakeTerminal) Alert(_ context.Context, title, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerted = append(f.alerted, title)
}

func (f *fakeTerminal) alerts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alerted...)
}

// newTestApp keeps preferences and history inside the test's temp dir.
func newTestApp(t *testing.T) (*appState, *fakeTerminal) {
	t.Helper()

	dir := t.TempDir()
	ui := &fakeTerminal{}
	app := newAppState()
	app.configDir = filepath.Join(dir, "config")
	app.historyDB = filepath.Join(dir, "data", "history.db")
	app.noProgress = true
	app.envFile = ""
	app.terminal = ui
	app.locate = func() (install.Installation, error) { return install.Installation{}, install.ErrNotFound }
	return app, ui
}

func execute(t *testing.T, app *appState, args ...string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := &syncBuffer{}
	errBuf := &syncBuffer{}

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	app, _ := newTestApp(t)
	return execute(t, app, args...)
}

// writeInstall creates an installation whose transcribe script runs body.
func writeInstall(t *testing.T, body string, withModel bool) string {
	t.Helper()

	root := filepath.Join(t.TempDir(), "DragTranscribe")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "models"), 0o755))
	writeScript(t, filepath.Join(root, "bin", "transcribe"), body)
	if withModel {
		require.NoError(t, os.WriteFile(filepath.Join(root, "models", "ggml-large-v2.bin"), []byte("model"), 0o644))
	}
	return root
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func writeInputs(t *testing.T, names ...string) []string {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("audio"), 0o644))
		paths = append(paths, p)
	}
	return paths
}

// indexes returns the position of each needle in s, failing when one is missing.
func indexes(t *testing.T, s string, needles ...string) []int {
	t.Helper()

	out := make([]int, 0, len(needles))
	for _, needle := range needles {
		i := strings.Index(s, needle)
		require.GreaterOrEqual(t, i, 0, "missing %q in:\n%s", needle, s)
		out = append(out, i)
	}
	return out
}
