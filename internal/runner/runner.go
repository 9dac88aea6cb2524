package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// FailureCode is reported through onDone when the child could not be run or read.
const FailureCode = 1

const maxLineBytes = 4 * 1024 * 1024

type LineFunc func(line string)

type DoneFunc func(exitCode int)

// Runner executes one external command and streams its merged output.
type Runner interface {
	Run(ctx context.Context, argv []string, onLine LineFunc, onDone DoneFunc)
}

// Exec runs commands as child processes. The context is only consulted before
// the child starts; a running child is never killed.
type Exec struct {
	Env    []string
	Logger *zap.Logger
}

func NewExec(logger *zap.Logger) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{Logger: logger}
}

func (e *Exec) Run(ctx context.Context, argv []string, onLine LineFunc, onDone DoneFunc) {
	if onLine == nil {
		onLine = func(string) {}
	}

	code := FailureCode
	defer func() {
		if onDone != nil {
			onDone(code)
		}
	}()

	if err := e.run(ctx, argv, onLine, &code); err != nil {
		e.log().Debug("command failed to run", zap.Strings("argv", argv), zap.Error(err))
		onLine(fmt.Sprintf("[exception] %v", err))
		code = FailureCode
	}
}

func (e *Exec) run(ctx context.Context, argv []string, onLine LineFunc, code *int) (err error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return errors.New("empty command")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("not started: %w", err)
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = utf8Env(e.baseEnv())
	cmd.Stdout = pw
	cmd.Stderr = pw

	e.log().Debug("starting command", zap.Strings("argv", argv))
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return err
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	_ = pw.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while reading output: %v", r)
			_, _ = io.Copy(io.Discard, pr)
		}
		waitErr := cmd.Wait()
		if err != nil {
			return
		}
		*code = exitCode(waitErr)
		if *code < 0 {
			err = waitErr
		}
	}()

	if err := ReadLines(pr, onLine); err != nil {
		// Drain so the child is not blocked on a full pipe before Wait.
		_, _ = io.Copy(io.Discard, pr)
		return fmt.Errorf("read output: %w", err)
	}
	return nil
}

func (e *Exec) baseEnv() []string {
	if e.Env != nil {
		return e.Env
	}
	return os.Environ()
}

func (e *Exec) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// exitCode maps a Wait error to the child's exit status. A negative result means
// the error was not an exit status at all.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		return FailureCode
	}
	return -1
}

// utf8Env forces a UTF-8 locale unless the caller already chose one.
func utf8Env(env []string) []string {
	out := append([]string(nil), env...)
	for _, key := range []string{"LC_ALL", "LANG"} {
		if !hasKey(out, key) {
			out = append(out, key+"=en_US.UTF-8")
		}
	}
	return out
}

func hasKey(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}

// ReadLines delivers every line of r to onLine. Lines end at \n, \r\n or a lone
// \r; the terminator is stripped and invalid UTF-8 is replaced.
func ReadLines(r io.Reader, onLine LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitUniversalLines)

	for scanner.Scan() {
		onLine(strings.ToValidUTF8(scanner.Text(), "�"))
	}
	return scanner.Err()
}

func splitUniversalLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// A \r at the end of the buffer may be the first half of \r\n.
		if i+1 == len(data) && !atEOF {
			return 0, nil, nil
		}
		if i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
