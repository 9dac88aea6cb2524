package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/term"
)

var ErrNotInteractive = errors.New("confirmation requires terminal input")

// Terminal asks questions on a text terminal. Without a terminal it answers
// "no" unless AssumeYes is set.
type Terminal struct {
	In        io.Reader
	Out       io.Writer
	AssumeYes bool
	// Interactive reports whether In is attached to a terminal.
	Interactive func() bool
	Logger      *zap.Logger

	mu     sync.Mutex
	reader *bufio.Reader
}

func NewTerminal(assumeYes bool, logger *zap.Logger) *Terminal {
	return &Terminal{
		In:        os.Stdin,
		Out:       os.Stderr,
		AssumeYes: assumeYes,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
		Logger: logger,
	}
}

func (t *Terminal) Confirm(ctx context.Context, title, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out(), "\n%s\n%s\n", title, message)

	if t.AssumeYes {
		fmt.Fprintln(t.out(), "Proceeding (--yes).")
		return true
	}

	if t.Interactive == nil || !t.Interactive() {
		t.log().Warn("cannot ask for confirmation; treating as canceled", zap.String("prompt", title), zap.Error(ErrNotInteractive))
		fmt.Fprintln(t.out(), "No terminal to confirm on; rerun with --yes to accept.")
		return false
	}

	fmt.Fprint(t.out(), "Continue? [y/N]: ")
	answer, err := t.readLine(ctx)
	if err != nil {
		t.log().Debug("confirmation aborted", zap.Error(err))
		return false
	}
	return isYes(answer)
}

func (t *Terminal) Alert(_ context.Context, title, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log().Warn(title, zap.String("detail", message))
	fmt.Fprintf(t.out(), "\n%s\n%s\n", title, message)
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	if t.reader == nil {
		in := t.In
		if in == nil {
			in = os.Stdin
		}
		t.reader = bufio.NewReader(in)
	}

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		text, err := t.reader.ReadString('\n')
		if errors.Is(err, io.EOF) && text != "" {
			err = nil
		}
		ch <- answer{text: text, err: err}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case a := <-ch:
		return a.text, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (t *Terminal) out() io.Writer {
	if t.Out == nil {
		return io.Discard
	}
	return t.Out
}

func (t *Terminal) log() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}
