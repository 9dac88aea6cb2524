// Package sink holds observer implementations that receive status lines from
// the transcription queue. All of them are safe for concurrent use.
package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Observer is the append-only surface the queue reports to.
type Observer interface {
	AppendLine(text string)
	Clear()
}

// Buffer accumulates the transcript in memory.
type Buffer struct {
	mu     sync.Mutex
	lines  []string
	clears int
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) AppendLine(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, splitLines(text)...)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
	b.clears++
}

// Lines returns a copy of the lines since the last Clear.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Clears reports how many times Clear was called.
func (b *Buffer) Clears() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clears
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// Writer streams lines to an io.Writer. Clear prints a separator instead of
// erasing, since a stream cannot be rewound.
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	separator string
	written   bool
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, separator: strings.Repeat("-", 40)}
}

func (w *Writer) AppendLine(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range splitLines(text) {
		_, _ = fmt.Fprintln(w.out, line)
	}
	w.written = true
}

func (w *Writer) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.written {
		return
	}
	_, _ = fmt.Fprintln(w.out, w.separator)
	w.written = false
}

// splitLines normalizes newlines and drops one trailing terminator so that
// "a\n" and "a" produce the same output.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
