// Package watch turns files dropped into a directory into queue jobs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultSettle = 2 * time.Second

// DefaultExtensions are the media types picked up when no filter is given.
var DefaultExtensions = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac", ".mp4", ".mov", ".mkv", ".webm"}

type Options struct {
	Dir string
	// Settle is how long a file must stay unchanged before it is handed off.
	Settle time.Duration
	// Extensions filters by suffix, case-insensitive. Empty accepts every file.
	Extensions []string
	Logger     *zap.Logger
}

type Watcher struct {
	dir    string
	settle time.Duration
	poll   time.Duration
	exts   map[string]struct{}
	logger *zap.Logger
}

type candidate struct {
	size int64
	mod  time.Time
	due  time.Time
}

func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("watch directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory %s is not a directory", dir)
	}

	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	poll := settle / 4
	if poll < 20*time.Millisecond {
		poll = 20 * time.Millisecond
	}

	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{dir: dir, settle: settle, poll: poll, exts: exts, logger: logger}, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

// Run blocks until ctx is done, calling enqueue with every batch of settled
// files in name order. A file that changes again later is handed off again.
func (w *Watcher) Run(ctx context.Context, enqueue func(paths []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", w.dir, err)
	}
	w.logger.Debug("watching drop folder", zap.String("dir", w.dir), zap.Duration("settle", w.settle))

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	pending := make(map[string]*candidate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher channel closed")
			}
			w.observe(pending, event, time.Now())
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn("fsnotify watcher error", zap.Error(err))
		case now := <-ticker.C:
			if ready := w.collect(pending, now); len(ready) > 0 {
				w.logger.Debug("files settled", zap.Strings("paths", ready))
				enqueue(ready)
			}
		}
	}
}

func (w *Watcher) observe(pending map[string]*candidate, event fsnotify.Event, now time.Time) {
	if !w.accepts(event.Name) {
		return
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(pending, event.Name)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Chmod) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || !info.Mode().IsRegular() {
		delete(pending, event.Name)
		return
	}
	pending[event.Name] = &candidate{size: info.Size(), mod: info.ModTime(), due: now.Add(w.settle)}
}

func (w *Watcher) collect(pending map[string]*candidate, now time.Time) []string {
	var ready []string
	for path, c := range pending {
		if now.Before(c.due) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(pending, path)
			continue
		}
		if info.Size() != c.size || !info.ModTime().Equal(c.mod) {
			c.size, c.mod, c.due = info.Size(), info.ModTime(), now.Add(w.settle)
			continue
		}

		ready = append(ready, path)
		delete(pending, path)
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(w.exts) == 0 {
		return true
	}
	_, ok := w.exts[strings.ToLower(filepath.Ext(base))]
	return ok
}
