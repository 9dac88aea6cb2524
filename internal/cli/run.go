package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/dragtranscribe/internal/gate"
	"github.com/fmueller/dragtranscribe/internal/history"
	"github.com/fmueller/dragtranscribe/internal/prompt"
	"github.com/fmueller/dragtranscribe/internal/queue"
	"github.com/fmueller/dragtranscribe/internal/runner"
	"github.com/fmueller/dragtranscribe/internal/sink"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// terminal is the interactive surface: the model download prompt and alerts.
type terminal interface {
	gate.Prompter
	queue.Alerter
}

func newRunCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Transcribe files one after another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runFiles(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
	bindQueueFlags(cmd.Flags(), app)
	return cmd
}

func bindQueueFlags(flags *pflag.FlagSet, app *appState) {
	flags.BoolVarP(&app.assumeYes, "yes", "y", app.assumeYes, "Download the model without asking when it is missing")
	flags.DurationVar(&app.idleWait, "idle-wait", app.idleWait, "How long the worker waits for more files before finishing")
}

// session wires one queue with its collaborators for the lifetime of a command.
type session struct {
	queue    *queue.Coordinator
	sink     *sink.Dispatcher
	history  *history.Store
	progress *jobProgress
}

func (a *appState) newSession(out, errOut io.Writer, expected int) *session {
	logger := a.log()

	s := &session{
		sink: sink.NewDispatcher(sink.NewWriter(out)),
	}

	if a.history {
		if path, err := a.historyPath(); err != nil {
			logger.Warn("history disabled", zap.Error(err))
		} else if store, err := history.Open(path); err != nil {
			logger.Warn("history disabled", zap.String("path", path), zap.Error(err))
		} else {
			s.history = store
		}
	}

	if expected > 0 {
		s.progress = newJobProgress(a.progressEnabled(), errOut, expected)
	}

	r := a.runner
	if r == nil {
		r = runner.NewExec(logger)
	}
	ui := a.terminal
	if ui == nil {
		ui = prompt.NewTerminal(a.assumeYes, logger)
	}

	s.queue = queue.New(queue.Options{
		Runner:   r,
		Gate:     gate.New(r, ui, s.sink, logger),
		Sink:     s.sink,
		Alerter:  ui,
		Resolve:  a.resolveInstallation,
		IdleWait: a.idleWait,
		OnResult: s.onResult(logger),
		Logger:   logger,
		Now:      a.clock(),
	})
	return s
}

func (s *session) onResult(logger *zap.Logger) func(queue.Result) {
	return func(res queue.Result) {
		if s.progress != nil {
			s.progress.add(res)
		}
		if s.history == nil {
			return
		}
		entry := history.Entry{
			Path:       res.Path,
			ExitCode:   res.ExitCode,
			Status:     string(res.Status),
			Reason:     res.Reason,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
		}
		if _, err := s.history.Record(context.Background(), entry); err != nil {
			logger.Warn("failed to record job", zap.String("path", res.Path), zap.Error(err))
		}
	}
}

// drain waits for the worker to exit. Cancelling ctx stops the queue after
// the job in progress instead of abandoning it.
func (s *session) drain(ctx context.Context, logger *zap.Logger) error {
	if err := s.queue.Wait(ctx); err == nil {
		return nil
	}

	logger.Info("stopping after the current job")
	s.queue.Stop()
	return s.queue.Wait(context.Background())
}

func (s *session) close(logger *zap.Logger) {
	if s.progress != nil {
		s.progress.finish()
	}
	s.sink.Close()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			logger.Warn("failed to close history", zap.Error(err))
		}
	}
}

func (a *appState) runFiles(ctx context.Context, out, errOut io.Writer, paths []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.log()
	s := a.newSession(writerOr(out, os.Stdout), writerOr(errOut, os.Stderr), len(paths))
	defer s.close(logger)

	started := time.Now()
	if s.queue.Enqueue(paths) == 0 {
		return nil
	}
	if err := s.drain(ctx, logger); err != nil {
		return err
	}

	logger.Debug("queue drained", zap.Duration("elapsed", time.Since(started)), zap.Strings("remaining", s.queue.Pending()))
	return nil
}
