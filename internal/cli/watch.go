package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/dragtranscribe/internal/queue"
	"github.com/fmueller/dragtranscribe/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(app *appState) *cobra.Command {
	var (
		settle time.Duration
		exts   []string
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Transcribe every file dropped into a folder",
		Long: "Watch a drop folder and queue each file once it has stopped changing for the settle time.\n" +
			"Interrupting stops the queue after the file being transcribed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := watch.New(watch.Options{Dir: args[0], Settle: settle, Extensions: exts, Logger: app.log()})
			if err != nil {
				return err
			}
			return app.watchDir(ctx, w, cmd)
		},
	}

	bindQueueFlags(cmd.Flags(), app)
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "How long a file must stay unchanged before it is queued")
	cmd.Flags().StringSliceVar(&exts, "ext", watch.DefaultExtensions, "File extensions to pick up; empty picks up every file")
	return cmd
}

type folderWatcher interface {
	Dir() string
	Run(ctx context.Context, enqueue func(paths []string)) error
}

func (a *appState) watchDir(ctx context.Context, w folderWatcher, cmd *cobra.Command) error {
	logger := a.log()
	s := a.newSession(cmd.OutOrStdout(), cmd.ErrOrStderr(), 0)
	defer s.close(logger)

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", w.Dir())
	stopSpinner := startSpinner(a.progressEnabled(), "Waiting for files", func() bool {
		return s.queue.State() != queue.NoWorker
	})
	defer stopSpinner()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, func(paths []string) {
			s.queue.Enqueue(paths)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Debug("watch stopping", zap.Strings("pending", s.queue.Pending()))
		s.queue.Stop()
		return s.queue.Wait(context.Background())
	})
	return g.Wait()
}
