package gate

import (
	"context"
	"fmt"

	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/fmueller/dragtranscribe/internal/runner"
	"go.uber.org/zap"
)

const (
	PromptTitle   = "Whisper model missing"
	PromptMessage = "The AI model is not installed.\n\n" +
		"Download it now (about 3 GB)?\n" +
		"Be patient, this only needs to be done once."
)

// Notifier receives status lines.
type Notifier interface {
	AppendLine(text string)
}

// Prompter asks the user a confirm/cancel question.
type Prompter interface {
	Confirm(ctx context.Context, title, message string) bool
}

// Gate makes sure the model file exists before transcription starts,
// downloading it with the installation's download script if the user agrees.
type Gate struct {
	Runner   runner.Runner
	Prompter Prompter
	Sink     Notifier
	Logger   *zap.Logger
}

func New(r runner.Runner, prompter Prompter, sink Notifier, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{Runner: r, Prompter: prompter, Sink: sink, Logger: logger}
}

// Ensure resolves the gate for inst. onReady runs only when the model is
// available; the returned channel is closed once the gate resolved either way,
// after onReady has returned.
func (g *Gate) Ensure(ctx context.Context, inst install.Installation, onReady func()) <-chan struct{} {
	if onReady == nil {
		onReady = func() {}
	}
	done := make(chan struct{})

	if inst.HasModel() {
		g.log().Debug("model present", zap.String("path", inst.ModelFile()))
		onReady()
		close(done)
		return done
	}

	g.log().Info("model missing", zap.String("path", inst.ModelFile()))
	if g.Prompter == nil || !g.Prompter.Confirm(ctx, PromptTitle, PromptMessage) {
		g.notify("Download canceled.")
		close(done)
		return done
	}

	script := inst.DownloadCmd()
	if err := install.EnsureExecutable(script); err != nil {
		g.log().Warn("download script unusable", zap.String("script", script), zap.Error(err))
		g.notify(fmt.Sprintf("Error: download script not found or not executable:\n%s", script))
		close(done)
		return done
	}

	g.notify(fmt.Sprintf("Starting model download (~3 GB) to:\n%s\n$ %s", inst.ModelDir(), script))

	go func() {
		defer close(done)
		g.Runner.Run(ctx, []string{script}, g.notify, func(code int) {
			if code == 0 && inst.HasModel() {
				g.log().Info("model download complete", zap.String("path", inst.ModelFile()))
				g.notify("Model download complete.")
				onReady()
				return
			}

			g.log().Warn("model download failed", zap.Int("exit_code", code), zap.Bool("model_present", inst.HasModel()))
			if code == 0 {
				g.notify(fmt.Sprintf("Download failed (exit 0): model not found at %s. Try again later or run %s manually.", inst.ModelFile(), script))
				return
			}
			g.notify(fmt.Sprintf("Download failed (exit %d). Try again later or run %s manually.", code, script))
		})
	}()

	return done
}

func (g *Gate) notify(line string) {
	if g.Sink != nil {
		g.Sink.AppendLine(line)
	}
}

func (g *Gate) log() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}
