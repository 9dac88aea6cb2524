package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/dragtranscribe/internal/history"
	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/fmueller/dragtranscribe/internal/logging"
	"github.com/fmueller/dragtranscribe/internal/platform"
	"github.com/fmueller/dragtranscribe/internal/prefs"
	"github.com/fmueller/dragtranscribe/internal/queue"
	"github.com/fmueller/dragtranscribe/internal/runner"
	"github.com/fmueller/dragtranscribe/internal/version"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	installDir string
	configDir  string
	assumeYes  bool
	idleWait   time.Duration
	history    bool
	historyDB  string
	envFile    string

	logger *zap.Logger
	now    func() time.Time

	// Replaced in tests.
	runner   runner.Runner
	terminal terminal
	locate   func() (install.Installation, error)
}

func newAppState() *appState {
	return &appState{
		idleWait: queue.DefaultIdleWait,
		history:  true,
		envFile:  ".env",
		now:      time.Now,
		locate:   install.Locator{}.Resolve,
	}
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dragtranscribe [file...]",
		Short: "Queue audio and video files for transcription with a local whisper installation",
		Long: "Queue audio and video files for transcription with a local whisper installation.\n\n" +
			"Files given without a subcommand are transcribed one after another, the same as 'dragtranscribe run'.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return app.runFiles(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)
	bindQueueFlags(cmd.Flags(), app)

	cmd.AddCommand(newRunCmd(app))
	cmd.AddCommand(newWatchCmd(app))
	cmd.AddCommand(newInstallCmd(app))
	cmd.AddCommand(newHistoryCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.installDir, "install-dir", app.installDir, "Installation folder containing bin/transcribe (overrides the saved folder)")
	flags.StringVar(&app.configDir, "config-dir", app.configDir, "Directory for saved preferences")
	flags.BoolVar(&app.history, "history", app.history, "Record finished jobs in the history ledger")
	flags.StringVar(&app.historyDB, "history-db", app.historyDB, "Path of the history database")
}

func (a *appState) setup() error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.jsonLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

// loadEnvFile fills unset variables from path. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (a *appState) prefsStore() (*prefs.Store, error) {
	dir, err := platform.ResolveConfigDir(a.configDir)
	if err != nil {
		return nil, err
	}
	return prefs.NewStore(dir), nil
}

func (a *appState) historyPath() (string, error) {
	if a.historyDB != "" {
		return filepath.Clean(a.historyDB), nil
	}
	dir, err := platform.ResolveDataDir("")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, history.FileName), nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) clock() func() time.Time {
	if a.now == nil {
		return time.Now
	}
	return a.now
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}
