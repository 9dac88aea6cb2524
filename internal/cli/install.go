package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fmueller/dragtranscribe/internal/install"
	"github.com/fmueller/dragtranscribe/internal/prefs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type installSource string

const (
	sourceFlag    installSource = "flag"
	sourcePrefs   installSource = "saved preference"
	sourceLocated installSource = "detected"
)

// resolveInstallation is called at the start of every worker run.
func (a *appState) resolveInstallation() (install.Installation, error) {
	inst, _, err := a.findInstallation()
	return inst, err
}

// findInstallation applies the precedence --install-dir, saved preference,
// then bundle and environment detection. A detected folder is saved.
func (a *appState) findInstallation() (install.Installation, installSource, error) {
	if dir := strings.TrimSpace(a.installDir); dir != "" {
		inst, err := install.Validate(dir)
		return inst, sourceFlag, err
	}

	store, storeErr := a.prefsStore()
	if storeErr != nil {
		a.log().Warn("preferences unavailable", zap.Error(storeErr))
	}

	if store != nil {
		saved, err := store.Load()
		switch {
		case err != nil:
			a.log().Warn("failed to read preferences", zap.Error(err))
		case saved.InstallDir != "":
			inst, err := install.Validate(saved.InstallDir)
			if err == nil {
				return inst, sourcePrefs, nil
			}
			a.log().Warn("saved install folder is no longer valid", zap.String("dir", saved.InstallDir), zap.Error(err))
		}
	}

	locate := a.locate
	if locate == nil {
		locate = install.Locator{}.Resolve
	}
	inst, err := locate()
	if err != nil {
		return install.Installation{}, sourceLocated, err
	}

	if store != nil {
		if err := store.Save(prefs.Prefs{InstallDir: inst.Root}); err != nil {
			a.log().Warn("failed to save install folder", zap.Error(err))
		}
	}
	return inst, sourceLocated, nil
}

func newInstallCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Show or choose the installation folder",
	}
	cmd.AddCommand(newInstallShowCmd(app), newInstallSetCmd(app))
	return cmd
}

func newInstallShowCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the installation folder that jobs will use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, source, err := app.findInstallation()
			if err != nil {
				if errors.Is(err, install.ErrNotFound) {
					return fmt.Errorf("%w; set it with 'dragtranscribe install set <dir>' or %s", err, install.EnvInstallDir)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Install folder: %s (%s)\n", inst.Root, source)
			fmt.Fprintf(out, "Transcribe:     %s\n", inst.TranscribeCmd())
			fmt.Fprintf(out, "Download:       %s\n", inst.DownloadCmd())
			model := "missing"
			if inst.HasModel() {
				model = "present"
			}
			fmt.Fprintf(out, "Model:          %s (%s)\n", inst.ModelFile(), model)
			return nil
		},
	}
}

func newInstallSetCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "set <dir>",
		Short: "Save the installation folder for future runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := install.Validate(args[0])
			if err != nil {
				return fmt.Errorf("install set %s: %w", filepath.Clean(args[0]), err)
			}

			store, err := app.prefsStore()
			if err != nil {
				return err
			}
			if err := store.Save(prefs.Prefs{InstallDir: inst.Root}); err != nil {
				return err
			}

			app.log().Info("install folder saved", zap.String("dir", inst.Root), zap.String("prefs", store.Path))
			fmt.Fprintf(cmd.OutOrStdout(), "Install folder set to %s\n", inst.Root)
			return nil
		},
	}
}
