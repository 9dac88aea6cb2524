package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// EnvInstallDir names the environment variable that points at an installation root.
const EnvInstallDir = "DRAGTRANSCRIBE_INSTALL_DIR"

const (
	transcribeName = "transcribe"
	downloadName   = "download_model"
	modelFileName  = "ggml-large-v2.bin"
	bundleSuffix   = ".app"
)

var (
	ErrNotFound      = errors.New("install folder not found")
	ErrMissing       = errors.New("file not found")
	ErrNotExecutable = errors.New("file is not executable")
)

// Installation is a directory holding bin/transcribe, bin/download_model and models/.
type Installation struct {
	Root string
}

func (i Installation) TranscribeCmd() string {
	return filepath.Join(i.Root, "bin", transcribeName)
}

func (i Installation) DownloadCmd() string {
	return filepath.Join(i.Root, "bin", downloadName)
}

func (i Installation) ModelDir() string {
	return filepath.Join(i.Root, "models")
}

func (i Installation) ModelFile() string {
	return filepath.Join(i.ModelDir(), modelFileName)
}

// HasModel checks the filesystem on every call; the model may be added externally.
func (i Installation) HasModel() bool {
	return isRegularFile(i.ModelFile())
}

// Validate applies the marker rule to a user-chosen directory.
func Validate(dir string) (Installation, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Installation{}, ErrNotFound
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return Installation{}, fmt.Errorf("resolve install folder %s: %w", dir, err)
	}

	inst := Installation{Root: abs}
	if !HasMarker(abs) {
		return Installation{}, fmt.Errorf("%w: expected file not found: %s", ErrNotFound, inst.TranscribeCmd())
	}
	return inst, nil
}

// HasMarker accepts presence of bin/transcribe, executable or not.
func HasMarker(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	return isRegularFile(filepath.Join(dir, "bin", transcribeName))
}

// EnsureExecutable reports ErrMissing or ErrNotExecutable for path.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissing, path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
