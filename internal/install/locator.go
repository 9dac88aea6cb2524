package install

import (
	"os"
	"path/filepath"
	"strings"
)

// Locator finds the installation root. The zero value uses the real process
// environment; tests replace Executable and Getenv.
type Locator struct {
	Executable func() (string, error)
	Getenv     func(string) string
}

// Resolve returns the first accepted candidate or ErrNotFound.
func (l Locator) Resolve() (Installation, error) {
	for _, candidate := range l.Candidates() {
		if HasMarker(candidate) {
			return Installation{Root: filepath.Clean(candidate)}, nil
		}
	}
	return Installation{}, ErrNotFound
}

// Candidates lists directories in the order Resolve tries them.
func (l Locator) Candidates() []string {
	var out []string

	if exe, err := l.executable(); err == nil {
		if bundle := BundleDir(exe); bundle != "" {
			out = append(out, filepath.Dir(bundle))
		}
	}

	if override := strings.TrimSpace(l.getenv(EnvInstallDir)); override != "" {
		out = append(out, override)
	}

	return out
}

// BundleDir walks upward from path and returns the first ancestor directory
// named with the application bundle suffix.
func BundleDir(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}

	current := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(current); err == nil {
		current = resolved
	}

	for {
		if strings.HasSuffix(current, bundleSuffix) {
			if info, err := os.Stat(current); err == nil && info.IsDir() {
				return current
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

func (l Locator) executable() (string, error) {
	if l.Executable != nil {
		return l.Executable()
	}
	return os.Executable()
}

func (l Locator) getenv(key string) string {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.Getenv(key)
}
