package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "dragtranscribe"

// ConfigDirFor returns where preferences live for goos.
func ConfigDirFor(goos, homeDir, xdgConfigHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, appDirName), nil
		}
		return filepath.Join(homeDir, ".config", appDirName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Preferences", appDirName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

// DataDirFor returns where the job history lives for goos.
func DataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appDirName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appDirName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appDirName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func ResolveConfigDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return ConfigDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_CONFIG_HOME"))
}

func ResolveDataDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return DataDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}
