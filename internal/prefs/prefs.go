package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const FileName = "prefs.yaml"

// Prefs are user choices kept between runs.
type Prefs struct {
	InstallDir string `yaml:"install_dir,omitempty"`
}

// Store reads and writes Prefs in a YAML file.
type Store struct {
	Path string
}

func NewStore(configDir string) *Store {
	return &Store{Path: filepath.Join(configDir, FileName)}
}

// Load returns empty Prefs when the file does not exist yet.
func (s *Store) Load() (Prefs, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Prefs{}, nil
		}
		return Prefs{}, fmt.Errorf("read preferences: %w", err)
	}

	var p Prefs
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse preferences %s: %w", s.Path, err)
	}
	p.InstallDir = strings.TrimSpace(p.InstallDir)
	return p, nil
}

// Save replaces the file atomically.
func (s *Store) Save(p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create preferences directory: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	if err := renameio.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
