// Package manifest handles taffy.toml run configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a taffy.toml run configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Run     Run     `toml:"run"`
	Limits  Limits  `toml:"limits"`

	// Dir is the directory containing the taffy.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Run configures which image to execute and how.
type Run struct {
	Image string `toml:"image"`
	Trace bool   `toml:"trace"`
}

// Limits bounds the resources one machine may use. Zero means unlimited
// for the heap and the engine default for the stack.
type Limits struct {
	StackSlots int `toml:"stack-slots"`
	HeapWords  int `toml:"heap-words"`
}

// Load parses a taffy.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "taffy.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Run.Image == "" {
		m.Run.Image = "out.taffy"
	}
	if m.Limits.StackSlots < 0 || m.Limits.HeapWords < 0 {
		return nil, fmt.Errorf("limits in %s must not be negative", path)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a taffy.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "taffy.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ImagePath returns the absolute path of the configured image.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.Run.Image) {
		return m.Run.Image
	}
	return filepath.Join(m.Dir, m.Run.Image)
}
