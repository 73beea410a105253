// Package manifest handles dreamvm.toml engine configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "dreamvm.toml"

// Manifest represents a dreamvm.toml configuration.
type Manifest struct {
	Program  Program  `toml:"program"`
	Engine   Engine   `toml:"engine"`
	Log      Log      `toml:"log"`
	Savefile Savefile `toml:"savefile"`

	// Dir is the directory containing the dreamvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Program locates the compiled program and its resources.
type Program struct {
	Path      string `toml:"path"`
	Resources string `toml:"resources"`
}

// Engine tunes the runtime.
type Engine struct {
	MaxCallDepth int `toml:"max-call-depth"`
	// Ticks stops the host after this many ticks; 0 runs until interrupted.
	Ticks int `toml:"ticks"`
}

// Log configures host and world logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
	WorldLog  string `toml:"world-log"`
}

// Savefile configures the persistent store. An empty path disables it.
type Savefile struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when dir has no dreamvm.toml.
func Default(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m := &Manifest{Dir: abs}
	m.applyDefaults()
	return m, nil
}

// Load parses a dreamvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a dreamvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Program.Path == "" {
		m.Program.Path = "game.json"
	}
	if m.Program.Resources == "" {
		m.Program.Resources = "."
	}
}

func (m *Manifest) validate() error {
	if m.Engine.MaxCallDepth < 0 {
		return fmt.Errorf("engine.max-call-depth must not be negative")
	}
	if m.Engine.Ticks < 0 {
		return fmt.Errorf("engine.ticks must not be negative")
	}
	if m.Log.Verbosity < -4 || m.Log.Verbosity > 2 {
		return fmt.Errorf("log.verbosity %d out of range [-4, 2]", m.Log.Verbosity)
	}
	return nil
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ProgramPath returns the absolute path of the compiled program.
func (m *Manifest) ProgramPath() string { return m.resolve(m.Program.Path) }

// ResourceDir returns the absolute resource root.
func (m *Manifest) ResourceDir() string { return m.resolve(m.Program.Resources) }

// SavefilePath returns the absolute savefile path, or "" when disabled.
// ":memory:" is passed through.
func (m *Manifest) SavefilePath() string {
	if m.Savefile.Path == ":memory:" {
		return m.Savefile.Path
	}
	return m.resolve(m.Savefile.Path)
}

// LogFilePath returns the absolute host log path, or "" for stderr.
func (m *Manifest) LogFilePath() string { return m.resolve(m.Log.File) }

// WorldLogPath returns the absolute world log path, or "" for none.
func (m *Manifest) WorldLogPath() string { return m.resolve(m.Log.WorldLog) }
