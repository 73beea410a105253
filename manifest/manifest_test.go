package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[program]
path = "build/game.json"
resources = "/srv/rsc"

[engine]
max-call-depth = 64
ticks = 100

[log]
verbosity = 1
file = "host.log"
world-log = "world.log"

[savefile]
path = "saves/game.db"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got, want := m.ProgramPath(), filepath.Join(m.Dir, "build", "game.json"); got != want {
		t.Errorf("ProgramPath() = %q, want %q", got, want)
	}
	if m.ResourceDir() != "/srv/rsc" {
		t.Errorf("ResourceDir() = %q, want /srv/rsc", m.ResourceDir())
	}
	if m.Engine.MaxCallDepth != 64 || m.Engine.Ticks != 100 {
		t.Errorf("engine = %+v", m.Engine)
	}
	if m.Log.Verbosity != 1 {
		t.Errorf("log verbosity = %d, want 1", m.Log.Verbosity)
	}
	if got, want := m.WorldLogPath(), filepath.Join(m.Dir, "world.log"); got != want {
		t.Errorf("WorldLogPath() = %q, want %q", got, want)
	}
	if got, want := m.SavefilePath(), filepath.Join(m.Dir, "saves", "game.db"); got != want {
		t.Errorf("SavefilePath() = %q, want %q", got, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Program.Path != "game.json" {
		t.Errorf("default program path = %q, want game.json", m.Program.Path)
	}
	if m.ResourceDir() != m.Dir {
		t.Errorf("default ResourceDir() = %q, want %q", m.ResourceDir(), m.Dir)
	}
	if m.SavefilePath() != "" || m.LogFilePath() != "" || m.WorldLogPath() != "" {
		t.Error("optional paths should default to empty")
	}
}

func TestDefault(t *testing.T) {
	m, err := Default(".")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(m.Dir) || m.Program.Path != "game.json" {
		t.Errorf("Default(.) = %+v", m)
	}
}

func TestSavefileMemory(t *testing.T) {
	m := &Manifest{Dir: "/app", Savefile: Savefile{Path: ":memory:"}}
	if m.SavefilePath() != ":memory:" {
		t.Errorf("SavefilePath() = %q, want :memory:", m.SavefilePath())
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[program\n", "parse error"},
		{"unknown key", "[engine]\nturbo = true\n", "unknown key"},
		{"negative depth", "[engine]\nmax-call-depth = -1\n", "max-call-depth"},
		{"verbosity", "[log]\nverbosity = 9\n", "verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[program]\npath = \"found.json\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Program.Path != "found.json" {
		t.Errorf("program path = %q, want found.json", m.Program.Path)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no dreamvm.toml exists")
	}
}
