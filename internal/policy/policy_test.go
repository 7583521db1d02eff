package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHomeOverride(t *testing.T) {
	t.Setenv(HomeEnv, "/tmp/custom-guild-home")
	if got := Home(); got != "/tmp/custom-guild-home" {
		t.Errorf("Home() = %q, want override", got)
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Projects) != 0 {
		t.Errorf("expected no projects, got %d", len(cfg.Projects))
	}
	if cfg.Settings.HTTPPort != 7411 {
		t.Errorf("default port = %d, want 7411", cfg.Settings.HTTPPort)
	}
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("projects: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Error("expected parse error for invalid YAML")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	proj := validProject(t, "demo")
	cfg := DefaultConfig()
	cfg.Projects = append(cfg.Projects, proj)

	if err := Save(home, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Projects) != 1 || loaded.Projects[0].Name != "demo" {
		t.Errorf("round trip lost project: %+v", loaded.Projects)
	}
}

func TestValidateProjectPath(t *testing.T) {
	dir := t.TempDir()
	if err := ValidateProjectPath(dir); err == nil {
		t.Error("expected error for dir without .git/.lore")
	}
	for _, sub := range []string{".git", ".lore"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := ValidateProjectPath(dir); err != nil {
		t.Errorf("valid project rejected: %v", err)
	}
}

func TestAddProjectDuplicate(t *testing.T) {
	cfg := DefaultConfig()
	p := validProject(t, "dup")
	if err := cfg.AddProject(p); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := cfg.AddProject(p); err == nil {
		t.Error("duplicate add succeeded")
	}
}

func validProject(t *testing.T, name string) Project {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{".git", ".lore"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return Project{Name: name, Path: dir}
}
