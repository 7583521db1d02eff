// Package policy holds Guild Hall configuration: the user config file,
// home-directory layout, and project validation rules.
package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the default home directory when set.
const HomeEnv = "GUILD_HALL_HOME"

// Home returns the Guild Hall home directory (~/.guild-hall unless
// GUILD_HALL_HOME is set).
func Home() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".guild-hall")
}

// Project is one configured project entry.
type Project struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
	RepoURL     string `yaml:"repoUrl,omitempty"`
	MeetingCap  int    `yaml:"meetingCap,omitempty"`
}

// Settings holds optional user settings.
type Settings struct {
	HTTPPort int    `yaml:"http_port,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
	Debug    bool   `yaml:"debug,omitempty"`
	// AgentCommand is the agent CLI binary queried for sessions
	// (default "claude").
	AgentCommand string `yaml:"agent_command,omitempty"`
}

// Config is the user configuration file (YAML, in the Guild Hall home).
type Config struct {
	Projects []Project `yaml:"projects"`
	Settings *Settings `yaml:"settings,omitempty"`
}

// DefaultConfig returns an empty configuration with default settings.
func DefaultConfig() *Config {
	return &Config{Settings: &Settings{HTTPPort: 7411, AgentCommand: "claude"}}
}

// ConfigPath returns the config file location inside a home directory.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads the config file from the given home directory. A missing
// file yields the default config; an unparseable file is an error (the
// user must fix it).
func Load(home string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(home))
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Settings == nil {
		cfg.Settings = DefaultConfig().Settings
	}
	if cfg.Settings.HTTPPort == 0 {
		cfg.Settings.HTTPPort = 7411
	}
	if cfg.Settings.AgentCommand == "" {
		cfg.Settings.AgentCommand = "claude"
	}
	return cfg, nil
}

// Save writes the config file, creating the home directory if needed.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := ConfigPath(home) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, ConfigPath(home))
}

// ValidateProjectPath checks that a project path is a directory holding
// both .git/ and .lore/.
func ValidateProjectPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", path)
	}
	for _, required := range []string{".git", ".lore"} {
		if fi, err := os.Stat(filepath.Join(path, required)); err != nil || !fi.IsDir() {
			return fmt.Errorf("path %s missing %s/ directory", path, required)
		}
	}
	return nil
}

// AddProject appends a project to the config. Fails on duplicate name
// or invalid path.
func (c *Config) AddProject(p Project) error {
	for _, existing := range c.Projects {
		if existing.Name == p.Name {
			return fmt.Errorf("project %q already registered", p.Name)
		}
	}
	if err := ValidateProjectPath(p.Path); err != nil {
		return err
	}
	c.Projects = append(c.Projects, p)
	return nil
}

// Paths groups the filesystem layout rooted at a Guild Hall home.
type Paths struct {
	Home string
}

// NewPaths builds the layout for a home directory.
func NewPaths(home string) Paths {
	return Paths{Home: home}
}

// SessionsDir is where per-session directories live.
func (p Paths) SessionsDir() string { return filepath.Join(p.Home, "sessions") }

// JobsDir is where worker-job directories live.
func (p Paths) JobsDir() string { return filepath.Join(p.Home, "jobs") }

// PluginsDir is the guild-member discovery root.
func (p Paths) PluginsDir() string { return filepath.Join(p.Home, "guild") }

// PIDDir is where plugin PID files are written.
func (p Paths) PIDDir() string { return filepath.Join(p.Home, ".mcp-servers") }

// SocketPath is the unix socket used for the single-instance guarantee.
func (p Paths) SocketPath() string { return filepath.Join(p.Home, "server.sock") }

// PIDFile is the server's own PID file.
func (p Paths) PIDFile() string { return filepath.Join(p.Home, "server.pid") }

// LogFile is the default server log file.
func (p Paths) LogFile() string { return filepath.Join(p.Home, "guild-hall.log") }
