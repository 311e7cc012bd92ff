package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/carapacehq/carapace"
)

type Config struct {
	Home      string          `toml:"home"`
	Container ContainerConfig `toml:"container"`
	Groups    []GroupConfig   `toml:"groups"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Plugins   PluginConfig    `toml:"plugins"`
	Database  DatabaseConfig  `toml:"database"`
	Sanitizer SanitizerConfig `toml:"sanitizer"`
	Observer  ObserverConfig  `toml:"observer"`
	Log       LogConfig       `toml:"log"`
}

type ContainerConfig struct {
	Image          string `toml:"image"`
	Host           string `toml:"host"`
	User           string `toml:"user"`
	StopGraceSecs  int    `toml:"stop_grace_seconds"`
	PullOnStart    bool   `toml:"pull_on_start"`
	SELinuxRelabel bool   `toml:"selinux_relabel"`
	TokenTTLHours  int    `toml:"resume_token_ttl_hours"`
}

type GroupConfig struct {
	Name          string `toml:"name"`
	MaxContainers int    `toml:"max_containers"`
	QueueSize     int    `toml:"queue_size"`
}

type PipelineConfig struct {
	SessionCap         int `toml:"session_cap"`
	HandlerTimeoutSecs int `toml:"handler_timeout_seconds"`
	ConfirmTimeoutSecs int `toml:"confirmation_timeout_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	Burst             int `toml:"burst"`
}

type PluginConfig struct {
	Roots []string `toml:"roots"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type SanitizerConfig struct {
	Patterns []carapace.PatternConfig `toml:"patterns"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// SocketDir is where the request and event sockets live under Home.
func (c Config) SocketDir() string { return filepath.Join(c.Home, "run", "sockets") }

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	root := filepath.Join(home, ".carapace")
	return Config{
		Home: root,
		Container: ContainerConfig{
			Image:         "carapace-agent:latest",
			StopGraceSecs: 10,
			TokenTTLHours: 24,
		},
		Groups: []GroupConfig{{Name: "default", MaxContainers: 3}},
		Pipeline: PipelineConfig{
			SessionCap:         carapace.DefaultGroupCap,
			HandlerTimeoutSecs: 30,
			ConfirmTimeoutSecs: 300,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: carapace.DefaultRateLimit.RequestsPerMinute,
			Burst:             carapace.DefaultRateLimit.Burst,
		},
		Plugins:  PluginConfig{Roots: []string{filepath.Join(root, "plugins")}},
		Database: DatabaseConfig{Driver: "sqlite", Path: filepath.Join(root, "carapace.db")},
		Sanitizer: SanitizerConfig{
			Patterns: carapace.DefaultPatterns(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "carapace.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CARAPACE_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("CARAPACE_CONTAINER_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
	if v := os.Getenv("CARAPACE_CONTAINER_HOST"); v != "" {
		cfg.Container.Host = v
	}
	if v := os.Getenv("CARAPACE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CARAPACE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CARAPACE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CARAPACE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CARAPACE_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("CARAPACE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("CARAPACE_SELINUX_RELABEL"); v == "true" || v == "1" {
		cfg.Container.SELinuxRelabel = true
	}

	// Fallbacks
	if len(cfg.Groups) == 0 {
		cfg.Groups = Default().Groups
	}
	for i := range cfg.Groups {
		if cfg.Groups[i].MaxContainers <= 0 {
			cfg.Groups[i].MaxContainers = 3
		}
	}
	if cfg.Pipeline.SessionCap <= 0 {
		cfg.Pipeline.SessionCap = carapace.DefaultGroupCap
	}
	if cfg.Container.TokenTTLHours <= 0 {
		cfg.Container.TokenTTLHours = 24
	}
	if len(cfg.Sanitizer.Patterns) == 0 {
		cfg.Sanitizer.Patterns = carapace.DefaultPatterns()
	}

	return cfg
}
