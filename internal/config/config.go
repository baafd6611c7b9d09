// Package config loads the daemon's config.yaml and caches it in memory,
// invalidating the cache when the file's mtime changes so an operator can
// edit config.yaml without restarting the daemon.
package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SwarmConfig controls autonomous scheduling.
type SwarmConfig struct {
	Enabled       bool               `yaml:"enabled"`
	EnabledAt     *time.Time         `yaml:"enabled_at"`
	Concurrency   int                `yaml:"concurrency"`
	Limit         int                `yaml:"limit"`
	Count         int                `yaml:"count"`
	AgentFilter   []string           `yaml:"agent_filter"`
	ProviderFilter []string          `yaml:"provider_filter"`
	Weights       map[string]float64 `yaml:"weights"`
}

// EmailConfig controls the optional outbound status-email sync.
type EmailConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SMTPHost  string `yaml:"smtp_host"`
	SMTPPort  int    `yaml:"smtp_port"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
}

// BackupConfig controls periodic sqlite backups.
type BackupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Interval string `yaml:"interval"`
}

// Config is the top-level config.yaml shape.
type Config struct {
	Swarm           SwarmConfig  `yaml:"swarm"`
	Email           EmailConfig  `yaml:"email"`
	Backup          BackupConfig `yaml:"backup"`
	DefaultIdentity string       `yaml:"default_identity"`
	StatsJSONPath   string       `yaml:"stats_json_path"`
	SpawnsDir       string       `yaml:"spawns_dir"`
	IdentityDir     string       `yaml:"identity_dir"`
	DBPath          string       `yaml:"db_path"`
}

// Load reads and parses a config.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CachedLoader wraps Load with an mtime-invalidated cache so repeated
// Get calls avoid re-parsing config.yaml on every tick.
type CachedLoader struct {
	path string

	mu      sync.Mutex
	cfg     *Config
	modTime time.Time
}

// NewCachedLoader creates a loader bound to path.
func NewCachedLoader(path string) *CachedLoader {
	return &CachedLoader{path: path}
}

// Get returns the cached config, reloading it if the file's mtime has
// advanced since the last load.
func (c *CachedLoader) Get() (*Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return nil, err
	}
	if c.cfg != nil && !info.ModTime().After(c.modTime) {
		return c.cfg, nil
	}

	cfg, err := Load(c.path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.modTime = info.ModTime()
	return c.cfg, nil
}

// Disable flips swarm.enabled to false and rewrites config.yaml, used
// by the scheduler when config.swarm.limit is reached.
func (c *CachedLoader) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := Load(c.path)
	if err != nil {
		return err
	}
	cfg.Swarm.Enabled = false

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return err
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.modTime = info.ModTime()
	return nil
}
