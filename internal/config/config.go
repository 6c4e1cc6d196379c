// Package config loads and validates gantry configuration.
//
// Configuration lives at .gantry/config.yaml. Paths and policy are resolved
// once at process start; changing the lane map, thresholds, or the source
// registry requires a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gantry configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root; the state directory lives under it.
	Workspace string `yaml:"workspace"`

	// Set by GANTRY_STATE_DIR; wins over the workspace-derived default.
	stateDir string

	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Review    ReviewConfig    `yaml:"review"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig configures the SQLite canonical store.
type StoreConfig struct {
	Path        string `yaml:"path"`         // database file path
	BusyTimeout string `yaml:"busy_timeout"` // e.g. "5s"
}

// SchedulerConfig configures the braided scheduler and lease manager.
type SchedulerConfig struct {
	LeaseTTL           string              `yaml:"lease_ttl"`      // e.g. "10m"
	MaxRetries         int                 `yaml:"max_retries"`    // reaps/kickbacks before dead_letter
	ClaimRetries       int                 `yaml:"claim_retries"`  // lost-race rescans before NO_WORK
	SweepInterval      string              `yaml:"sweep_interval"` // "" = lease_ttl / 4
	WorkerLanes        map[string][]string `yaml:"worker_lanes"`
	SatisfiedDepTokens []string            `yaml:"satisfied_dep_tokens"`
}

// ReadinessConfig configures the BOOTSTRAP/EXECUTION gate.
type ReadinessConfig struct {
	DocsDir           string `yaml:"docs_dir"` // directory holding PRD.md, SPEC.md, DECISION_LOG.md
	PRDThreshold      int    `yaml:"prd_threshold"`
	SpecThreshold     int    `yaml:"spec_threshold"`
	DecisionThreshold int    `yaml:"decision_threshold"`
}

// ReviewConfig configures the gavel and its policy artifacts.
type ReviewConfig struct {
	RegistryPath   string `yaml:"registry_path"`   // source registry yaml
	PacketDir      string `yaml:"packet_dir"`      // per-task review packets
	ProvenancePath string `yaml:"provenance_path"` // source id -> code locations
	LedgerPath     string `yaml:"ledger_path"`     // JSONL mirror
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// MetricsConfig controls the optional prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. "127.0.0.1:9477"
}

// StateDir returns the state directory for the configured workspace.
func (c *Config) StateDir() string {
	if c.stateDir != "" {
		return c.stateDir
	}
	return filepath.Join(c.Workspace, ".gantry")
}

// DefaultConfig returns a configuration with sane local defaults rooted at
// the given workspace.
func DefaultConfig(workspace string) *Config {
	state := filepath.Join(workspace, ".gantry")
	return &Config{
		Name:      "gantry",
		Version:   "1.0.0",
		Workspace: workspace,
		Store: StoreConfig{
			Path:        filepath.Join(state, "gantry.db"),
			BusyTimeout: "5s",
		},
		Scheduler: SchedulerConfig{
			LeaseTTL:     "10m",
			MaxRetries:   3,
			ClaimRetries: 3,
			WorkerLanes: map[string][]string{
				"backend":  {"backend", "qa", "ops"},
				"frontend": {"frontend", "docs"},
				"qa":       {"qa", "docs"},
				"ops":      {"ops", "backend"},
				"docs":     {"docs"},
			},
		},
		Readiness: ReadinessConfig{
			DocsDir:           workspace,
			PRDThreshold:      80,
			SpecThreshold:     80,
			DecisionThreshold: 30,
		},
		Review: ReviewConfig{
			RegistryPath:   filepath.Join(state, "source_registry.yaml"),
			PacketDir:      filepath.Join(state, "packets"),
			ProvenancePath: filepath.Join(state, "provenance.json"),
			LedgerPath:     filepath.Join(state, "ledger.jsonl"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
	}
}

// Load reads configuration from path, falling back to defaults for the
// workspace containing path when the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ws := filepath.Dir(filepath.Dir(path))
			cfg := DefaultConfig(ws)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig(filepath.Dir(filepath.Dir(path)))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets the environment win over the file for the handful
// of settings operators commonly override. The state dir moves first so a
// GANTRY_DB set alongside it still wins for the database path.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GANTRY_STATE_DIR"); v != "" {
		c.rebaseStateDir(v)
	}
	if v := os.Getenv("GANTRY_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("GANTRY_LEASE_TTL"); v != "" {
		c.Scheduler.LeaseTTL = v
	}
	if v := os.Getenv("GANTRY_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// rebaseStateDir moves the state directory to dir and re-derives every
// dependent path still rooted in the old one. Paths configured to live
// elsewhere are left alone.
func (c *Config) rebaseStateDir(dir string) {
	prev := c.StateDir()
	c.stateDir = dir
	for _, p := range []*string{
		&c.Store.Path,
		&c.Review.RegistryPath,
		&c.Review.PacketDir,
		&c.Review.ProvenancePath,
		&c.Review.LedgerPath,
	} {
		rel, err := filepath.Rel(prev, *p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		*p = filepath.Join(dir, rel)
	}
}

// GetLeaseTTL parses the lease TTL, defaulting to 10 minutes.
func (c *Config) GetLeaseTTL() time.Duration {
	return parseDuration(c.Scheduler.LeaseTTL, 10*time.Minute)
}

// GetBusyTimeout parses the store busy timeout, defaulting to 5 seconds.
func (c *Config) GetBusyTimeout() time.Duration {
	return parseDuration(c.Store.BusyTimeout, 5*time.Second)
}

// GetSweepInterval parses the sweeper interval, defaulting to a quarter of
// the lease TTL.
func (c *Config) GetSweepInterval() time.Duration {
	if c.Scheduler.SweepInterval == "" {
		return c.GetLeaseTTL() / 4
	}
	return parseDuration(c.Scheduler.SweepInterval, c.GetLeaseTTL()/4)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.ClaimRetries < 1 {
		return fmt.Errorf("scheduler.claim_retries must be >= 1")
	}
	if c.Readiness.PRDThreshold < 0 || c.Readiness.PRDThreshold > 100 ||
		c.Readiness.SpecThreshold < 0 || c.Readiness.SpecThreshold > 100 ||
		c.Readiness.DecisionThreshold < 0 || c.Readiness.DecisionThreshold > 100 {
		return fmt.Errorf("readiness thresholds must be within [0,100]")
	}
	for wt, lanes := range c.Scheduler.WorkerLanes {
		for _, l := range lanes {
			if laneKnown(l) {
				continue
			}
			return fmt.Errorf("worker_lanes[%s]: unknown lane %q", wt, l)
		}
	}
	return nil
}

func laneKnown(name string) bool {
	switch name {
	case "backend", "frontend", "qa", "ops", "docs":
		return true
	}
	return false
}
