// Package config provides configuration loading and validation for the bridge.
//
// Configuration is assembled from three layers, later layers overriding
// earlier ones:
//
//  1. Built-in defaults.
//  2. An optional chatbridge.yaml in the state directory.
//  3. Environment variables (POLL_INTERVAL, IDLE_TIMEOUT, ...).
//
// A single global Config instance is maintained in memory, protected by a
// mutex. Get() returns the config BY VALUE to prevent external mutation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML config file looked up in the state dir.
const ConfigFileName = "chatbridge.yaml"

// Defaults for tunables not set by file or environment.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultIdleTimeout   = 3 * time.Minute
	DefaultShutdownGrace = 20 * time.Second
	DefaultAgentImage    = "chatbridge-agent:latest"
	DefaultAssistantName = "Assistant"
)

// Config holds all settings the bridge consumes.
type Config struct {
	// StateDir is where the database, lock file, and logs live.
	StateDir string `yaml:"state_dir"`

	// WorkspaceRoot is the directory containing per-group agent workspaces.
	// Group folders resolve relative to it and must not escape it.
	WorkspaceRoot string `yaml:"workspace_root"`

	// AgentImage is the container image used for agent processes.
	AgentImage string `yaml:"agent_image"`

	// AssistantName is the display name bot-authored messages carry.
	AssistantName string `yaml:"assistant_name"`

	// MainGroupFolder marks the distinguished group with global visibility.
	MainGroupFolder string `yaml:"main_group_folder"`

	// TriggerPattern, when non-empty, gates inbound messages at the adapter
	// and router level. Empty disables the gate.
	TriggerPattern string `yaml:"trigger_pattern"`

	// TelegramToken enables the Telegram adapter when set.
	TelegramToken string `yaml:"telegram_token"`

	// MetricsAddr, when non-empty, serves Prometheus metrics on that address.
	MetricsAddr string `yaml:"metrics_addr"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config *Config
	mu     sync.RWMutex
)

// Load reads configuration for the given state directory and installs it as
// the process-wide config. Safe to call again (tests re-load with new dirs).
func Load(stateDir string) error {
	cfg := defaults(stateDir)

	if err := applyFile(&cfg, filepath.Join(stateDir, ConfigFileName)); err != nil {
		return err
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	config = &cfg
	mu.Unlock()
	return nil
}

// Get returns the current config by value.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, fmt.Errorf("config not loaded: call config.Load first")
	}
	return *config, nil
}

func defaults(stateDir string) Config {
	return Config{
		StateDir:      stateDir,
		WorkspaceRoot: filepath.Join(stateDir, "groups"),
		AgentImage:    DefaultAgentImage,
		AssistantName: DefaultAssistantName,
		PollInterval:  DefaultPollInterval,
		IdleTimeout:   DefaultIdleTimeout,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// applyFile overlays settings from a YAML file. A missing file is not an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays settings from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("SHUTDOWN_GRACE"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.ShutdownGrace = d
		}
	}
	if v := os.Getenv("ASSISTANT_NAME"); v != "" {
		cfg.AssistantName = v
	}
	if v := os.Getenv("MAIN_GROUP_FOLDER"); v != "" {
		cfg.MainGroupFolder = v
	}
	if v := os.Getenv("TRIGGER_PATTERN"); v != "" {
		cfg.TriggerPattern = v
	}
	if v := os.Getenv("AGENT_IMAGE"); v != "" {
		cfg.AgentImage = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
}

// parseDuration accepts Go duration syntax ("30s") or bare milliseconds
// ("30000") for compatibility with older deployments.
func parseDuration(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// TriggerRegexp returns the compiled trigger pattern, or nil when the gate
// is disabled or the pattern is invalid. Validate catches invalid patterns
// at load time.
func (c Config) TriggerRegexp() *regexp.Regexp {
	if c.TriggerPattern == "" {
		return nil
	}
	re, err := regexp.Compile(c.TriggerPattern)
	if err != nil {
		return nil
	}
	return re
}

// Validate rejects configurations the bridge cannot safely run with.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if c.AgentImage == "" {
		return fmt.Errorf("agent_image is required")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be >= 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be > 0")
	}
	if c.TriggerPattern != "" {
		if _, err := regexp.Compile(c.TriggerPattern); err != nil {
			return fmt.Errorf("trigger_pattern is not a valid regex: %w", err)
		}
	}
	return nil
}

// ValidateGroupFolder enforces the group folder policy: a non-empty relative
// path with no ".." segments whose resolution stays inside workspaceRoot.
func ValidateGroupFolder(workspaceRoot, folder string) error {
	if folder == "" {
		return fmt.Errorf("group folder must not be empty")
	}
	if filepath.IsAbs(folder) {
		return fmt.Errorf("group folder must be a relative path")
	}
	for _, seg := range strings.Split(filepath.ToSlash(folder), "/") {
		if seg == ".." {
			return fmt.Errorf("group folder must not contain '..' segments")
		}
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	resolved, err := filepath.Abs(filepath.Join(root, folder))
	if err != nil {
		return fmt.Errorf("failed to resolve group folder: %w", err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return fmt.Errorf("group folder %q escapes the workspace root", folder)
	}
	return nil
}
