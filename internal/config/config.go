// Package config provides configuration types and loading for ralphd.
// A single Load at startup produces the typed Config consumed by the core;
// nothing else reads the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "ORCH_CONFIG_PATH"

// DefaultBaseDirName is the orchestration state directory under the user home.
const DefaultBaseDirName = ".orchestration"

// SpawnerMode selects the worker spawner variant.
type SpawnerMode string

const (
	SpawnerHeadless  SpawnerMode = "headless"
	SpawnerPTY       SpawnerMode = "pty"
	SpawnerContainer SpawnerMode = "container"
)

// SessionMode controls whether the iterative controller drives a session.
type SessionMode string

const (
	ModeManual     SessionMode = "manual"
	ModeAutonomous SessionMode = "autonomous"
)

// RepositoryConfig declares one repository the control plane orchestrates.
// Repositories are declared in config and never created at runtime.
type RepositoryConfig struct {
	// ID identifies the repository in API calls and the state directory.
	ID string `mapstructure:"id"`
	// Root is the absolute path of the repository checkout.
	Root string `mapstructure:"root"`
	// BaseRef is the default base reference for new branches (default "main").
	BaseRef string `mapstructure:"base_ref"`
	// Owner and Name are the issue-tracker coordinates.
	Owner string `mapstructure:"owner"`
	Name  string `mapstructure:"name"`
	// WorktreePrefix prefixes generated working-copy directory names.
	// Defaults to the basename of Root plus a hyphen.
	WorktreePrefix string `mapstructure:"worktree_prefix"`
	// DefaultMode is the spawner variant used for this repository's sessions.
	DefaultMode SpawnerMode `mapstructure:"default_mode"`
}

// Prefix returns the effective working-copy name prefix.
func (r RepositoryConfig) Prefix() string {
	if r.WorktreePrefix != "" {
		return r.WorktreePrefix
	}
	return filepath.Base(r.Root) + "-"
}

// SpawnerConfig configures the worker spawner variants.
type SpawnerConfig struct {
	// Command is the worker executable (default "claude").
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// PTY variant settings.
	PTYCols     int    `mapstructure:"pty_cols"`
	PTYRows     int    `mapstructure:"pty_rows"`
	ReadyMarker string `mapstructure:"ready_marker"`

	// Container variant settings.
	Image          string `mapstructure:"image"`
	Memory         string `mapstructure:"memory"`
	CPUs           string `mapstructure:"cpus"`
	PidsLimit      int    `mapstructure:"pids_limit"`
	CredentialsDir string `mapstructure:"credentials_dir"`
}

// PromiseType selects the iterative controller's goal condition.
type PromiseType string

const (
	PromisePlanComplete PromiseType = "plan_complete"
	PromiseFile         PromiseType = "file"
	PromiseTestsPass    PromiseType = "tests_pass"
	PromiseCustom       PromiseType = "custom"
)

// PromiseConfig describes the condition that declares a session's goal reached.
type PromiseConfig struct {
	Type PromiseType `mapstructure:"type"`
	// Path is the plan file (plan_complete) or marker file (file), relative
	// to the working copy.
	Path string `mapstructure:"path"`
	// Command is the shell command for tests_pass / custom.
	Command string `mapstructure:"command"`
}

// DoneSignalType selects how the iterative loop detects success.
type DoneSignalType string

const (
	DoneSignalStatus DoneSignalType = "status"
	DoneSignalFile   DoneSignalType = "file"
	// DoneSignalExitCode is reserved; config validation rejects it.
	DoneSignalExitCode DoneSignalType = "exit_code"
)

// DoneSignalConfig describes the loop's success detector.
type DoneSignalConfig struct {
	Type   DoneSignalType `mapstructure:"type"`
	Status string         `mapstructure:"status"`
	Path   string         `mapstructure:"path"`
}

// GitOperationsConfig toggles the loop's commit/push/PR hooks.
type GitOperationsConfig struct {
	CommitAfterEach    bool `mapstructure:"commit_after_each"`
	PushAfterEach      bool `mapstructure:"push_after_each"`
	CreatePrOnComplete bool `mapstructure:"create_pr_on_complete"`
}

// ReviewConfig configures the review-agent gate.
type ReviewConfig struct {
	// Command invokes the external review agent.
	Command string `mapstructure:"command"`
	// MaxCycles bounds NEEDS_WORK rounds before the loop is marked stuck.
	MaxCycles int `mapstructure:"max_cycles"`
	// TimeoutMs bounds a single agent invocation.
	TimeoutMs int `mapstructure:"timeout_ms"`
	// AgentPromptPath optionally points at a prompt override for the agent.
	AgentPromptPath string `mapstructure:"agent_prompt_path"`
}

// LoopConfig configures the iterative controller.
type LoopConfig struct {
	MaxIterations    int                 `mapstructure:"max_iterations"`
	IterationDelayMs int                 `mapstructure:"iteration_delay_ms"`
	PollIntervalMs   int                 `mapstructure:"poll_interval_ms"`
	Promise          PromiseConfig       `mapstructure:"promise"`
	DoneSignal       DoneSignalConfig    `mapstructure:"done_signal"`
	GitOperations    GitOperationsConfig `mapstructure:"git_operations"`
	Review           ReviewConfig        `mapstructure:"review"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// NotifyConfig configures the external notification channel.
type NotifyConfig struct {
	// Command receives the notification text as its final argument.
	// Empty disables notifications.
	Command string `mapstructure:"command"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the OTLP gRPC endpoint (host:port).
	Endpoint string `mapstructure:"endpoint"`
}

// Config holds all configuration options for ralphd.
type Config struct {
	// BaseDir is the orchestration state directory (default ~/.orchestration).
	BaseDir string `mapstructure:"base_dir"`

	Repositories []RepositoryConfig `mapstructure:"repositories"`
	Spawner      SpawnerConfig      `mapstructure:"spawner"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Server       ServerConfig       `mapstructure:"server"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Tracing      TracingConfig      `mapstructure:"tracing"`

	// StaleThresholdSeconds marks sessions stale when the heartbeat is older.
	StaleThresholdSeconds int `mapstructure:"stale_threshold_seconds"`
}

// Repository looks up a declared repository by id.
func (c *Config) Repository(id string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.ID == id {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// DefaultPath returns the config file path honouring ORCH_CONFIG_PATH.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DefaultBaseDirName, "config.json")
	}
	return filepath.Join(home, DefaultBaseDirName, "config.json")
}

// setDefaults registers fallback values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("spawner.command", "claude")
	v.SetDefault("spawner.pty_cols", 200)
	v.SetDefault("spawner.pty_rows", 50)
	v.SetDefault("spawner.ready_marker", "✻")
	v.SetDefault("spawner.pids_limit", 512)
	v.SetDefault("spawner.memory", "4g")
	v.SetDefault("spawner.cpus", "2")
	v.SetDefault("loop.max_iterations", 10)
	v.SetDefault("loop.iteration_delay_ms", 5000)
	v.SetDefault("loop.poll_interval_ms", 5000)
	v.SetDefault("loop.promise.type", string(PromisePlanComplete))
	v.SetDefault("loop.promise.path", "IMPLEMENTATION_PLAN.md")
	v.SetDefault("loop.done_signal.type", string(DoneSignalStatus))
	v.SetDefault("loop.done_signal.status", "complete")
	v.SetDefault("loop.review.max_cycles", 3)
	v.SetDefault("loop.review.timeout_ms", 600000)
	v.SetDefault("server.addr", "localhost:4271")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("stale_threshold_seconds", 90)
}

// Load reads the config file at path (or DefaultPath when empty) and returns
// the typed configuration. A missing file yields defaults with no
// repositories; a malformed file is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			cfg := Config{}
			if decodeErr := v.Unmarshal(&cfg); decodeErr != nil {
				return Config{}, fmt.Errorf("decoding defaults: %w", decodeErr)
			}
			cfg.applyBaseDirFallback(path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	cfg.applyBaseDirFallback(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// applyBaseDirFallback derives BaseDir from the config file location when the
// file does not set it.
func (c *Config) applyBaseDirFallback(path string) {
	if c.BaseDir != "" {
		return
	}
	c.BaseDir = filepath.Dir(path)
}

// Validate checks structural invariants on the loaded config.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.ID == "" {
			return fmt.Errorf("repository with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate repository id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Root == "" {
			return fmt.Errorf("repository %q: root is required", r.ID)
		}
		if !filepath.IsAbs(r.Root) {
			return fmt.Errorf("repository %q: root must be absolute, got %q", r.ID, r.Root)
		}
		switch r.DefaultMode {
		case "", SpawnerHeadless, SpawnerPTY, SpawnerContainer:
		default:
			return fmt.Errorf("repository %q: unknown default_mode %q", r.ID, r.DefaultMode)
		}
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be >= 1, got %d", c.Loop.MaxIterations)
	}

	switch c.Loop.Promise.Type {
	case PromisePlanComplete, PromiseFile:
		if c.Loop.Promise.Path == "" {
			return fmt.Errorf("loop.promise.path is required for type %q", c.Loop.Promise.Type)
		}
	case PromiseTestsPass, PromiseCustom:
		if c.Loop.Promise.Command == "" {
			return fmt.Errorf("loop.promise.command is required for type %q", c.Loop.Promise.Type)
		}
	default:
		return fmt.Errorf("unknown loop.promise.type %q", c.Loop.Promise.Type)
	}

	switch c.Loop.DoneSignal.Type {
	case DoneSignalStatus:
		if c.Loop.DoneSignal.Status == "" {
			return fmt.Errorf("loop.done_signal.status is required for type %q", DoneSignalStatus)
		}
	case DoneSignalFile:
		if c.Loop.DoneSignal.Path == "" {
			return fmt.Errorf("loop.done_signal.path is required for type %q", DoneSignalFile)
		}
	case DoneSignalExitCode:
		return fmt.Errorf("loop.done_signal.type %q is reserved and not yet supported", DoneSignalExitCode)
	default:
		return fmt.Errorf("unknown loop.done_signal.type %q", c.Loop.DoneSignal.Type)
	}

	if c.Loop.Review.MaxCycles < 1 {
		return fmt.Errorf("loop.review.max_cycles must be >= 1, got %d", c.Loop.Review.MaxCycles)
	}

	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}

	return nil
}
