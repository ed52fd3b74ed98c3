// ABOUTME: Configuration loading and parsing for coven-swarm
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Log backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Tailer notification modes.
const (
	ModeInterval  = "interval"
	ModeSignal    = "signal"
	ModeFileWatch = "filewatch"
)

// Start positions for a fresh tailer.
const (
	StartBeginning = "beginning"
	StartEnd       = "end"
)

// Config represents the complete coven-swarm configuration
type Config struct {
	Log     LogConfig     `yaml:"log" toml:"log"`
	Runtime RuntimeConfig `yaml:"runtime" toml:"runtime"`
	Actions ActionsConfig `yaml:"actions" toml:"actions"`
	Emitter EmitterConfig `yaml:"emitter" toml:"emitter"`
	Agents  []AgentConfig `yaml:"agents" toml:"agents"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// LogConfig selects and tunes the event log backend
type LogConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Path     string `yaml:"path" toml:"path"`
	Sync     bool   `yaml:"sync" toml:"sync"`
	MaxBatch int    `yaml:"max_batch" toml:"max_batch"`
	// Capacity bounds the memory backend.
	Capacity int `yaml:"capacity" toml:"capacity"`

	BusyTimeout    time.Duration `yaml:"-" toml:"-"`
	BusyTimeoutRaw string        `yaml:"busy_timeout" toml:"busy_timeout"`
}

// RuntimeConfig holds agent runtime defaults
type RuntimeConfig struct {
	Mode            string       `yaml:"mode" toml:"mode"`
	Start           string       `yaml:"start" toml:"start"`
	ReadRetries     int          `yaml:"read_retries" toml:"read_retries"`
	EmitTransitions bool         `yaml:"emit_transitions" toml:"emit_transitions"`
	Dedupe          DedupeConfig `yaml:"dedupe" toml:"dedupe"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	ReadBackoff  time.Duration `yaml:"-" toml:"-"`
	ActionGrace  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	ReadBackoffRaw  string `yaml:"read_backoff" toml:"read_backoff"`
	ActionGraceRaw  string `yaml:"action_grace" toml:"action_grace"`
}

// DedupeConfig controls replay suppression by span ID
type DedupeConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	MaxSize int  `yaml:"max_size" toml:"max_size"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// ActionsConfig holds external command settings
type ActionsConfig struct {
	Dir       string   `yaml:"dir" toml:"dir"`
	Env       []string `yaml:"env" toml:"env"`
	MaxOutput int      `yaml:"max_output" toml:"max_output"`
	// MaxAsync bounds each agent's concurrently running asynchronous actions.
	MaxAsync int `yaml:"max_async" toml:"max_async"`

	Timeout time.Duration `yaml:"-" toml:"-"`
	Grace   time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
	GraceRaw   string `yaml:"grace" toml:"grace"`
}

// EmitterConfig holds span emission retry settings
type EmitterConfig struct {
	Retries int `yaml:"retries" toml:"retries"`

	Backoff    time.Duration `yaml:"-" toml:"-"`
	MaxBackoff time.Duration `yaml:"-" toml:"-"`

	BackoffRaw    string `yaml:"backoff" toml:"backoff"`
	MaxBackoffRaw string `yaml:"max_backoff" toml:"max_backoff"`
}

// AgentConfig declares one agent instance
type AgentConfig struct {
	Name string `yaml:"name" toml:"name"`
	Kind string `yaml:"kind" toml:"kind"`
	// Filter overrides the pack's prefix filter; an empty string disables it.
	Filter *string      `yaml:"filter" toml:"filter"`
	Start  string       `yaml:"start" toml:"start"`
	Hooks  []HookConfig `yaml:"hooks" toml:"hooks"`
}

// HookConfig attaches an action or emission to an agent
type HookConfig struct {
	Handler        string            `yaml:"handler" toml:"handler"`
	Trigger        string            `yaml:"trigger" toml:"trigger"`
	Name           string            `yaml:"name" toml:"name"`
	From           []string          `yaml:"from" toml:"from"`
	Next           string            `yaml:"next" toml:"next"`
	OnFailure      string            `yaml:"on_failure" toml:"on_failure"`
	Command        string            `yaml:"command" toml:"command"`
	Args           []string          `yaml:"args" toml:"args"`
	Async          bool              `yaml:"async" toml:"async"`
	ReportAs       string            `yaml:"report_as" toml:"report_as"`
	Emit           string            `yaml:"emit" toml:"emit"`
	EmitAttributes map[string]string `yaml:"emit_attributes" toml:"emit_attributes"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the path to the swarm config file.
// Priority: COVEN_SWARM_CONFIG env var > XDG_CONFIG_HOME/coven/swarm.yaml > ~/.config/coven/swarm.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_SWARM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "swarm.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "swarm.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes an already expanded document. format is "yaml" or "toml".
func Parse(doc, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(doc, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
// $${name} is left as ${name} so hook templates survive expansion.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$?\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Log.Backend == "" {
		c.Log.Backend = BackendFile
	}
	if c.Runtime.Mode == "" {
		c.Runtime.Mode = ModeInterval
	}
	if c.Runtime.Start == "" {
		c.Runtime.Start = StartBeginning
	}
	if c.Runtime.PollInterval == 0 {
		c.Runtime.PollInterval = 200 * time.Millisecond
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Agents {
		if c.Agents[i].Name == "" {
			c.Agents[i].Name = c.Agents[i].Kind
		}
		if c.Agents[i].Start == "" {
			c.Agents[i].Start = c.Runtime.Start
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Log.Backend {
	case BackendFile, BackendSQLite:
		if c.Log.Path == "" {
			return fmt.Errorf("log.path is required for the %s backend", c.Log.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("log.backend %q is not one of file, memory, sqlite", c.Log.Backend)
	}

	switch c.Runtime.Mode {
	case ModeInterval, ModeSignal:
	case ModeFileWatch:
		if c.Log.Backend != BackendFile {
			return fmt.Errorf("runtime.mode filewatch requires the file backend")
		}
	default:
		return fmt.Errorf("runtime.mode %q is not one of interval, signal, filewatch", c.Runtime.Mode)
	}

	if err := validStart("runtime.start", c.Runtime.Start); err != nil {
		return err
	}
	if c.Runtime.PollInterval < 0 {
		return fmt.Errorf("runtime.poll_interval must not be negative")
	}
	if c.Actions.MaxAsync < 0 {
		return fmt.Errorf("actions.max_async must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Kind == "" {
			return fmt.Errorf("agents[%d].kind is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if err := validStart(fmt.Sprintf("agents[%d].start", i), a.Start); err != nil {
			return err
		}
		for j, h := range a.Hooks {
			if (h.Handler == "") == (h.Trigger == "") {
				return fmt.Errorf("agents[%d].hooks[%d]: exactly one of handler or trigger is required", i, j)
			}
			if h.Command == "" && h.Emit == "" {
				return fmt.Errorf("agents[%d].hooks[%d]: command or emit is required", i, j)
			}
		}
	}

	return nil
}

func validStart(field, v string) error {
	if v != StartBeginning && v != StartEnd {
		return fmt.Errorf("%s %q is not one of beginning, end", field, v)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"log.busy_timeout", cfg.Log.BusyTimeoutRaw, &cfg.Log.BusyTimeout},
		{"runtime.poll_interval", cfg.Runtime.PollIntervalRaw, &cfg.Runtime.PollInterval},
		{"runtime.read_backoff", cfg.Runtime.ReadBackoffRaw, &cfg.Runtime.ReadBackoff},
		{"runtime.action_grace", cfg.Runtime.ActionGraceRaw, &cfg.Runtime.ActionGrace},
		{"runtime.dedupe.ttl", cfg.Runtime.Dedupe.TTLRaw, &cfg.Runtime.Dedupe.TTL},
		{"actions.timeout", cfg.Actions.TimeoutRaw, &cfg.Actions.Timeout},
		{"actions.grace", cfg.Actions.GraceRaw, &cfg.Actions.Grace},
		{"emitter.backoff", cfg.Emitter.BackoffRaw, &cfg.Emitter.Backoff},
		{"emitter.max_backoff", cfg.Emitter.MaxBackoffRaw, &cfg.Emitter.MaxBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for i := range cfg.Agents {
		for j := range cfg.Agents[i].Hooks {
			h := &cfg.Agents[i].Hooks[j]
			if h.TimeoutRaw == "" {
				continue
			}
			d, err := time.ParseDuration(h.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("parsing agents[%d].hooks[%d].timeout %q: %w", i, j, h.TimeoutRaw, err)
			}
			h.Timeout = d
		}
	}

	return nil
}
