package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	QueuePath     string `yaml:"queue_path"`
	SocketPath    string `yaml:"socket_path"`
	HeartbeatPath string `yaml:"heartbeat_path"`
	PIDPath       string `yaml:"pid_path"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	Target TargetConfig `yaml:"target"`
	Engine EngineConfig `yaml:"engine"`

	ConnectTimeout          time.Duration   `yaml:"connect_timeout"`
	CommandTimeout          time.Duration   `yaml:"command_timeout"`
	RetryBackoff            []time.Duration `yaml:"retry_backoff"`
	SurfaceDownWindow       time.Duration   `yaml:"surface_down_window"`
	SurfaceDownFailures     int             `yaml:"surface_down_failures"`
	SurfaceRecoverSuccesses int             `yaml:"surface_recover_successes"`
}

type TargetConfig struct {
	// Kind is "local" or "ssh".
	Kind          string `yaml:"kind"`
	ConnectionRef string `yaml:"connection_ref"`
	// Pane pins a tmux pane id (e.g. "%3"); when empty the first pane matching Match is used.
	Pane  string   `yaml:"pane"`
	Match []string `yaml:"match"`
}

type EngineConfig struct {
	FallbackInterval    time.Duration `yaml:"fallback_interval"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	ReadyPollInterval   time.Duration `yaml:"ready_poll_interval"`
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`
	FocusSettle         time.Duration `yaml:"focus_settle"`
	PasteSettle         time.Duration `yaml:"paste_settle"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ClearKeys           []string      `yaml:"clear_keys"`
}

func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		QueuePath:     filepath.Join(stateDir, "queue.db"),
		SocketPath:    defaultSocketPath(),
		HeartbeatPath: filepath.Join(stateDir, "heartbeat.json"),
		PIDPath:       filepath.Join(stateDir, "agtscout.pid"),
		LogLevel:      "info",
		LogFormat:     "console",
		Target: TargetConfig{
			Kind:  "local",
			Match: []string{"claude"},
		},
		Engine: EngineConfig{
			FallbackInterval:    5 * time.Second,
			SettleDelay:         500 * time.Millisecond,
			ReadyPollInterval:   1500 * time.Millisecond,
			ReadyTimeout:        60 * time.Second,
			FocusSettle:         300 * time.Millisecond,
			PasteSettle:         300 * time.Millisecond,
			ConfirmTimeout:      5 * time.Second,
			ConfirmPollInterval: 250 * time.Millisecond,
			HeartbeatInterval:   60 * time.Second,
			ClearKeys:           []string{"C-e", "C-u"},
		},
		ConnectTimeout:          3 * time.Second,
		CommandTimeout:          5 * time.Second,
		RetryBackoff:            []time.Duration{250 * time.Millisecond, 1 * time.Second},
		SurfaceDownWindow:       30 * time.Second,
		SurfaceDownFailures:     3,
		SurfaceRecoverSuccesses: 2,
	}
}

// Load returns DefaultConfig overlaid with the YAML file at path. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AGTSCOUT_* variables. A .env file in the
// working directory is loaded first when present; real environment wins.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("AGTSCOUT_QUEUE_PATH", &c.QueuePath)
	setString("AGTSCOUT_SOCKET", &c.SocketPath)
	setString("AGTSCOUT_HEARTBEAT_PATH", &c.HeartbeatPath)
	setString("AGTSCOUT_PID_PATH", &c.PIDPath)
	setString("AGTSCOUT_LOG_LEVEL", &c.LogLevel)
	setString("AGTSCOUT_LOG_FORMAT", &c.LogFormat)
	setString("AGTSCOUT_TARGET_KIND", &c.Target.Kind)
	setString("AGTSCOUT_TARGET_CONNECTION_REF", &c.Target.ConnectionRef)
	setString("AGTSCOUT_TARGET_PANE", &c.Target.Pane)
	if v, ok := os.LookupEnv("AGTSCOUT_TARGET_MATCH"); ok && strings.TrimSpace(v) != "" {
		c.Target.Match = splitList(v)
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AGTSCOUT_FALLBACK_INTERVAL", &c.Engine.FallbackInterval},
		{"AGTSCOUT_SETTLE_DELAY", &c.Engine.SettleDelay},
		{"AGTSCOUT_READY_TIMEOUT", &c.Engine.ReadyTimeout},
		{"AGTSCOUT_READY_POLL_INTERVAL", &c.Engine.ReadyPollInterval},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v, ok := os.LookupEnv("AGTSCOUT_SURFACE_DOWN_FAILURES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AGTSCOUT_SURFACE_DOWN_FAILURES: %w", err)
		}
		c.SurfaceDownFailures = n
	}
	return c.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.QueuePath) == "" {
		return fmt.Errorf("queue_path is required")
	}
	switch c.Target.Kind {
	case "local":
	case "ssh":
		if strings.TrimSpace(c.Target.ConnectionRef) == "" {
			return fmt.Errorf("target.connection_ref is required for ssh targets")
		}
	default:
		return fmt.Errorf("unsupported target.kind: %q", c.Target.Kind)
	}
	if c.Engine.FallbackInterval <= 0 {
		return fmt.Errorf("engine.fallback_interval must be positive")
	}
	if c.Engine.ReadyPollInterval <= 0 {
		return fmt.Errorf("engine.ready_poll_interval must be positive")
	}
	if c.Engine.ReadyTimeout < 0 {
		return fmt.Errorf("engine.ready_timeout must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agtscout"
	}
	return filepath.Join(home, ".local", "state", "agtscout")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agtscout", "agtscoutd.sock")
	}
	return filepath.Join(defaultStateDir(), "agtscoutd.sock")
}
