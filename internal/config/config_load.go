package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30m"
// or from bare millisecond numbers.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON accepts "5s"-style strings or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON renders the duration as a string ("30m0s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name: "andy",
		},
		DataDir: "~/.shepherd",
		Agent: AgentConfig{
			Command:        "claude",
			MaxConcurrent:  5,
			IdleTimeout:    Duration(30 * time.Minute),
			Grace:          Duration(30 * time.Second),
			MaxOutputBytes: 10 << 20,
		},
		Queue: QueueConfig{
			RetryBase:  Duration(5 * time.Second),
			MaxRetries: 5,
		},
		Scheduler: SchedulerConfig{
			Tick: Duration(60 * time.Second),
		},
		IPC: IPCConfig{
			Tick:            Duration(time.Second),
			MaxFilesPerTick: 50,
		},
		Retention: RetentionConfig{
			MessageDays: 90,
			RunLogDays:  30,
		},
		MainGroupFolder: "main",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SHEPHERD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("SHEPHERD_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("SHEPHERD_DATA_DIR", &c.DataDir)
	envStr("SHEPHERD_ASSISTANT_NAME", &c.Assistant.Name)
	envStr("SHEPHERD_AGENT_COMMAND", &c.Agent.Command)
	envStr("SHEPHERD_TIMEZONE", &c.Scheduler.Timezone)
	envStr("SHEPHERD_MAIN_JID", &c.MainChatJID)

	if v := os.Getenv("SHEPHERD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SHEPHERD_IDLE_TIMEOUT"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Agent.IdleTimeout = Duration(dur)
		}
	}

	// Auto-enable the Telegram channel when a token is provided via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// StoreDir returns the directory holding messages.db.
func (c *Config) StoreDir() string { return ExpandHome(c.DataDir) }

// IPCDir returns the root of the filesystem IPC tree.
func (c *Config) IPCDir() string { return filepath.Join(ExpandHome(c.DataDir), "ipc") }

// GroupsDir returns the root of per-group agent workspaces.
func (c *Config) GroupsDir() string { return filepath.Join(ExpandHome(c.DataDir), "groups") }
