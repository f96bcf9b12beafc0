// Package config defines the shepherd configuration model: a JSON5 file with
// env-var overlays. Secrets (bot tokens, agent API keys) come from the
// environment only and are never written back to disk.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	DataDir   string          `json:"data_dir"`
	Channels  ChannelsConfig  `json:"channels"`
	Agent     AgentConfig     `json:"agent"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	IPC       IPCConfig       `json:"ipc"`
	Retention RetentionConfig `json:"retention"`

	// MainGroupFolder names the privileged group's folder. The agent running
	// for this folder may administer other groups via IPC.
	MainGroupFolder string `json:"main_group_folder"`

	// MainChatJID, when set, bootstraps the main group registration on first
	// start so the system is usable before any IPC registration.
	MainChatJID string `json:"main_jid,omitempty"`
}

// AssistantConfig controls the assistant identity and trigger word.
type AssistantConfig struct {
	// Name is the assistant's display name; the group trigger is "@{name}".
	Name string `json:"name"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // SHEPHERD_TELEGRAM_TOKEN
}

// AgentConfig configures the agent subprocess runner.
type AgentConfig struct {
	// Command is the agent binary; resolved against PATH.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// APIKey is forwarded to the agent inside the stdin payload, never via env.
	APIKey string `json:"api_key"` // SHEPHERD_AGENT_API_KEY

	MaxConcurrent  int      `json:"max_concurrent"`
	IdleTimeout    Duration `json:"idle_timeout"`
	Grace          Duration `json:"grace"`
	Timeout        Duration `json:"timeout"` // 0 = idle_timeout + grace
	MaxOutputBytes int64    `json:"max_output_bytes"`
}

// HardTimeout returns the effective hard timeout for a run.
func (a AgentConfig) HardTimeout() time.Duration {
	derived := a.IdleTimeout.Std() + a.Grace.Std()
	if cfg := a.Timeout.Std(); cfg > derived {
		return cfg
	}
	return derived
}

// QueueConfig configures GroupQueue retry behavior.
type QueueConfig struct {
	RetryBase  Duration `json:"retry_base"`
	MaxRetries int      `json:"max_retries"`
}

// SchedulerConfig configures the scheduled-task poller.
type SchedulerConfig struct {
	Tick Duration `json:"tick"`
	// Timezone for cron expressions, IANA name. Empty = process local time.
	Timezone string `json:"timezone"`
}

// IPCConfig configures the filesystem IPC watcher.
type IPCConfig struct {
	Tick Duration `json:"tick"`
	// MaxFilesPerTick caps files processed per directory per tick so a runaway
	// agent cannot monopolize the loop.
	MaxFilesPerTick int `json:"max_files_per_tick"`
}

// RetentionConfig configures the daily retention sweep.
type RetentionConfig struct {
	MessageDays int `json:"messages_days"`
	RunLogDays  int `json:"run_log_days"`
}

// Trigger returns the group trigger token, e.g. "@andy".
func (c *Config) Trigger() string {
	return "@" + c.Assistant.Name
}
