// Package config provides configuration types and defaults for banshee.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/banshee/internal/claude"
	"github.com/zjrosen/banshee/internal/codex"
	"github.com/zjrosen/banshee/internal/flags"
	"github.com/zjrosen/banshee/internal/handler"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/session"
	"github.com/zjrosen/banshee/internal/terminal"
	"github.com/zjrosen/banshee/internal/tracing"
)

// Config holds all configuration options for banshee.
type Config struct {
	DefaultAgent  string              `mapstructure:"default_agent"`
	Codex         CodexConfig         `mapstructure:"codex"`
	Claude        ClaudeConfig        `mapstructure:"claude"`
	Handlers      HandlersConfig      `mapstructure:"handlers"`
	Terminal      TerminalConfig      `mapstructure:"terminal"`
	Checkpoints   CheckpointsConfig   `mapstructure:"checkpoints"`
	Settings      SettingsConfig      `mapstructure:"settings"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Flags         map[string]bool     `mapstructure:"flags"`
}

// CodexConfig controls the Codex proto child.
type CodexConfig struct {
	Binary          string   `mapstructure:"binary"`
	Args            []string `mapstructure:"args"`
	FallbackRuntime string   `mapstructure:"fallback_runtime"` // runs fallback_script when binary is missing
	FallbackScript  string   `mapstructure:"fallback_script"`
	Model           string   `mapstructure:"model"`
	BaselineTokens  int64    `mapstructure:"baseline_tokens"`
	EnvKeys         []string `mapstructure:"env_keys"`
}

// ClaudeConfig controls the Claude stream-json child.
type ClaudeConfig struct {
	Binary    string        `mapstructure:"binary"`
	Model     string        `mapstructure:"model"` // empty lets the CLI choose
	EnvKeys   []string      `mapstructure:"env_keys"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// HandlersConfig locates the per-model handler scripts.
type HandlersConfig struct {
	// Dir holds <model>-handler.js scripts. Default: ~/.banshee/handlers
	Dir     string   `mapstructure:"dir"`
	Runtime string   `mapstructure:"runtime"`
	Models  []string `mapstructure:"models"`
	EnvKeys []string `mapstructure:"env_keys"`
}

// TerminalConfig controls pty shells and the transcript file.
type TerminalConfig struct {
	Shell          string `mapstructure:"shell"` // empty uses $SHELL
	Rows           uint16 `mapstructure:"rows"`
	Cols           uint16 `mapstructure:"cols"`
	TranscriptPath string `mapstructure:"transcript_path"`
}

// CheckpointsConfig controls the checkpoint store.
type CheckpointsConfig struct {
	// Dir is relative to the project root.
	Dir         string        `mapstructure:"dir"`
	GitCacheTTL time.Duration `mapstructure:"git_cache_ttl"`
	// Keep is the retention used by `banshee checkpoint clean` when no count is given.
	Keep int `mapstructure:"keep"`
}

// SettingsConfig locates the agent settings file.
type SettingsConfig struct {
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// SessionsConfig controls the persistent session index.
type SessionsConfig struct {
	// DBPath is the sqlite file. Empty disables persistence.
	DBPath string `mapstructure:"db_path"`
}

// NotificationsConfig controls the notification broker.
type NotificationsConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	MirrorLogs bool `mapstructure:"mirror_logs"` // forward log lines as "log" notifications
}

// Home returns ~/.banshee or empty string if home dir unavailable.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".banshee")
}

// DefaultSessionsDBPath returns ~/.banshee/sessions.db.
func DefaultSessionsDBPath() string {
	if h := Home(); h != "" {
		return filepath.Join(h, "sessions.db")
	}
	return ""
}

// DefaultHandlersDir returns ~/.banshee/handlers.
func DefaultHandlersDir() string {
	if h := Home(); h != "" {
		return filepath.Join(h, "handlers")
	}
	return ""
}

// DefaultTracesFilePath returns ~/.banshee/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	if h := Home(); h != "" {
		return filepath.Join(h, "traces", "traces.jsonl")
	}
	return ""
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	cx := codex.DefaultConfig()
	cl := claude.DefaultConfig()
	hd := handler.DefaultConfig(DefaultHandlersDir())

	transcript, _ := terminal.DefaultTranscriptPath()

	tr := tracing.DefaultConfig()
	tr.FilePath = DefaultTracesFilePath()

	return Config{
		DefaultAgent: string(session.AgentCodex),
		Codex: CodexConfig{
			Binary:          cx.Binary,
			Args:            cx.Args,
			FallbackRuntime: cx.FallbackRuntime,
			Model:           cx.DefaultModel,
			BaselineTokens:  cx.BaselineTokens,
			EnvKeys:         cx.EnvKeys,
		},
		Claude: ClaudeConfig{
			Binary:    cl.Binary,
			EnvKeys:   cl.EnvKeys,
			StopGrace: cl.StopGrace,
		},
		Handlers: HandlersConfig{
			Dir:     hd.Dir,
			Runtime: hd.Runtime,
			Models:  hd.Models,
			EnvKeys: hd.EnvKeys,
		},
		Terminal: TerminalConfig{
			Rows:           terminal.DefaultRows,
			Cols:           terminal.DefaultCols,
			TranscriptPath: transcript,
		},
		Checkpoints: CheckpointsConfig{
			Dir:         ".banshee/checkpoints",
			GitCacheTTL: 5 * time.Second,
			Keep:        20,
		},
		Settings: SettingsConfig{
			Watch:    true,
			Debounce: 250 * time.Millisecond,
		},
		Sessions: SessionsConfig{
			DBPath: DefaultSessionsDBPath(),
		},
		Notifications: NotificationsConfig{
			BufferSize: 256,
		},
		Tracing: tr,
		Flags:   flags.Defaults(),
	}
}

// Validate checks the configuration for errors.
// Empty values are valid and fall back to defaults.
func (c Config) Validate() error {
	if c.DefaultAgent != "" && !session.Agent(c.DefaultAgent).Valid() {
		return fmt.Errorf("default_agent must be \"codex\" or \"claude\", got %q", c.DefaultAgent)
	}
	if c.Codex.FallbackScript != "" && c.Codex.FallbackRuntime == "" {
		return fmt.Errorf("codex.fallback_runtime is required when codex.fallback_script is set")
	}
	if c.Codex.BaselineTokens < 0 {
		return fmt.Errorf("codex.baseline_tokens must not be negative, got %d", c.Codex.BaselineTokens)
	}
	if c.Claude.StopGrace < 0 {
		return fmt.Errorf("claude.stop_grace must not be negative, got %s", c.Claude.StopGrace)
	}
	if c.Handlers.Dir != "" && !filepath.IsAbs(c.Handlers.Dir) {
		return fmt.Errorf("handlers.dir must be an absolute path, got %q", c.Handlers.Dir)
	}
	if (c.Terminal.Rows == 0) != (c.Terminal.Cols == 0) {
		return fmt.Errorf("terminal.rows and terminal.cols must both be set or both be empty")
	}
	if c.Checkpoints.Dir != "" {
		if filepath.IsAbs(c.Checkpoints.Dir) {
			return fmt.Errorf("checkpoints.dir must be relative to the project root, got %q", c.Checkpoints.Dir)
		}
		if clean := filepath.Clean(c.Checkpoints.Dir); clean == ".." || len(clean) > 2 && clean[:3] == ".."+string(filepath.Separator) {
			return fmt.Errorf("checkpoints.dir must stay inside the project root, got %q", c.Checkpoints.Dir)
		}
	}
	if c.Checkpoints.Keep < 0 {
		return fmt.Errorf("checkpoints.keep must not be negative, got %d", c.Checkpoints.Keep)
	}
	if c.Notifications.BufferSize < 0 {
		return fmt.Errorf("notifications.buffer_size must not be negative, got %d", c.Notifications.BufferSize)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// Agent returns the configured default agent, falling back to codex.
func (c Config) Agent() session.Agent {
	if a := session.Agent(c.DefaultAgent); a.Valid() {
		return a
	}
	return session.AgentCodex
}

// CodexBridge returns the launch settings for codex bridges.
func (c Config) CodexBridge() codex.Config {
	out := codex.DefaultConfig()
	if c.Codex.Binary != "" {
		out.Binary = c.Codex.Binary
	}
	if len(c.Codex.Args) > 0 {
		out.Args = c.Codex.Args
	}
	if c.Codex.FallbackRuntime != "" {
		out.FallbackRuntime = c.Codex.FallbackRuntime
	}
	out.FallbackScript = c.Codex.FallbackScript
	if c.Codex.Model != "" {
		out.DefaultModel = c.Codex.Model
	}
	if c.Codex.BaselineTokens > 0 {
		out.BaselineTokens = c.Codex.BaselineTokens
	}
	if len(c.Codex.EnvKeys) > 0 {
		out.EnvKeys = c.Codex.EnvKeys
	}
	return out
}

// ClaudeBridge returns the launch settings for claude bridges.
func (c Config) ClaudeBridge() claude.Config {
	out := claude.DefaultConfig()
	if c.Claude.Binary != "" {
		out.Binary = c.Claude.Binary
	}
	out.Model = c.Claude.Model
	if len(c.Claude.EnvKeys) > 0 {
		out.EnvKeys = c.Claude.EnvKeys
	}
	if c.Claude.StopGrace > 0 {
		out.StopGrace = c.Claude.StopGrace
	}
	return out
}

// HandlerManager returns the settings for the model handler manager.
func (c Config) HandlerManager() handler.Config {
	dir := c.Handlers.Dir
	if dir == "" {
		dir = DefaultHandlersDir()
	}
	out := handler.DefaultConfig(dir)
	if c.Handlers.Runtime != "" {
		out.Runtime = c.Handlers.Runtime
	}
	if len(c.Handlers.Models) > 0 {
		out.Models = c.Handlers.Models
	}
	if len(c.Handlers.EnvKeys) > 0 {
		out.EnvKeys = c.Handlers.EnvKeys
	}
	return out
}

// TerminalManager returns the pty settings.
func (c Config) TerminalManager() terminal.Config {
	return terminal.Config{
		Shell: c.Terminal.Shell,
		Rows:  c.Terminal.Rows,
		Cols:  c.Terminal.Cols,
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Banshee Configuration

# Agent used by session.start when none is given: "codex" or "claude"
default_agent: codex

codex:
  binary: codex             # resolved via CODEX_BINARY_PATH, PATH, then well-known dirs
  args: [proto]
  # fallback_runtime: node  # used only when the binary cannot be found
  # fallback_script: /usr/local/lib/node_modules/@openai/codex/bin/codex.js
  # model: gpt-5.1-mini
  baseline_tokens: 12000

claude:
  binary: claude
  # model: sonnet
  stop_grace: 1s

handlers:
  # dir: ~/.banshee/handlers  # holds <model>-handler.js
  runtime: node
  models: [gemini, qwen, codex]

terminal:
  # shell: /bin/zsh         # defaults to $SHELL
  rows: 24
  cols: 80
  # transcript_path: ~/.banshee/terminal/session.json

checkpoints:
  dir: .banshee/checkpoints # relative to the project root
  git_cache_ttl: 5s
  keep: 20

settings:
  # path: ~/.config/claude/settings.json
  watch: true
  debounce: 250ms

# Session index; an empty db_path keeps sessions in memory only
# sessions:
#   db_path: ~/.banshee/sessions.db

notifications:
  buffer_size: 256
  mirror_logs: false

# Distributed tracing (disabled by default)
# tracing:
#   enabled: true
#   exporter: file          # none, file, stdout, otlp
#   file_path: ~/.banshee/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Feature flags
flags:
  session-persistence: true
  launch-fallback: true         # retry a missing codex binary through fallback_runtime
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
