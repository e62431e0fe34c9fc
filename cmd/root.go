package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/banshee/internal/config"
	"github.com/zjrosen/banshee/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "banshee",
	Short: "Backend for the banshee coding agent desktop app",
	Long: `banshee supervises coding agent processes (Codex, Claude), per-model
handler scripts and pty shells, and keeps file checkpoints so agent edits
can be rolled back.

The desktop frontend talks to it through 'banshee serve'. The other
commands inspect the same state from a shell.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/banshee/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also BANSHEE_DEBUG=1)")
}

func initConfig() {
	workDir, _ := os.Getwd()
	home, _ := os.UserHomeDir()

	loaded, used, err := loadConfig(viper.GetViper(), cfgFile, workDir, home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	cfg = loaded
	if used != "" {
		log.Debug(log.CatConfig, "config loaded", "path", used)
	}
}

// loadConfig reads configuration into v and returns it with the file used.
//
// Lookup order:
//  1. explicit path (--config)
//  2. .banshee/config.yaml in workDir
//  3. ~/.config/banshee/config.yaml
//
// When no file exists a default one is written to the user location.
// BANSHEE_* environment variables override file values.
func loadConfig(v *viper.Viper, explicit, workDir, home string) (config.Config, string, error) {
	setDefaults(v, config.Defaults())

	v.SetEnvPrefix("BANSHEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	userPath := ""
	if home != "" {
		userPath = filepath.Join(home, ".config", "banshee", "config.yaml")
	}
	projectPath := filepath.Join(workDir, ".banshee", "config.yaml")

	switch {
	case explicit != "":
		v.SetConfigFile(explicit)
	case fileExists(projectPath):
		v.SetConfigFile(projectPath)
	case userPath != "" && fileExists(userPath):
		v.SetConfigFile(userPath)
	case userPath != "":
		if err := config.WriteDefaultConfig(userPath); err != nil {
			log.Warn(log.CatConfig, "could not write default config", "path", userPath, "error", err)
		} else {
			v.SetConfigFile(userPath)
		}
	}

	var readErr error
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && v.ConfigFileUsed() != "" {
			readErr = fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var out config.Config
	if err := v.Unmarshal(&out); err != nil {
		return config.Defaults(), "", fmt.Errorf("decoding config: %w", err)
	}
	if readErr != nil {
		return out, "", readErr
	}
	return out, v.ConfigFileUsed(), nil
}

// setDefaults registers every default so env overrides bind to known keys.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("default_agent", d.DefaultAgent)

	v.SetDefault("codex.binary", d.Codex.Binary)
	v.SetDefault("codex.args", d.Codex.Args)
	v.SetDefault("codex.fallback_runtime", d.Codex.FallbackRuntime)
	v.SetDefault("codex.fallback_script", d.Codex.FallbackScript)
	v.SetDefault("codex.model", d.Codex.Model)
	v.SetDefault("codex.baseline_tokens", d.Codex.BaselineTokens)
	v.SetDefault("codex.env_keys", d.Codex.EnvKeys)

	v.SetDefault("claude.binary", d.Claude.Binary)
	v.SetDefault("claude.model", d.Claude.Model)
	v.SetDefault("claude.env_keys", d.Claude.EnvKeys)
	v.SetDefault("claude.stop_grace", d.Claude.StopGrace)

	v.SetDefault("handlers.dir", d.Handlers.Dir)
	v.SetDefault("handlers.runtime", d.Handlers.Runtime)
	v.SetDefault("handlers.models", d.Handlers.Models)
	v.SetDefault("handlers.env_keys", d.Handlers.EnvKeys)

	v.SetDefault("terminal.shell", d.Terminal.Shell)
	v.SetDefault("terminal.rows", d.Terminal.Rows)
	v.SetDefault("terminal.cols", d.Terminal.Cols)
	v.SetDefault("terminal.transcript_path", d.Terminal.TranscriptPath)

	v.SetDefault("checkpoints.dir", d.Checkpoints.Dir)
	v.SetDefault("checkpoints.git_cache_ttl", d.Checkpoints.GitCacheTTL)
	v.SetDefault("checkpoints.keep", d.Checkpoints.Keep)

	v.SetDefault("settings.path", d.Settings.Path)
	v.SetDefault("settings.watch", d.Settings.Watch)
	v.SetDefault("settings.debounce", d.Settings.Debounce)

	v.SetDefault("sessions.db_path", d.Sessions.DBPath)

	v.SetDefault("notifications.buffer_size", d.Notifications.BufferSize)
	v.SetDefault("notifications.mirror_logs", d.Notifications.MirrorLogs)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("flags", d.Flags)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// initLogging enables file logging when --debug, BANSHEE_DEBUG or
// BANSHEE_LOG is set. The returned cleanup is always safe to call.
func initLogging(prefix string) (func(), error) {
	logPath := os.Getenv("BANSHEE_LOG")
	debug := os.Getenv("BANSHEE_DEBUG") != "" || debugFlag || logPath != ""
	if !debug {
		return func() {}, nil
	}
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.InitWithTeaLog(logPath, prefix)
	if err != nil {
		return func() {}, fmt.Errorf("initializing logging: %w", err)
	}
	if lvl := os.Getenv("BANSHEE_LOG_LEVEL"); lvl != "" {
		log.SetMinLevel(log.ParseLevel(lvl))
	}
	log.Info(log.CatConfig, "banshee starting", "version", version, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
