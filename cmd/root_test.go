package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfig_WritesDefaultWhenMissing(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()

	c, used, err := loadConfig(viper.New(), "", work, home)
	require.NoError(t, err)

	want := filepath.Join(home, ".config", "banshee", "config.yaml")
	require.Equal(t, want, used)
	require.FileExists(t, want)
	require.Equal(t, "codex", c.DefaultAgent)
	require.Equal(t, 20, c.Checkpoints.Keep)
	require.NoError(t, c.Validate())
}

func TestLoadConfig_ProjectFileWins(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(home, ".config", "banshee", "config.yaml"), "default_agent: codex\n")
	project := filepath.Join(work, ".banshee", "config.yaml")
	writeFile(t, project, "default_agent: claude\ncheckpoints:\n  keep: 3\n  git_cache_ttl: 2s\n")

	c, used, err := loadConfig(viper.New(), "", work, home)
	require.NoError(t, err)
	require.Equal(t, project, used)
	require.Equal(t, "claude", c.DefaultAgent)
	require.Equal(t, 3, c.Checkpoints.Keep)
	require.Equal(t, 2*time.Second, c.Checkpoints.GitCacheTTL)
	// untouched keys keep their defaults
	require.Equal(t, ".banshee/checkpoints", c.Checkpoints.Dir)
	require.Equal(t, 256, c.Notifications.BufferSize)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(work, ".banshee", "config.yaml"), "default_agent: codex\n")
	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, explicit, "default_agent: claude\n")

	c, used, err := loadConfig(viper.New(), explicit, work, home)
	require.NoError(t, err)
	require.Equal(t, explicit, used)
	require.Equal(t, "claude", c.DefaultAgent)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()
	t.Setenv("BANSHEE_DEFAULT_AGENT", "claude")
	t.Setenv("BANSHEE_CHECKPOINTS_KEEP", "7")

	c, _, err := loadConfig(viper.New(), "", work, home)
	require.NoError(t, err)
	require.Equal(t, "claude", c.DefaultAgent)
	require.Equal(t, 7, c.Checkpoints.Keep)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()
	explicit := filepath.Join(work, "broken.yaml")
	writeFile(t, explicit, "default_agent: [unterminated\n")

	_, _, err := loadConfig(viper.New(), explicit, work, home)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config")
}

func TestLoadConfig_NoHome(t *testing.T) {
	work := t.TempDir()

	c, used, err := loadConfig(viper.New(), "", work, "")
	require.NoError(t, err)
	require.Empty(t, used)
	require.Equal(t, "codex", c.DefaultAgent)
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "checkpoint", "sessions", "terminal", "locate", "config", "version"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestSetVersion(t *testing.T) {
	old := rootCmd.Version
	t.Cleanup(func() { SetVersion(old) })

	SetVersion("1.2.3 (commit: abc)")
	require.Equal(t, "1.2.3 (commit: abc)", rootCmd.Version)
	require.Equal(t, "1.2.3 (commit: abc)", version)
}
