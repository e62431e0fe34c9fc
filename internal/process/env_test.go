package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestFilterEnv_AllowList(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin:/bin",
		"HOME=/home/u",
		"LC_CTYPE=UTF-8",
		"AWS_SECRET_ACCESS_KEY=nope",
		"HTTPS_PROXY=http://proxy:3128",
		"OPENAI_API_KEY=sk-test",
	}

	got := envMap(FilterEnv(environ, "/usr/bin/codex", nil))
	require.Equal(t, "/usr/bin:/bin", got["PATH"])
	require.Equal(t, "UTF-8", got["LC_CTYPE"])
	require.Equal(t, "http://proxy:3128", got["HTTPS_PROXY"])
	require.NotContains(t, got, "AWS_SECRET_ACCESS_KEY")
	require.NotContains(t, got, "OPENAI_API_KEY")

	got = envMap(FilterEnv(environ, "/usr/bin/codex", []string{"OPENAI_API_KEY"}))
	require.Equal(t, "sk-test", got["OPENAI_API_KEY"])
}

func TestFilterEnv_PrependsBinaryDir(t *testing.T) {
	environ := []string{"PATH=/usr/bin:/bin"}
	got := envMap(FilterEnv(environ, "/home/u/.nvm/versions/node/v20/bin/claude", nil))
	require.Equal(t, "/home/u/.nvm/versions/node/v20/bin:/usr/bin:/bin", got["PATH"])
}

func TestFilterEnv_PathElementMatchNotSubstring(t *testing.T) {
	environ := []string{"PATH=/opt/tools/bin2:/bin"}
	got := envMap(FilterEnv(environ, "/opt/tools/bin/x", nil))
	require.Equal(t, "/opt/tools/bin:/opt/tools/bin2:/bin", got["PATH"])
}

func TestFilterEnv_BareNameLeavesPath(t *testing.T) {
	got := envMap(FilterEnv([]string{"PATH=/bin"}, "codex", nil))
	require.Equal(t, "/bin", got["PATH"])

	got = envMap(FilterEnv(nil, "/opt/x/bin/codex", nil))
	require.Equal(t, "/opt/x/bin", got["PATH"])
}
