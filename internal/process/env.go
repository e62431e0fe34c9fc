package process

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// allowedEnvKeys are forwarded to every child so tools can be discovered
// without leaking the rest of the parent environment.
var allowedEnvKeys = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"LANG",
	"LC_ALL",
	"NODE_PATH",
	"NVM_DIR",
	"NVM_BIN",
	"HOMEBREW_PREFIX",
	"HOMEBREW_CELLAR",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
	"ALL_PROXY",
}

// IsAllowedEnvKey reports whether key is forwarded by default.
func IsAllowedEnvKey(key string) bool {
	return strings.HasPrefix(key, "LC_") || slices.Contains(allowedEnvKeys, key)
}

// FilterEnv keeps the entries of environ whose key is allowed by default or
// listed in extra, then prepends binaryPath's directory to PATH when it is
// not already an element of it.
func FilterEnv(environ []string, binaryPath string, extra []string) []string {
	out := make([]string, 0, len(allowedEnvKeys)+len(extra))
	pathIdx := -1
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !IsAllowedEnvKey(key) && !slices.Contains(extra, key) {
			continue
		}
		if key == "PATH" {
			pathIdx = len(out)
		}
		out = append(out, kv)
	}

	dir := binaryDir(binaryPath)
	if dir == "" {
		return out
	}
	if pathIdx < 0 {
		return append(out, "PATH="+dir)
	}
	current := strings.TrimPrefix(out[pathIdx], "PATH=")
	if !slices.Contains(filepath.SplitList(current), dir) {
		if current == "" {
			out[pathIdx] = "PATH=" + dir
		} else {
			out[pathIdx] = "PATH=" + dir + string(os.PathListSeparator) + current
		}
	}
	return out
}

// binaryDir returns the containing directory of a resolved path, or "" for a
// bare command name.
func binaryDir(path string) string {
	if path == "" || !strings.ContainsRune(path, filepath.Separator) {
		return ""
	}
	return filepath.Dir(path)
}
