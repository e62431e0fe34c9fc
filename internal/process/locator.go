// Package process locates external CLI binaries and spawns them with piped
// standard streams and a filtered environment.
package process

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/zjrosen/banshee/internal/log"
)

// ErrNotFound is returned by Locator.Find when a binary could only be
// resolved to its bare name.
var ErrNotFound = errors.New("binary not found")

// Source records which lookup step resolved a binary.
type Source string

const (
	SourceEnv       Source = "env"
	SourcePath      Source = "path"
	SourceWellKnown Source = "well-known"
	SourceFallback  Source = "fallback"
)

// Resolution is the outcome of a lookup.
type Resolution struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Source Source `json:"source"`
}

// Found reports whether the binary resolved to an existing file.
func (r Resolution) Found() bool { return r.Source != SourceFallback }

// Locator resolves binary names to paths. It never caches, so a binary
// installed while the backend runs is picked up on the next launch.
type Locator struct {
	getenv   func(string) string
	lookPath func(string) (string, error)
	goos     string
}

// NewLocator returns a Locator backed by the real environment.
func NewLocator() *Locator {
	return &Locator{
		getenv:   os.Getenv,
		lookPath: exec.LookPath,
		goos:     runtime.GOOS,
	}
}

// EnvOverrideKey returns the variable that overrides the location of name,
// e.g. "claude" -> CLAUDE_BINARY_PATH.
func EnvOverrideKey(name string) string {
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return key + "_BINARY_PATH"
}

// Locate resolves name. Resolution order: environment override, PATH search,
// well-known install directories, and finally the bare name.
func (l *Locator) Locate(name string) Resolution {
	if override := l.getenv(EnvOverrideKey(name)); override != "" {
		if isRegularFile(override) {
			return Resolution{Name: name, Path: override, Source: SourceEnv}
		}
		log.Warn(log.CatProcess, "binary override does not point at a file",
			"name", name, "path", override)
	}

	if found, err := l.lookPath(name); err == nil && found != "" {
		if abs, err := filepath.Abs(found); err == nil {
			found = abs
		}
		if isRegularFile(found) {
			return Resolution{Name: name, Path: found, Source: SourcePath}
		}
	}

	for _, candidate := range l.Candidates(name) {
		if isRegularFile(candidate) {
			return Resolution{Name: name, Path: candidate, Source: SourceWellKnown}
		}
	}

	log.Debug(log.CatProcess, "binary unresolved, using bare name", "name", name)
	return Resolution{Name: name, Path: name, Source: SourceFallback}
}

// Find is Locate that fails with ErrNotFound instead of returning the bare name.
func (l *Locator) Find(name string) (string, error) {
	res := l.Locate(name)
	if !res.Found() {
		return "", ErrNotFound
	}
	return res.Path, nil
}

// Candidates lists the well-known paths checked for name, in order.
func (l *Locator) Candidates(name string) []string {
	var dirs []string
	switch l.goos {
	case "darwin":
		dirs = []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}
	case "windows":
		// PATH lookup is the only supported strategy on windows.
	default:
		dirs = []string{"/usr/local/bin", "/usr/bin", "/bin", "/home/linuxbrew/.linuxbrew/bin", "/snap/bin"}
	}

	if home := l.getenv("HOME"); home != "" {
		for _, rel := range []string{
			".claude/local",
			".local/bin",
			".npm-global/bin",
			".yarn/bin",
			".bun/bin",
			"bin",
		} {
			dirs = append(dirs, filepath.Join(home, rel))
		}
		dirs = append(dirs, nvmBinDirs(filepath.Join(home, ".nvm", "versions", "node"))...)
	}

	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, filepath.Join(d, name))
	}
	return out
}

// nvmBinDirs enumerates <root>/<version>/bin one level deep.
func nvmBinDirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name(), "bin"))
		}
	}
	return dirs
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
