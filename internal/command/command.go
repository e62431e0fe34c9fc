// Package command runs one-shot shell, git and codex commands on behalf of
// the frontend.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zjrosen/banshee/internal/git"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/process"
)

// Result is the outcome of RunCommand.
type Result struct {
	// Output is stdout followed by stderr.
	Output   string `json:"output"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Cwd is the working directory after the command; only cd changes it.
	Cwd string `json:"cwd"`
}

// Runner executes commands. The zero value is not usable; use NewRunner.
type Runner struct {
	shell          string
	commandFactory process.CommandFactoryFunc
	locator        *process.Locator
	git            *git.CLI
	codexBinary    string
	homeDir        func() (string, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandFactory replaces exec.CommandContext, for tests.
func WithCommandFactory(fn process.CommandFactoryFunc) Option {
	return func(r *Runner) { r.commandFactory = fn }
}

// WithLocator sets the locator used to resolve the codex binary.
func WithLocator(l *process.Locator) Option {
	return func(r *Runner) { r.locator = l }
}

// WithGit sets the git executor used by CloneRepo.
func WithGit(g *git.CLI) Option {
	return func(r *Runner) { r.git = g }
}

// WithCodexBinary overrides the codex binary name.
func WithCodexBinary(name string) Option {
	return func(r *Runner) { r.codexBinary = name }
}

// NewRunner creates a Runner that uses sh for shell commands.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		shell:          "sh",
		commandFactory: exec.CommandContext,
		locator:        process.NewLocator(),
		git:            git.NewCLI(""),
		codexBinary:    "codex",
		homeDir:        os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunCommand runs command in cwd. A bare "cd <dir>" is resolved here and
// changes Result.Cwd without spawning anything. An empty cwd is the
// process working directory.
func (r *Runner) RunCommand(ctx context.Context, cwd, command string) (Result, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		cwd = wd
	}

	trimmed := strings.TrimSpace(command)
	if trimmed == "cd" || strings.HasPrefix(trimmed, "cd ") {
		return r.changeDir(cwd, strings.TrimSpace(strings.TrimPrefix(trimmed, "cd"))), nil
	}

	stdout, stderr, code, err := r.run(ctx, cwd, r.shell, "-c", command)
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute command: %w", err)
	}
	return Result{
		Output:   stdout + stderr,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: code,
		Cwd:      cwd,
	}, nil
}

func (r *Runner) changeDir(cwd, target string) Result {
	var dest string
	switch {
	case target == "" || target == "~":
		home, err := r.homeDir()
		if err != nil {
			home = "."
		}
		dest = home
	case strings.HasPrefix(target, "~/"):
		home, err := r.homeDir()
		if err != nil {
			home = "."
		}
		dest = filepath.Join(home, target[2:])
	case filepath.IsAbs(target):
		dest = target
	default:
		dest = filepath.Join(cwd, target)
	}

	info, err := os.Stat(dest)
	if err != nil || !info.IsDir() {
		return Result{
			Output:   fmt.Sprintf("cd: no such file or directory: %s\n", target),
			Stderr:   fmt.Sprintf("cd: no such file or directory: %s\n", target),
			ExitCode: 1,
			Cwd:      cwd,
		}
	}
	if resolved, err := filepath.EvalSymlinks(dest); err == nil {
		dest = resolved
	}
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}
	return Result{Cwd: dest}
}

// ExecuteCommand runs command with sh -c in dir and returns stdout. A
// non-zero exit fails with stderr as the message.
func (r *Runner) ExecuteCommand(ctx context.Context, dir, command string) (string, error) {
	stdout, stderr, code, err := r.run(ctx, dir, r.shell, "-c", command)
	if err != nil {
		return "", fmt.Errorf("failed to execute command: %w", err)
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("command exited with status %d", code)
		}
		return "", errors.New(msg)
	}
	return stdout, nil
}

// CloneRepo makes a shallow clone of url into dest and returns dest.
func (r *Runner) CloneRepo(ctx context.Context, url, dest string) (string, error) {
	if url == "" || dest == "" {
		return "", errors.New("clone requires a url and a destination")
	}
	if err := r.git.Clone(ctx, url, dest, 1); err != nil {
		return "", err
	}
	return dest, nil
}

// CodexRepo runs `codex repo <args>`.
func (r *Runner) CodexRepo(ctx context.Context, args []string) (string, error) {
	return r.codex(ctx, "repo", args)
}

// CodexRun runs `codex run <args>`.
func (r *Runner) CodexRun(ctx context.Context, args []string) (string, error) {
	return r.codex(ctx, "run", args)
}

func (r *Runner) codex(ctx context.Context, sub string, args []string) (string, error) {
	res := r.locator.Locate(r.codexBinary)
	argv := append([]string{sub}, args...)

	stdout, stderr, code, err := r.run(ctx, "", res.Path, argv...)
	if err != nil {
		log.ErrorErr(log.CatProcess, "codex subcommand failed to start", err, "sub", sub, "path", res.Path)
		return "", fmt.Errorf("failed to spawn codex %s: %w", sub, err)
	}
	if code != 0 {
		if stderr == "" {
			return "", fmt.Errorf("codex %s failed", sub)
		}
		return "", errors.New(stderr)
	}
	return stdout, nil
}

// run executes name with args and returns the captured streams and exit
// code. err is only set when the command could not be run at all; the
// exit code is -1 when the process ended without one.
func (r *Runner) run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := r.commandFactory(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, err
		}
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return stdout.String(), stderr.String(), code, nil
}
