package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/zjrosen/banshee/internal/log"
)

// CommandFactoryFunc creates an exec.Cmd. Tests use it to substitute a
// helper process for the real binary.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for spawning a child process with
// independently piped standard streams.
type SpawnBuilder struct {
	ctx            context.Context
	name           string
	execPath       string
	args           []string
	workDir        string
	environ        func() []string
	extraEnvKeys   []string
	env            []string
	needsStdin     bool
	needsStdout    bool
	needsStderr    bool
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder with the given context.
// Stdout and stderr are piped by default; stdin is not.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:         ctx,
		name:        "child",
		environ:     os.Environ,
		needsStdout: true,
		needsStderr: true,
	}
}

// WithName sets the name used in logs and errors.
func (b *SpawnBuilder) WithName(name string) *SpawnBuilder {
	b.name = name
	return b
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithEnvKeys forwards these variables in addition to the default allow-list.
func (b *SpawnBuilder) WithEnvKeys(keys []string) *SpawnBuilder {
	b.extraEnvKeys = keys
	return b
}

// WithEnv appends explicit "KEY=VALUE" entries after the filtered environment.
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithEnviron replaces the source environment (os.Environ by default).
func (b *SpawnBuilder) WithEnviron(fn func() []string) *SpawnBuilder {
	b.environ = fn
	return b
}

// WithStdin enables the stdin pipe.
func (b *SpawnBuilder) WithStdin(enabled bool) *SpawnBuilder {
	b.needsStdin = enabled
	return b
}

// WithStdout toggles the stdout pipe. Disabled streams are connected to the null device.
func (b *SpawnBuilder) WithStdout(enabled bool) *SpawnBuilder {
	b.needsStdout = enabled
	return b
}

// WithStderr toggles the stderr pipe.
func (b *SpawnBuilder) WithStderr(enabled bool) *SpawnBuilder {
	b.needsStderr = enabled
	return b
}

// WithCommandFactory sets a custom command factory for testing.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build creates the pipes and starts the process. Start failures are
// returned as *SpawnError; all created resources are released on error.
func (b *SpawnBuilder) Build() (*Process, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}

	procCtx, cancel := context.WithCancel(b.ctx)

	var cmd *exec.Cmd
	var stdin io.WriteCloser
	var stdout io.ReadCloser
	var stderr io.ReadCloser

	cleanup := func() {
		cancel()
		for _, c := range []io.Closer{stdin, stdout, stderr} {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- executable comes from the locator, args from typed options
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir

	env := FilterEnv(b.environ(), b.execPath, b.extraEnvKeys)
	env = append(env, b.env...)
	// Variables set by a command factory win over the filtered environment.
	cmd.Env = append(env, cmd.Env...)

	var err error
	if b.needsStdin {
		if stdin, err = cmd.StdinPipe(); err != nil {
			cleanup()
			return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
		}
	}
	if b.needsStdout {
		if stdout, err = cmd.StdoutPipe(); err != nil {
			cleanup()
			return nil, fmt.Errorf("spawn builder: failed to create stdout pipe: %w", err)
		}
	}
	if b.needsStderr {
		if stderr, err = cmd.StderrPipe(); err != nil {
			cleanup()
			return nil, fmt.Errorf("spawn builder: failed to create stderr pipe: %w", err)
		}
	}

	log.Debug(log.CatProcess, "Spawning process",
		"subsystem", b.name,
		"execPath", b.execPath,
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &SpawnError{Name: b.name, Path: b.execPath, Err: err}
	}

	log.Debug(log.CatProcess, "Process started",
		"subsystem", b.name,
		"pid", cmd.Process.Pid)

	return newProcess(procCtx, cancel, b.name, cmd, stdin, stdout, stderr), nil
}
