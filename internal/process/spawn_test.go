package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) add(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, string(b))
}

func (l *lines) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func TestSpawn_EchoOverStdin(t *testing.T) {
	proc, err := NewSpawnBuilder(context.Background()).
		WithName("echo").
		WithExecutable("/bin/sh", []string{"-c", `while read l; do echo "got:$l"; done`}).
		WithStdin(true).
		Build()
	require.NoError(t, err)
	defer proc.Stop()

	var out lines
	proc.StartReaders(out.add, nil)

	require.NoError(t, proc.WriteLine([]byte("one")))
	require.NoError(t, proc.WriteLine([]byte("two")))

	require.Eventually(t, func() bool { return len(out.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"got:one", "got:two"}, out.snapshot())
	require.Equal(t, StatusRunning, proc.Status())
}

func TestSpawn_StderrAndNaturalExit(t *testing.T) {
	proc, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "echo out; echo; echo problem >&2"}).
		Build()
	require.NoError(t, err)

	var out, errs lines
	proc.StartReaders(out.add, errs.add)

	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		require.Fail(t, "process did not exit")
	}
	require.NoError(t, proc.Wait())
	require.Equal(t, []string{"out"}, out.snapshot(), "blank lines are skipped")
	require.Equal(t, []string{"problem"}, errs.snapshot())
	require.Equal(t, StatusExited, proc.Status())
}

func TestSpawn_StopIsIdempotent(t *testing.T) {
	proc, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "sleep 30"}).
		WithStdin(true).
		Build()
	require.NoError(t, err)
	proc.StartReaders(nil, nil)

	proc.Stop()
	proc.Stop()
	require.Equal(t, StatusKilled, proc.Status())
	require.ErrorIs(t, proc.WriteLine([]byte("late")), ErrStdinClosed)
}

func TestSpawn_FilteredEnvironment(t *testing.T) {
	proc, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "env"}).
		WithEnviron(func() []string {
			return []string{"PATH=/usr/bin:/bin", "SECRET_TOKEN=x", "LANG=C.UTF-8"}
		}).
		WithEnv([]string{"TERM=dumb"}).
		Build()
	require.NoError(t, err)

	var out lines
	proc.StartReaders(out.add, nil)
	require.NoError(t, proc.Wait())

	joined := strings.Join(out.snapshot(), "\n")
	require.Contains(t, joined, "LANG=C.UTF-8")
	require.Contains(t, joined, "TERM=dumb")
	require.NotContains(t, joined, "SECRET_TOKEN")
}

func TestSpawn_TypedErrors(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).
		WithName("codex").
		WithExecutable("definitely-not-a-real-binary-4f2a", nil).
		Build()
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	_, err = NewSpawnBuilder(context.Background()).
		WithExecutable(filepath.Join(t.TempDir(), "missing"), nil).
		Build()
	require.True(t, IsNotFound(err))

	notExec := filepath.Join(t.TempDir(), "script")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))
	_, err = NewSpawnBuilder(context.Background()).WithExecutable(notExec, nil).Build()
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	require.True(t, se.PermissionDenied())
	require.False(t, se.NotFound())
}

func TestSpawn_RequiresExecutable(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).Build()
	require.ErrorContains(t, err, "executable path is required")
}
