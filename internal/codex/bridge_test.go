package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/process"
	"github.com/zjrosen/banshee/internal/tracing"
)

// TestHelperProcess is not a real test. It stands in for the codex binary
// when re-executed by helperFactory: it speaks the proto line format and
// echoes each submission back as an agent_message.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_CODEX_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	emit := func(id string, msg map[string]any) {
		line, _ := json.Marshal(map[string]any{"id": id, "msg": msg})
		fmt.Println(string(line))
	}

	fmt.Fprintln(os.Stderr, "helper ready")
	emit("", map[string]any{"type": "session_configured", "session_id": "helper", "model": "gpt-5-codex"})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var sub struct {
			ID string         `json:"id"`
			Op map[string]any `json:"op"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &sub); err != nil {
			fmt.Fprintln(os.Stderr, "bad submission:", err)
			continue
		}
		switch sub.Op["type"] {
		case "user_turn":
			emit(sub.ID, map[string]any{"type": "agent_message", "message": scanner.Text()})
			emit(sub.ID, map[string]any{
				"type":    "exec_approval_request",
				"call_id": "call_1",
				"command": []string{"make", "test"},
				"cwd":     sub.Op["cwd"],
			})
		case "exec_approval", "patch_approval":
			emit(sub.ID, map[string]any{"type": "agent_message", "message": scanner.Text()})
		case "interrupt":
			emit(sub.ID, map[string]any{"type": "turn_aborted", "reason": "interrupted"})
		}
	}
}

// helperFactory returns a command factory that runs TestHelperProcess in
// place of whatever executable the bridge asks for, counting invocations.
func helperFactory(calls *atomic.Int32) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		calls.Add(1)
		cs := append([]string{"-test.run=^TestHelperProcess$", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{"GO_WANT_CODEX_HELPER=1"}
		return cmd
	}
}

func startHelperBridge(t *testing.T) (*Bridge, *events.Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec := &events.Recorder{}
	var calls atomic.Int32
	b := NewBridge("s1", DefaultConfig(), WithEmitter(rec), WithCommandFactory(helperFactory(&calls)))
	require.NoError(t, b.Start(dir))
	t.Cleanup(func() { _ = b.Stop() })

	require.Eventually(t, func() bool { return b.Model() == "gpt-5-codex" }, 10*time.Second, 10*time.Millisecond)
	return b, rec, dir
}

// echoed returns the decoded submissions the helper reflected back.
func echoed(t *testing.T, rec *events.Recorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, n := range rec.OfType(events.TypeAssistantComplete) {
		var sub map[string]any
		require.NoError(t, json.Unmarshal([]byte(n.Text), &sub))
		out = append(out, sub)
	}
	return out
}

func waitForEchoes(t *testing.T, rec *events.Recorder, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rec.OfType(events.TypeAssistantComplete)) >= n
	}, 10*time.Second, 10*time.Millisecond)
	return echoed(t, rec)
}

func TestBridge_NotRunning(t *testing.T) {
	b := NewBridge("s1", DefaultConfig())
	require.ErrorIs(t, b.Send("hi"), ErrNotRunning)
	require.ErrorIs(t, b.Interrupt(), ErrNotRunning)
	require.NoError(t, b.Stop())
	require.False(t, b.IsRunning())
	require.Equal(t, StateIdle, b.State())
}

func TestBridge_SendWritesUserTurn(t *testing.T) {
	b, rec, dir := startHelperBridge(t)
	require.True(t, b.IsRunning())
	require.Equal(t, dir, b.ProjectDir())

	require.NoError(t, b.Send("list the files"))
	subs := waitForEchoes(t, rec, 1)

	op := subs[0]["op"].(map[string]any)
	require.Equal(t, "user_turn", op["type"])
	require.Equal(t, dir, op["cwd"])
	require.Equal(t, "on-request", op["approval_policy"])
	require.Equal(t, "gpt-5-codex", op["model"], "the model reported by the agent is reused")
	require.Equal(t, "auto", op["summary"])
	require.Equal(t, []any{map[string]any{"type": "text", "text": "list the files"}}, op["items"])
	sandbox := op["sandbox_policy"].(map[string]any)
	require.Equal(t, "workspace-write", sandbox["mode"])
	require.Equal(t, []any{dir}, sandbox["writable_roots"])

	require.Eventually(t, func() bool {
		return len(rec.OfType(events.TypeStderr)) > 0
	}, 10*time.Second, 10*time.Millisecond)
	stderr := rec.OfType(events.TypeStderr)[0]
	require.Equal(t, events.TopicCodexError, stderr.Topic)
	require.Equal(t, "helper ready", stderr.Message)
}

func TestBridge_ModelOverrideIsSticky(t *testing.T) {
	b, rec, _ := startHelperBridge(t)

	require.NoError(t, b.Send(`{"currentMessage":"one","model":"o4-mini","effort":"high","sandboxMode":"read-only"}`))
	require.NoError(t, b.Send(`{"currentMessage":"two"}`))
	subs := waitForEchoes(t, rec, 2)

	first := subs[0]["op"].(map[string]any)
	require.Equal(t, "o4-mini", first["model"])
	require.Equal(t, "high", first["effort"])
	require.Equal(t, map[string]any{"mode": "read-only"}, first["sandbox_policy"])

	second := subs[1]["op"].(map[string]any)
	require.Equal(t, "o4-mini", second["model"])
	require.NotContains(t, second, "effort")
	require.Equal(t, "o4-mini", b.Model())
}

func TestBridge_ResolvePermissionOnce(t *testing.T) {
	b, rec, _ := startHelperBridge(t)
	require.NoError(t, b.Send("run the tests"))

	require.Eventually(t, func() bool {
		return len(rec.OfType(events.TypePermissionRequest)) == 1
	}, 10*time.Second, 10*time.Millisecond)
	req := rec.OfType(events.TypePermissionRequest)[0]
	require.Equal(t, ".", req.Details["cwd"])
	require.Equal(t, "make test", req.Details["command"])
	require.Equal(t, []string{req.ID}, b.PendingPermissions())

	subID := echoed(t, rec)[0]["id"].(string)

	require.NoError(t, b.ResolvePermission(req.ID, true, "session"))
	err := b.ResolvePermission(req.ID, true, "session")
	require.ErrorIs(t, err, ErrUnknownPermission)
	require.Empty(t, b.PendingPermissions())

	subs := waitForEchoes(t, rec, 2)
	answer := subs[1]
	require.Regexp(t, `^approval-`, answer["id"])
	require.Equal(t, map[string]any{
		"type":     "exec_approval",
		"id":       subID,
		"decision": "approved_for_session",
	}, answer["op"])
}

func TestBridge_DenyAndUnknownPermission(t *testing.T) {
	b, rec, _ := startHelperBridge(t)
	require.ErrorIs(t, b.ResolvePermission("exec:nope:call", true, "once"), ErrUnknownPermission)

	require.NoError(t, b.Send("go"))
	require.Eventually(t, func() bool {
		return len(rec.OfType(events.TypePermissionRequest)) == 1
	}, 10*time.Second, 10*time.Millisecond)
	req := rec.OfType(events.TypePermissionRequest)[0]

	require.NoError(t, b.ResolvePermission(req.ID, false, "once"))
	subs := waitForEchoes(t, rec, 2)
	require.Equal(t, "denied", subs[1]["op"].(map[string]any)["decision"])
}

func TestBridge_InterruptPassesThroughAbort(t *testing.T) {
	b, rec, _ := startHelperBridge(t)
	require.NoError(t, b.Interrupt())

	require.Eventually(t, func() bool {
		return len(rec.OfType(events.TypeRaw)) == 1
	}, 10*time.Second, 10*time.Millisecond)
	var payload struct {
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.OfType(events.TypeRaw)[0].Payload, &payload))
	require.Equal(t, "turn_aborted", payload.Event["type"])
}

func TestBridge_StopIsIdempotent(t *testing.T) {
	b, _, _ := startHelperBridge(t)
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	require.False(t, b.IsRunning())
	require.ErrorIs(t, b.Send("late"), ErrNotRunning)
}

func TestBridge_StopDuringLaunchAbortsStart(t *testing.T) {
	var (
		b     *Bridge
		calls atomic.Int32
	)
	helper := helperFactory(&calls)
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if calls.Load() == 0 {
			require.NoError(t, b.Stop())
		}
		return helper(ctx, name, args...)
	}
	b = NewBridge("s1", DefaultConfig(), WithCommandFactory(factory))

	require.ErrorIs(t, b.Start(t.TempDir()), ErrStartAborted)
	require.Equal(t, StateIdle, b.State())
	require.False(t, b.IsRunning())
	require.ErrorIs(t, b.Send("hi"), ErrNotRunning)

	require.NoError(t, b.Start(t.TempDir()))
	t.Cleanup(func() { _ = b.Stop() })
	require.True(t, b.IsRunning())
	require.Equal(t, int32(2), calls.Load())
}

func TestBridge_RestartClearsSessionState(t *testing.T) {
	b, rec, dir := startHelperBridge(t)
	require.NoError(t, b.Send(`{"currentMessage":"x","model":"o4-mini"}`))
	require.Eventually(t, func() bool {
		return len(b.PendingPermissions()) == 1
	}, 10*time.Second, 10*time.Millisecond)

	rec.Reset()
	require.NoError(t, b.Start(dir))
	require.Empty(t, b.PendingPermissions())
	require.Eventually(t, func() bool { return b.Model() == "gpt-5-codex" }, 10*time.Second, 10*time.Millisecond)
	require.True(t, b.IsRunning())
}

func TestBridge_FallsBackToScriptRunner(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "codex.js")
	require.NoError(t, os.WriteFile(script, []byte("// runner\n"), 0o644))

	var helperCalls atomic.Int32
	helper := helperFactory(&helperCalls)
	var names []string
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		names = append(names, name)
		if len(names) == 1 {
			return exec.CommandContext(ctx, filepath.Join(dir, "missing", "codex"), args...)
		}
		require.Equal(t, append([]string{script}, "proto"), args)
		return helper(ctx, name, args...)
	}

	cfg := DefaultConfig()
	cfg.FallbackScript = script
	rec := &events.Recorder{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	b := NewBridge("s1", cfg, WithEmitter(rec), WithCommandFactory(factory), WithTracer(tp.Tracer("test")))
	require.NoError(t, b.Start(dir))
	defer b.Stop()

	require.Len(t, names, 2)
	require.Equal(t, int32(1), helperCalls.Load())

	var launches []sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		if s.Name() == tracing.SpanLaunch {
			launches = append(launches, s)
		}
	}
	require.Len(t, launches, 1)
	require.Len(t, launches[0].Events(), 1)
	require.Equal(t, tracing.EventFallbackLaunch, launches[0].Events()[0].Name)
	require.Eventually(t, func() bool { return b.Model() == "gpt-5-codex" }, 10*time.Second, 10*time.Millisecond)
}

func TestBridge_FallbackUnavailable(t *testing.T) {
	dir := t.TempDir()
	missing := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, filepath.Join(dir, "missing", "codex"), args...)
	}

	b := NewBridge("s1", DefaultConfig(), WithCommandFactory(missing))
	require.ErrorIs(t, b.Start(dir), ErrFallbackUnavailable)
	require.Equal(t, StateIdle, b.State())

	cfg := DefaultConfig()
	cfg.FallbackScript = filepath.Join(dir, "nope.js")
	b = NewBridge("s1", cfg, WithCommandFactory(missing))
	require.ErrorIs(t, b.Start(dir), ErrFallbackUnavailable)
}

func TestBridge_FallbackDisabled(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	missing := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		calls++
		return exec.CommandContext(ctx, filepath.Join(dir, "missing", "codex"), args...)
	}
	cfg := DefaultConfig()
	cfg.FallbackRuntime = ""

	b := NewBridge("s1", cfg, WithCommandFactory(missing))
	err := b.Start(dir)
	require.Error(t, err)
	require.True(t, process.IsNotFound(err))
	require.False(t, errors.Is(err, ErrFallbackUnavailable))
	require.Equal(t, 1, calls)
}

func TestBridge_NoFallbackForOtherSpawnErrors(t *testing.T) {
	dir := t.TempDir()
	notExecutable := filepath.Join(dir, "codex")
	require.NoError(t, os.WriteFile(notExecutable, []byte("data"), 0o644))

	calls := 0
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		calls++
		return exec.CommandContext(ctx, notExecutable, args...)
	}
	cfg := DefaultConfig()
	cfg.FallbackScript = notExecutable

	b := NewBridge("s1", cfg, WithCommandFactory(factory))
	err := b.Start(dir)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrFallbackUnavailable))
	require.Equal(t, 1, calls)
}
