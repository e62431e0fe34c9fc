package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/config"
	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/flags"
	"github.com/zjrosen/banshee/internal/session"
	"github.com/zjrosen/banshee/internal/terminal"
)

type stubBridge struct {
	mu      sync.Mutex
	agent   session.Agent
	dir     string
	running bool
	sent    []string
}

func (b *stubBridge) Start(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dir, b.running = dir, true
	return nil
}

func (b *stubBridge) Send(input string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, input)
	return nil
}

func (b *stubBridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	return nil
}

func (b *stubBridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

type stubFactory struct {
	mu      sync.Mutex
	bridges []*stubBridge
}

func (f *stubFactory) New(_ string, agent session.Agent) (session.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &stubBridge{agent: agent}
	f.bridges = append(f.bridges, b)
	return b, nil
}

func (f *stubFactory) last() *stubBridge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridges[len(f.bridges)-1]
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults()
	cfg.Sessions.DBPath = filepath.Join(home, "sessions.db")
	cfg.Settings.Path = filepath.Join(home, "settings.json")
	cfg.Settings.Watch = false
	cfg.Terminal.TranscriptPath = filepath.Join(home, "terminal", "session.json")
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Handlers.Dir = filepath.Join(home, "handlers")
	cfg.Tracing.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, f *stubFactory) *App {
	t.Helper()
	wd := t.TempDir()
	a, err := New(context.Background(), cfg,
		WithBridgeFactory(f.New),
		WithWorkingDir(func() (string, error) { return wd, nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultAgent = "gemini"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")
}

func TestApp_SessionLifecycle(t *testing.T) {
	f := &stubFactory{}
	a := newTestApp(t, testConfig(t), f)
	dir := t.TempDir()

	require.NoError(t, a.StartSession("s1", dir, ""))
	require.NoError(t, a.SendMessage("s1", `{"currentMessage":"hi"}`))
	require.Equal(t, []string{`{"currentMessage":"hi"}`}, f.last().sent)
	require.Equal(t, session.AgentCodex, f.last().agent)

	list := a.ListSessions()
	require.Len(t, list, 1)
	require.Equal(t, "s1", list[0].ID)
	require.True(t, list[0].Running)

	require.ErrorIs(t, a.InterruptSession("s1"), session.ErrUnsupported)

	require.NoError(t, a.StopSession("s1"))
	require.False(t, a.ListSessions()[0].Running)

	require.ErrorIs(t, a.SendMessage("ghost", "x"), session.ErrUnknownSession)
}

func TestApp_SessionsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	f1 := &stubFactory{}
	a1 := newTestApp(t, cfg, f1)
	require.NoError(t, a1.StartSession("s1", dir, session.AgentClaude))
	require.NoError(t, a1.Close())

	f2 := &stubFactory{}
	a2 := newTestApp(t, cfg, f2)
	list := a2.ListSessions()
	require.Len(t, list, 1)
	require.False(t, list[0].Running)

	require.NoError(t, a2.SendMessage("s1", "resume"))
	b := f2.last()
	require.Equal(t, session.AgentClaude, b.agent)
	require.Equal(t, []string{"resume"}, b.sent)
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	require.Equal(t, abs, b.dir)
}

func TestApp_PersistenceFlagOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags = map[string]bool{flags.FlagSessionPersistence: false}

	a1 := newTestApp(t, cfg, &stubFactory{})
	require.NoError(t, a1.StartSession("s1", t.TempDir(), session.AgentClaude))
	require.NoError(t, a1.Close())
	require.NoFileExists(t, cfg.Sessions.DBPath)

	a2 := newTestApp(t, cfg, &stubFactory{})
	require.Empty(t, a2.ListSessions())
}

func TestApp_CheckpointsUseSessionDir(t *testing.T) {
	f := &stubFactory{}
	a := newTestApp(t, testConfig(t), f)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, a.StartSession("s1", dir, ""))

	meta, err := a.SaveCheckpoint(ctx, "s1", "cp1", []checkpoint.FileSnapshot{
		{Path: "main.go", OriginalContent: "package a\n", CurrentContent: "package b\n"},
	}, "edit")
	require.NoError(t, err)
	require.Equal(t, 1, meta.FileCount)
	require.DirExists(t, filepath.Join(dir, ".banshee", "checkpoints", "cp1"))

	require.NoError(t, a.RestoreCheckpoint(ctx, "s1", "cp1", checkpoint.ModeOriginal))
	got, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	require.Equal(t, "package a\n", string(got))

	diff, err := a.CheckpointDiff("s1", "cp1", "main.go")
	require.NoError(t, err)
	require.Contains(t, diff, "-package a")
	require.Contains(t, diff, "+package b")

	list, err := a.ListCheckpoints("s1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	keep := 0
	removed, err := a.CleanCheckpoints(ctx, "s1", &keep)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestApp_TerminalAttachedToSession(t *testing.T) {
	f := &stubFactory{}
	a := newTestApp(t, testConfig(t), f)
	dir := t.TempDir()
	require.NoError(t, a.StartSession("s1", dir, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exits := a.Subscribe(ctx, events.TerminalExit("t1"))

	require.NoError(t, a.CreateTerminal("t1", "", "s1"))
	info, ok := a.sessions.Get("s1")
	require.True(t, ok)
	require.Equal(t, "t1", info.TerminalID)

	require.NoError(t, a.StopSession("s1"))
	select {
	case ev := <-exits:
		require.Equal(t, events.TypeTerminalExit, ev.Payload.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal did not exit with its session")
	}
	require.ErrorIs(t, a.WriteTerminal("t1", "ls\n"), terminal.ErrTerminalNotFound)
}

func TestApp_TerminalTranscript(t *testing.T) {
	a := newTestApp(t, testConfig(t), &stubFactory{})

	tr, err := a.LoadTerminalSession()
	require.NoError(t, err)
	require.Nil(t, tr)

	require.NoError(t, a.SaveTerminalSession([]terminal.Entry{{Command: "ls", Output: "a\n", ExitCode: 0}}, "/tmp", []string{"ls"}))
	tr, err = a.LoadTerminalSession()
	require.NoError(t, err)
	require.Equal(t, "/tmp", tr.WorkingDir)
	require.Len(t, tr.Entries, 1)

	require.NoError(t, a.ClearTerminalSession())
	tr, err = a.LoadTerminalSession()
	require.NoError(t, err)
	require.Nil(t, tr)
}

func TestApp_Settings(t *testing.T) {
	a := newTestApp(t, testConfig(t), &stubFactory{})

	obj, err := a.LoadSettings()
	require.NoError(t, err)
	require.Empty(t, obj)

	require.NoError(t, a.SaveSettings(map[string]any{"model": "opus"}))
	obj, err = a.LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "opus", obj["model"])
}

func TestApp_ExecuteCommandInSessionDir(t *testing.T) {
	f := &stubFactory{}
	a := newTestApp(t, testConfig(t), f)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "here.txt"), nil, 0o644))
	require.NoError(t, a.StartSession("s1", dir, ""))

	out, err := a.ExecuteCommand(context.Background(), "s1", "ls")
	require.NoError(t, err)
	require.Contains(t, out, "here.txt")

	cwd, err := a.Cwd()
	require.NoError(t, err)
	out, err = a.ExecuteCommand(context.Background(), "", "pwd")
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(cwd)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, WithBridgeFactory((&stubFactory{}).New))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestApp_DefaultFactoryBuildsBridges(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.DBPath = ""
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	factory := a.newBridge(nil)
	b, err := factory("s1", session.AgentCodex)
	require.NoError(t, err)
	require.Implements(t, (*session.Approver)(nil), b)
	require.Implements(t, (*session.Interrupter)(nil), b)

	b, err = factory("s2", session.AgentClaude)
	require.NoError(t, err)
	require.False(t, b.IsRunning())

	_, err = factory("s3", "gemini")
	require.Error(t, err)
}
