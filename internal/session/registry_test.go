package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeBridge struct {
	mu         sync.Mutex
	running    bool
	dir        string
	sent       []string
	stops      int
	startErr   error
	resolved   []string
	interrupts int
}

func (b *fakeBridge) Start(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.running = true
	b.dir = dir
	return nil
}

func (b *fakeBridge) Send(input string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, input)
	return nil
}

func (b *fakeBridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.stops++
	return nil
}

func (b *fakeBridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *fakeBridge) die() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

func (b *fakeBridge) Interrupt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupts++
	return nil
}

func (b *fakeBridge) ResolvePermission(requestID string, allow bool, scope string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, requestID)
	return nil
}

func (b *fakeBridge) PendingPermissions() []string { return nil }

type spawnCounter struct {
	mu      sync.Mutex
	bridges []*fakeBridge
	agents  []Agent
	err     error
}

func (c *spawnCounter) factory(id string, agent Agent) (Bridge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	b := &fakeBridge{}
	c.bridges = append(c.bridges, b)
	c.agents = append(c.agents, agent)
	return b, nil
}

func (c *spawnCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bridges)
}

func (c *spawnCounter) last() *fakeBridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridges[len(c.bridges)-1]
}

type fakeTerminals struct {
	closed []string
}

func (f *fakeTerminals) Close(id string) error {
	f.closed = append(f.closed, id)
	return nil
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]Record{}} }

func (s *memStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) All(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func TestStart_SameDirIsIdempotent(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()

	require.NoError(t, r.Start("s1", dir))
	require.NoError(t, r.Start("s1", dir))
	require.NoError(t, r.Start("s1", dir+string(filepath.Separator)))

	require.Equal(t, 1, c.count())
	require.Equal(t, 0, c.last().stops)
}

func TestStart_DifferentDirRestarts(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	a, b := t.TempDir(), t.TempDir()

	require.NoError(t, r.Start("s1", a))
	first := c.last()
	require.NoError(t, r.Start("s1", b))

	require.Equal(t, 2, c.count())
	require.Equal(t, 1, first.stops)
	require.Equal(t, b, c.last().dir)

	dir, ok := r.ProjectDir("s1")
	require.True(t, ok)
	require.Equal(t, b, dir)
}

func TestStart_DeadBridgeRestartsInSameDir(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()

	require.NoError(t, r.Start("s1", dir))
	c.last().die()
	require.NoError(t, r.Start("s1", dir))
	require.Equal(t, 2, c.count())
}

func TestStart_BlankDirUsesWorkingDir(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory, WithWorkingDir(func() (string, error) { return "/work/here", nil }))

	require.NoError(t, r.Start("s1", "  "))
	require.Equal(t, "/work/here", c.last().dir)
}

func TestStart_PropertySpawnCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := &spawnCounter{}
		r := NewRegistry(c.factory)
		dirs := []string{"/p/a", "/p/b", "/p/c"}
		seq := rapid.SliceOfN(rapid.SampledFrom(dirs), 1, 20).Draw(t, "dirs")

		want := 0
		prev := ""
		for _, d := range seq {
			require.NoError(t, r.Start("s", d))
			if d != prev {
				want++
			}
			prev = d
		}
		require.Equal(t, want, c.count())
	})
}

func TestStartAgent_SwitchingAgentRestarts(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()

	require.NoError(t, r.Start("s1", dir))
	require.NoError(t, r.StartAgent("s1", dir, AgentClaude))
	require.NoError(t, r.Start("s1", dir))

	require.Equal(t, []Agent{AgentCodex, AgentClaude}, c.agents)
	info, ok := r.Get("s1")
	require.True(t, ok)
	require.Equal(t, AgentClaude, info.Agent)

	require.Error(t, r.StartAgent("s1", dir, Agent("gpt")))
}

func TestStart_FactoryErrorLeavesSessionStopped(t *testing.T) {
	c := &spawnCounter{err: errors.New("boom")}
	r := NewRegistry(c.factory)

	err := r.Start("s1", t.TempDir())
	require.ErrorContains(t, err, "boom")

	info, ok := r.Get("s1")
	require.True(t, ok)
	require.False(t, info.Running)
}

func TestSend_UnknownSession(t *testing.T) {
	r := NewRegistry((&spawnCounter{}).factory)
	err := r.Send("nope", "hi")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestSend_ForwardsToBridge(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	require.NoError(t, r.Start("s1", t.TempDir()))

	require.NoError(t, r.Send("s1", "hello"))
	require.NoError(t, r.Send("s1", "again"))
	require.Equal(t, []string{"hello", "again"}, c.last().sent)
	require.Equal(t, 1, c.count())
}

func TestSend_LazilyRestartsDeadBridge(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()
	require.NoError(t, r.Start("s1", dir))
	c.last().die()

	require.NoError(t, r.Send("s1", "hello"))
	require.Equal(t, 2, c.count())
	require.Equal(t, dir, c.last().dir)
	require.Equal(t, []string{"hello"}, c.last().sent)
}

func TestStop_KeepsEntryAndClosesTerminal(t *testing.T) {
	c := &spawnCounter{}
	terms := &fakeTerminals{}
	r := NewRegistry(c.factory, WithTerminals(terms))
	dir := t.TempDir()

	require.NoError(t, r.Start("s1", dir))
	require.NoError(t, r.AttachTerminal("s1", "term-1"))
	require.NoError(t, r.Stop("s1"))

	require.Equal(t, 1, c.last().stops)
	require.Equal(t, []string{"term-1"}, terms.closed)

	info, ok := r.Get("s1")
	require.True(t, ok)
	require.Equal(t, dir, info.Dir)
	require.False(t, info.Running)
	require.Empty(t, info.TerminalID)

	// Second stop and unknown ids are no-ops.
	require.NoError(t, r.Stop("s1"))
	require.NoError(t, r.Stop("ghost"))
	require.Equal(t, []string{"term-1"}, terms.closed)

	// A send after stop brings the bridge back in the remembered dir.
	require.NoError(t, r.Send("s1", "x"))
	require.Equal(t, dir, c.last().dir)
}

func TestRestart(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()

	require.ErrorIs(t, r.Restart("s1"), ErrUnknownSession)

	require.NoError(t, r.Start("s1", dir))
	first := c.last()
	require.NoError(t, r.Restart("s1"))

	require.Equal(t, 2, c.count())
	require.Equal(t, 1, first.stops)
	require.Equal(t, dir, c.last().dir)
	require.True(t, c.last().IsRunning())
}

func TestInterruptAndResolvePermission(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)

	require.ErrorIs(t, r.Interrupt("s1"), ErrUnknownSession)
	require.ErrorIs(t, r.ResolvePermission("s1", "p", true, ""), ErrUnknownSession)

	require.NoError(t, r.Start("s1", t.TempDir()))
	require.NoError(t, r.Interrupt("s1"))
	require.NoError(t, r.ResolvePermission("s1", "exec:a:b", true, "session"))
	require.Equal(t, 1, c.last().interrupts)
	require.Equal(t, []string{"exec:a:b"}, c.last().resolved)

	require.NoError(t, r.Stop("s1"))
	require.ErrorIs(t, r.Interrupt("s1"), ErrNoBridge)
}

func TestInterrupt_UnsupportedAgent(t *testing.T) {
	r := NewRegistry(func(string, Agent) (Bridge, error) { return &plainOnly{}, nil })
	require.NoError(t, r.Start("s1", t.TempDir()))
	require.ErrorIs(t, r.Interrupt("s1"), ErrUnsupported)
	require.ErrorIs(t, r.ResolvePermission("s1", "x", false, ""), ErrUnsupported)
}

// plainOnly hides the optional interfaces of fakeBridge.
type plainOnly struct{ b fakeBridge }

func (p *plainOnly) Start(dir string) error  { return p.b.Start(dir) }
func (p *plainOnly) Send(input string) error { return p.b.Send(input) }
func (p *plainOnly) Stop() error             { return p.b.Stop() }
func (p *plainOnly) IsRunning() bool         { return p.b.IsRunning() }

func TestList_SortedByID(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Start(id, dir))
	}
	got := r.List()
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "b", got[1].ID)
	require.Equal(t, "c", got[2].ID)
	for _, info := range got {
		require.True(t, info.Running)
	}

	r.StopAll()
	for _, info := range r.List() {
		require.False(t, info.Running)
	}
}

func TestStore_UpsertAndHydrate(t *testing.T) {
	store := newMemStore()
	c := &spawnCounter{}
	r := NewRegistry(c.factory, WithStore(store))
	dir := t.TempDir()

	require.NoError(t, r.StartAgent("s1", dir, AgentClaude))
	recs, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, dir, recs[0].Dir)
	require.Equal(t, AgentClaude, recs[0].Agent)
	require.False(t, recs[0].UpdatedAt.IsZero())

	// A fresh registry knows the session without running it.
	c2 := &spawnCounter{}
	r2 := NewRegistry(c2.factory, WithStore(store))
	require.NoError(t, r2.Hydrate(context.Background()))
	require.Equal(t, 0, c2.count())

	info, ok := r2.Get("s1")
	require.True(t, ok)
	require.Equal(t, dir, info.Dir)
	require.False(t, info.Running)

	require.NoError(t, r2.Send("s1", "resume"))
	require.Equal(t, 1, c2.count())
	require.Equal(t, []Agent{AgentClaude}, c2.agents)
	require.Equal(t, dir, c2.last().dir)
}

func TestForget_RemovesSessionAndRecord(t *testing.T) {
	store := newMemStore()
	c := &spawnCounter{}
	r := NewRegistry(c.factory, WithStore(store))
	require.NoError(t, r.Start("s1", t.TempDir()))

	require.NoError(t, r.Forget(context.Background(), "s1"))
	_, ok := r.Get("s1")
	require.False(t, ok)
	recs, _ := store.All(context.Background())
	require.Empty(t, recs)
	require.Equal(t, 1, c.last().stops)
	require.ErrorIs(t, r.Send("s1", "x"), ErrUnknownSession)
}

func TestRegistry_ConcurrentStartSpawnsOnce(t *testing.T) {
	c := &spawnCounter{}
	r := NewRegistry(c.factory)
	dir := t.TempDir()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Start("s1", dir)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, c.count())
}
