package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/tracing"
)

type entry struct {
	// mu serializes lifecycle operations on one session so a slow start
	// never holds the registry lock.
	mu         sync.Mutex
	id         string
	dir        string
	agent      Agent
	terminalID string
	bridge     Bridge
	createdAt  time.Time
}

// Registry owns every session of the backend.
type Registry struct {
	factory      BridgeFactory
	terminals    TerminalCloser
	store        Store
	tracer       trace.Tracer
	defaultAgent Agent
	getwd        func() (string, error)
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithTerminals sets where attached terminals are released on Stop.
func WithTerminals(t TerminalCloser) Option {
	return func(r *Registry) { r.terminals = t }
}

// WithStore persists sessions.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithTracer sets the tracer for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithDefaultAgent sets the agent used when Start names none.
func WithDefaultAgent(a Agent) Option {
	return func(r *Registry) { r.defaultAgent = a }
}

// WithWorkingDir replaces os.Getwd for blank directories, for tests.
func WithWorkingDir(fn func() (string, error)) Option {
	return func(r *Registry) { r.getwd = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(factory BridgeFactory, opts ...Option) *Registry {
	r := &Registry{
		factory:      factory,
		tracer:       tracing.Noop(),
		defaultAgent: AgentCodex,
		getwd:        os.Getwd,
		now:          time.Now,
		sessions:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate loads persisted sessions without starting them. A later Send
// restarts the bridge lazily.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, ok := r.sessions[rec.ID]; ok {
			continue
		}
		agent := rec.Agent
		if !agent.Valid() {
			agent = r.defaultAgent
		}
		r.sessions[rec.ID] = &entry{id: rec.ID, dir: rec.Dir, agent: agent, createdAt: rec.CreatedAt}
	}
	log.Info(log.CatSession, "sessions hydrated", "count", len(recs))
	return nil
}

// Start starts the session's bridge in dir with its current agent (the
// default agent for a new session).
func (r *Registry) Start(id, dir string) error {
	return r.StartAgent(id, dir, "")
}

// StartAgent starts the session's bridge in dir. A repeated call with the
// same directory and agent while the bridge is live does nothing. Otherwise
// any existing bridge is stopped and a fresh one started.
func (r *Registry) StartAgent(id, dir string, agent Agent) error {
	abs, err := r.resolveDir(dir)
	if err != nil {
		return err
	}
	if agent != "" && !agent.Valid() {
		return fmt.Errorf("unknown agent %q", agent)
	}

	e := r.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if agent == "" {
		agent = e.agent
	}
	if e.bridge != nil && e.dir == abs && e.agent == agent && e.bridge.IsRunning() {
		log.Debug(log.CatSession, "session already running", "session", id, "dir", abs)
		return nil
	}

	e.dir = abs
	e.agent = agent
	if e.bridge != nil {
		if err := e.bridge.Stop(); err != nil {
			log.Warn(log.CatSession, "stopping previous bridge failed", "session", id, "error", err)
		}
		e.bridge = nil
	}

	if err := r.startLocked(e); err != nil {
		return err
	}
	r.persist(e)
	return nil
}

// startLocked creates and starts a bridge for e. e.mu must be held.
func (r *Registry) startLocked(e *entry) (err error) {
	_, span := r.tracer.Start(context.Background(), tracing.SpanSessionStart,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, e.id),
			attribute.String(tracing.AttrProjectDir, e.dir),
			attribute.String(tracing.AttrAgent, string(e.agent)),
		))
	defer func() { tracing.End(span, err) }()

	b, err := r.factory(e.id, e.agent)
	if err != nil {
		return fmt.Errorf("create %s bridge: %w", e.agent, err)
	}
	if err := b.Start(e.dir); err != nil {
		log.ErrorErr(log.CatSession, "session start failed", err, "session", e.id, "dir", e.dir)
		return err
	}
	e.bridge = b
	log.Info(log.CatSession, "session started", "session", e.id, "dir", e.dir, "agent", e.agent)
	return nil
}

// Send forwards input to the session's bridge, starting it again in the
// remembered directory when it is absent or has died.
func (r *Registry) Send(id, input string) (err error) {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	_, span := r.tracer.Start(context.Background(), tracing.SpanSessionSend,
		trace.WithAttributes(attribute.String(tracing.AttrSessionID, id)))
	defer func() { tracing.End(span, err) }()

	e.mu.Lock()
	if e.bridge == nil || !e.bridge.IsRunning() {
		span.AddEvent(tracing.EventLazyRestart)
		log.Info(log.CatSession, "restarting bridge for send", "session", id, "dir", e.dir)
		if e.bridge != nil {
			_ = e.bridge.Stop()
			e.bridge = nil
		}
		if err := r.startLocked(e); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	b := e.bridge
	e.mu.Unlock()

	if err := b.Send(input); err != nil {
		log.ErrorErr(log.CatSession, "send failed", err, "session", id)
		return err
	}
	log.Debug(log.CatSession, "message sent", "session", id, "bytes", len(input))
	return nil
}

// Stop stops the bridge and releases the terminal. The session itself and
// its directory are kept so Restart and Send can reuse them.
func (r *Registry) Stop(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.stopLocked(e)
}

func (r *Registry) stopLocked(e *entry) error {
	var firstErr error
	if e.bridge != nil {
		if err := e.bridge.Stop(); err != nil {
			firstErr = err
		}
		e.bridge = nil
	}
	if e.terminalID != "" && r.terminals != nil {
		if err := r.terminals.Close(e.terminalID); err != nil && firstErr == nil {
			firstErr = err
		}
		e.terminalID = ""
	}
	log.Info(log.CatSession, "session stopped", "session", e.id)
	return firstErr
}

// Restart stops the session and starts it again in its last directory.
func (r *Registry) Restart(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.stopLocked(e); err != nil {
		log.Warn(log.CatSession, "stop during restart failed", "session", id, "error", err)
	}
	if err := r.startLocked(e); err != nil {
		return err
	}
	r.persist(e)
	return nil
}

// Interrupt asks the session's agent to abort its current turn.
func (r *Registry) Interrupt(id string) error {
	b, err := r.bridge(id)
	if err != nil {
		return err
	}
	in, ok := b.(Interrupter)
	if !ok {
		return ErrUnsupported
	}
	return in.Interrupt()
}

// ResolvePermission answers a pending permission request of the session.
func (r *Registry) ResolvePermission(id, requestID string, allow bool, scope string) error {
	b, err := r.bridge(id)
	if err != nil {
		return err
	}
	ap, ok := b.(Approver)
	if !ok {
		return ErrUnsupported
	}
	return ap.ResolvePermission(requestID, allow, scope)
}

// AttachTerminal records the terminal owned by the session.
func (r *Registry) AttachTerminal(id, terminalID string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminalID = terminalID
	return nil
}

// ProjectDir returns the session's directory.
func (r *Registry) ProjectDir(id string) (string, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir, true
}

// Get returns a view of one session.
func (r *Registry) Get(id string) (Info, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// List returns every session sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Forget stops a session and removes it and its persisted record.
func (r *Registry) Forget(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	err := r.stopLocked(e)
	e.mu.Unlock()
	if r.store != nil {
		if dErr := r.store.Delete(ctx, id); dErr != nil && err == nil {
			err = dErr
		}
	}
	return err
}

// StopAll stops every session.
func (r *Registry) StopAll() {
	for _, info := range r.List() {
		_ = r.Stop(info.ID)
	}
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:         e.id,
		Dir:        e.dir,
		Agent:      e.agent,
		TerminalID: e.terminalID,
		Running:    e.bridge != nil && e.bridge.IsRunning(),
	}
}

func (r *Registry) bridge(id string) (Bridge, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bridge == nil {
		return nil, ErrNoBridge
	}
	return e.bridge, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *Registry) getOrCreate(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		e = &entry{id: id, agent: r.defaultAgent, createdAt: r.now()}
		r.sessions[id] = e
	}
	return e
}

func (r *Registry) resolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		wd, err := r.getwd()
		if err != nil {
			return "", fmt.Errorf("resolve current directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", dir, err)
	}
	return abs, nil
}

// persist records e in the store. Failures are logged; the in-memory
// session stays authoritative.
func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}
	rec := Record{ID: e.id, Dir: e.dir, Agent: e.agent, CreatedAt: e.createdAt, UpdatedAt: r.now()}
	if err := r.store.Upsert(context.Background(), rec); err != nil {
		log.ErrorErr(log.CatSession, "persist session failed", err, "session", e.id)
	}
}
