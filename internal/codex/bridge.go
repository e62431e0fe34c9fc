// Package codex bridges a session to the Codex CLI in proto mode: one JSON
// submission per line on stdin, one JSON event per line on stdout.
package codex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/process"
	"github.com/zjrosen/banshee/internal/tracing"
)

var (
	// ErrNotRunning is returned when an operation needs a live child.
	ErrNotRunning = errors.New("codex process not running")
	// ErrUnknownPermission is returned when resolving an id that is not pending.
	ErrUnknownPermission = errors.New("unknown permission id")
	// ErrStartAborted is returned by Start when Stop ran while the child was
	// being launched.
	ErrStartAborted = errors.New("codex start aborted by stop")
	// ErrFallbackUnavailable is returned when the binary is missing and no
	// runner script is available.
	ErrFallbackUnavailable = errors.New("codex CLI script not found")
)

// DefaultModel is used until the agent reports or the user picks a model.
const DefaultModel = "gpt-5.1-mini"

// Config controls how the Codex child is launched.
type Config struct {
	// Binary is the logical name resolved through the locator.
	Binary string
	// Args follow the binary, e.g. ["proto"].
	Args []string
	// FallbackRuntime runs FallbackScript when Binary is missing.
	FallbackRuntime string
	FallbackScript  string
	DefaultModel    string
	BaselineTokens  int64
	// EnvKeys are forwarded in addition to the default allow-list.
	EnvKeys []string
}

// DefaultConfig returns the stock launch settings.
func DefaultConfig() Config {
	return Config{
		Binary:          "codex",
		Args:            []string{"proto"},
		FallbackRuntime: "node",
		DefaultModel:    DefaultModel,
		BaselineTokens:  DefaultBaselineTokens,
		EnvKeys:         []string{"OPENAI_API_KEY", "CODEX_HOME"},
	}
}

// Bridge owns one Codex child for a session.
type Bridge struct {
	sessionID      string
	cfg            Config
	emitter        events.Emitter
	locator        *process.Locator
	commandFactory process.CommandFactoryFunc
	tracer         trace.Tracer
	newID          func() string
	now            func() time.Time

	mu         sync.Mutex
	state      State
	proc       *process.Process
	projectDir string

	modelMu sync.Mutex
	model   string

	reasoning   *reasoningBuffers
	permissions *pendingPermissions
	edits       *pendingEdits
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithEmitter sets where notifications go.
func WithEmitter(e events.Emitter) Option {
	return func(b *Bridge) { b.emitter = e }
}

// WithLocator sets the binary locator.
func WithLocator(l *process.Locator) Option {
	return func(b *Bridge) { b.locator = l }
}

// WithCommandFactory substitutes process creation, for tests.
func WithCommandFactory(fn process.CommandFactoryFunc) Option {
	return func(b *Bridge) { b.commandFactory = fn }
}

// WithTracer sets the tracer used for submission spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) { b.tracer = t }
}

// WithIDGenerator replaces uuid generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) { b.newID = fn }
}

// NewBridge creates an idle bridge for sessionID.
func NewBridge(sessionID string, cfg Config, opts ...Option) *Bridge {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.BaselineTokens == 0 {
		cfg.BaselineTokens = DefaultBaselineTokens
	}
	b := &Bridge{
		sessionID:   sessionID,
		cfg:         cfg,
		emitter:     events.Discard,
		locator:     process.NewLocator(),
		tracer:      tracing.Noop(),
		newID:       func() string { return uuid.New().String() },
		now:         time.Now,
		reasoning:   newReasoningBuffers(),
		permissions: newPendingPermissions(),
		edits:       newPendingEdits(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches a child in dir, stopping any previous one and clearing all
// per-session state.
func (b *Bridge) Start(dir string) error {
	_ = b.Stop()

	b.mu.Lock()
	b.state = StateStarting
	b.projectDir = dir
	b.mu.Unlock()

	b.setModel("")
	b.reasoning.clear()
	b.permissions.clear()
	b.edits.clear()

	proc, err := b.launch(dir)
	if err != nil {
		b.mu.Lock()
		b.state = StateIdle
		b.mu.Unlock()
		return err
	}

	// Readers are attached before proc is visible so a concurrent Stop
	// always joins them.
	b.mu.Lock()
	proc.StartReaders(b.handleLine, b.handleStderr)
	if b.state != StateStarting {
		b.mu.Unlock()
		proc.Stop()
		return ErrStartAborted
	}
	b.proc = proc
	b.state = StateRunning
	b.mu.Unlock()

	log.Info(log.CatBridge, "codex started", "session", b.sessionID, "dir", dir, "pid", proc.PID())
	return nil
}

// launch spawns the binary, retrying once through the fallback runtime when
// the binary does not exist. Other spawn failures are returned as is.
func (b *Bridge) launch(dir string) (proc *process.Process, err error) {
	_, span := b.tracer.Start(context.Background(), tracing.SpanLaunch,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, b.sessionID),
			attribute.String(tracing.AttrProjectDir, dir),
		))
	defer func() { tracing.End(span, err) }()

	res := b.locator.Locate(b.cfg.Binary)
	proc, err = b.spawn(res.Path, b.cfg.Args, dir)
	if err == nil || !process.IsNotFound(err) {
		return proc, err
	}
	if b.cfg.FallbackRuntime == "" {
		return nil, err
	}

	log.Warn(log.CatBridge, "codex binary not found, falling back to script runner",
		"binary", res.Path, "runtime", b.cfg.FallbackRuntime)
	span.AddEvent(tracing.EventFallbackLaunch, trace.WithAttributes(
		attribute.String("binary", res.Path),
		attribute.String("runtime", b.cfg.FallbackRuntime),
	))

	script := b.cfg.FallbackScript
	if script == "" {
		return nil, fmt.Errorf("%w: no fallback script configured: %w", ErrFallbackUnavailable, err)
	}
	if _, statErr := os.Stat(script); statErr != nil {
		return nil, fmt.Errorf("%w at %q", ErrFallbackUnavailable, script)
	}
	runtime := b.locator.Locate(b.cfg.FallbackRuntime)
	args := append([]string{script}, b.cfg.Args...)
	return b.spawn(runtime.Path, args, dir)
}

func (b *Bridge) spawn(path string, args []string, dir string) (*process.Process, error) {
	builder := process.NewSpawnBuilder(context.Background()).
		WithName("codex").
		WithExecutable(path, args).
		WithWorkDir(dir).
		WithEnvKeys(b.cfg.EnvKeys).
		WithStdin(true)
	if b.commandFactory != nil {
		builder = builder.WithCommandFactory(b.commandFactory)
	}
	return builder.Build()
}

// Send submits a user turn. input is either a structured payload or bare text.
func (b *Bridge) Send(input string) error {
	proc, dir, err := b.running()
	if err != nil {
		return err
	}

	payload := ParseSendPayload(input)
	sub := Submission{
		ID: b.newID(),
		Op: UserTurn{
			Items:          payload.Items(),
			Cwd:            dir,
			ApprovalPolicy: ParseApprovalPolicy(payload.ApprovalPolicy),
			SandboxPolicy:  ParseSandboxPolicy(payload.SandboxMode, dir),
			Model:          b.resolveModel(payload.Model),
			Effort:         ParseEffort(payload.Effort),
			Summary:        payload.Summary(),
		},
	}

	b.reasoning.register(sub.ID)
	return b.write(proc, sub)
}

// resolveModel returns the override, persisting it as the session default,
// or the last known model, or the configured default.
func (b *Bridge) resolveModel(override *string) string {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	if override != nil && *override != "" {
		b.model = *override
		return b.model
	}
	if b.model != "" {
		return b.model
	}
	return b.cfg.DefaultModel
}

func (b *Bridge) setModel(model string) {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	b.model = model
}

// Model returns the last known model, or "" if none is known yet.
func (b *Bridge) Model() string {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	return b.model
}

// ResolvePermission answers a pending approval request. Each id can be
// resolved once; unknown ids fail without changing state.
func (b *Bridge) ResolvePermission(requestID string, allow bool, scope string) error {
	ctx, ok := b.permissions.take(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, requestID)
	}

	decision := DecisionDenied
	if allow {
		decision = DecisionApproved
		if scope == "session" || scope == "project" {
			decision = DecisionApprovedForSession
		}
	}

	var sub Submission
	switch ctx.kind {
	case PermissionPatch:
		sub = Submission{ID: "patch-" + b.newID(), Op: PatchApproval{ID: ctx.submissionID, Decision: decision}}
	default:
		sub = Submission{ID: "approval-" + b.newID(), Op: ExecApproval{ID: ctx.submissionID, Decision: decision}}
	}

	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	return b.write(proc, sub)
}

// PendingPermissions lists unanswered permission ids.
func (b *Bridge) PendingPermissions() []string { return b.permissions.ids() }

// Interrupt asks the agent to abort its current task. The agent may ignore it.
func (b *Bridge) Interrupt() error {
	proc, _, err := b.running()
	if err != nil {
		return err
	}
	return b.write(proc, Submission{ID: b.newID(), Op: Interrupt{}})
}

// Stop kills the child and joins its readers. Safe to call repeatedly.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	if proc == nil {
		b.state = StateIdle
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	b.mu.Unlock()

	proc.Stop()

	b.mu.Lock()
	b.state = StateIdle
	b.mu.Unlock()
	log.Info(log.CatBridge, "codex stopped", "session", b.sessionID)
	return nil
}

// IsRunning reports whether the bridge has a child that has not exited.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning && b.proc != nil && !b.proc.Status().IsTerminal()
}

// State returns the lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ProjectDir returns the directory the bridge was last started in.
func (b *Bridge) ProjectDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.projectDir
}

func (b *Bridge) running() (*process.Process, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning || b.proc == nil {
		return nil, "", ErrNotRunning
	}
	return b.proc, b.projectDir, nil
}

func (b *Bridge) write(proc *process.Process, sub Submission) error {
	_, span := b.tracer.Start(context.Background(), tracing.SpanSubmit,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, b.sessionID),
			attribute.String(tracing.AttrSubmissionID, sub.ID),
			attribute.String(tracing.AttrOpType, sub.Op.OpType()),
		))

	line, err := sub.Encode()
	if err == nil {
		err = proc.WriteLine(line)
	}
	tracing.End(span, err)

	if err != nil {
		log.ErrorErr(log.CatBridge, "submission failed", err, "session", b.sessionID, "op", sub.Op.OpType())
		return err
	}
	log.Debug(log.CatBridge, "submission written", "session", b.sessionID, "id", sub.ID, "op", sub.Op.OpType())
	return nil
}
