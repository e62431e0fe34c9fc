// Package claude drives the Claude CLI in one-shot streaming mode. Each send
// spawns a fresh `claude -p` process; the conversation is continued with -c.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/process"
)

var (
	// ErrNotStarted is returned by Send before Start recorded a project directory.
	ErrNotStarted = errors.New("project directory not set, start the session first")
	// ErrMissingMessage is returned for a JSON payload without currentMessage.
	ErrMissingMessage = errors.New("missing currentMessage in input")
)

// DefaultStopGrace is how long Stop waits after SIGINT before killing.
const DefaultStopGrace = time.Second

// Config controls how the CLI is launched.
type Config struct {
	Binary string
	// Model is passed with --model when a send does not name one.
	Model     string
	EnvKeys   []string
	StopGrace time.Duration
}

// DefaultConfig returns the stock launch settings.
func DefaultConfig() Config {
	return Config{
		Binary:    "claude",
		EnvKeys:   []string{"ANTHROPIC_API_KEY", "CLAUDE_CONFIG_DIR"},
		StopGrace: DefaultStopGrace,
	}
}

// Bridge owns at most one in-flight Claude process for a session.
type Bridge struct {
	sessionID      string
	cfg            Config
	emitter        events.Emitter
	locator        *process.Locator
	commandFactory process.CommandFactoryFunc
	now            func() time.Time

	mu         sync.Mutex
	projectDir string
	started    bool
	continued  bool
	proc       *process.Process
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

// NewBridge creates an unstarted bridge.
func NewBridge(sessionID string, cfg Config, opts ...Option) *Bridge {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	b := &Bridge{
		sessionID: sessionID,
		cfg:       cfg,
		emitter:   events.Discard,
		locator:   process.NewLocator(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start records dir and resets the conversation. No process is spawned
// until the first Send.
func (b *Bridge) Start(dir string) error {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.projectDir = dir
	b.started = true
	b.continued = false
	b.mu.Unlock()

	if proc != nil {
		proc.Stop()
	}
	log.Info(log.CatClaude, "claude bridge ready", "session", b.sessionID, "dir", dir)
	return nil
}

// Send runs one prompt. Any process still streaming a previous answer is
// terminated first so two answers never interleave.
func (b *Bridge) Send(input string) error {
	b.mu.Lock()
	dir := b.projectDir
	started := b.started
	prev := b.proc
	b.proc = nil
	continued := b.continued
	b.mu.Unlock()

	if !started || dir == "" {
		return ErrNotStarted
	}
	if prev != nil {
		log.Debug(log.CatClaude, "terminating previous claude process", "session", b.sessionID, "pid", prev.PID())
		prev.Interrupt(0)
	}

	prompt, model, err := parseInput(input)
	if err != nil {
		return err
	}
	if model == "" {
		model = b.cfg.Model
	}
	args := BuildArgs(prompt, model, continued)

	res := b.locator.Locate(b.cfg.Binary)
	builder := process.NewSpawnBuilder(context.Background()).
		WithName("claude").
		WithExecutable(res.Path, args).
		WithWorkDir(dir).
		WithEnvKeys(b.cfg.EnvKeys)
	if b.commandFactory != nil {
		builder = builder.WithCommandFactory(b.commandFactory)
	}
	proc, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to spawn claude: %w", err)
	}

	dedupe := &lastLine{}
	proc.StartReaders(func(line []byte) {
		trimmed := bytes.TrimSpace(line)
		if dedupe.repeat(trimmed) {
			return
		}
		b.emit(events.TopicClaudeStream, events.Notification{Type: events.TypeLine, Line: string(trimmed)})
	}, func(line []byte) {
		log.Debug(log.CatClaude, "claude stderr", "session", b.sessionID, "line", string(line))
		b.emit(events.TopicClaudeError, events.Notification{Type: events.TypeStderr, Message: string(line)})
	})

	b.mu.Lock()
	b.proc = proc
	b.continued = true
	b.mu.Unlock()

	log.Info(log.CatClaude, "claude spawned", "session", b.sessionID, "pid", proc.PID(), "continue", continued)
	return nil
}

// Stop interrupts the in-flight process, killing it after the grace period.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.started = false
	b.mu.Unlock()

	if proc != nil {
		proc.Interrupt(b.cfg.StopGrace)
	}
	return nil
}

// IsRunning reports whether the bridge has been started and not stopped.
// A started bridge can accept sends whether or not a process is streaming.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Streaming reports whether a spawned process has not yet exited.
func (b *Bridge) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc != nil && !b.proc.Status().IsTerminal()
}

func (b *Bridge) emit(topic string, n events.Notification) {
	n.Topic = topic
	n.SessionID = b.sessionID
	n.Stamp(b.now())
	b.emitter.Emit(n)
}

// BuildArgs assembles the CLI arguments for one prompt.
func BuildArgs(prompt, model string, continued bool) []string {
	args := make([]string, 0, 10)
	if continued {
		args = append(args, "-c")
	}
	args = append(args, "-p", prompt)
	if model != "" {
		args = append(args, "--model", model)
	}
	return append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)
}

// parseInput extracts the prompt and optional model. Input that is not JSON
// is used verbatim as the prompt.
func parseInput(input string) (prompt, model string, err error) {
	var payload map[string]any
	if jsonErr := json.Unmarshal([]byte(input), &payload); jsonErr != nil {
		return input, "", nil
	}
	msg, ok := payload["currentMessage"].(string)
	if !ok {
		return "", "", ErrMissingMessage
	}
	model, _ = payload["model"].(string)
	return msg, model, nil
}

// lastLine drops a line identical to the one immediately before it.
type lastLine struct {
	prev []byte
	seen bool
}

func (l *lastLine) repeat(line []byte) bool {
	if l.seen && bytes.Equal(l.prev, line) {
		return true
	}
	l.prev = append(l.prev[:0], line...)
	l.seen = true
	return false
}
