// Package handler runs one persistent script handler per model name. Input is
// written to the handler's stdin a line at a time; its output lines are
// published on the model's stream topic.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/process"
)

var (
	// ErrUnknownModel is returned for a model without a handler.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoProjectDir is returned when no directory is available to run in.
	ErrNoProjectDir = errors.New("project directory not set")
)

// DefaultModels are the models served by script handlers.
var DefaultModels = []string{"gemini", "qwen", "codex"}

// Config locates handler scripts.
type Config struct {
	// Dir holds <model>-handler.js scripts.
	Dir     string
	Runtime string
	Models  []string
	EnvKeys []string
}

// DefaultConfig returns handler settings rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:     dir,
		Runtime: "node",
		Models:  DefaultModels,
		EnvKeys: []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "DASHSCOPE_API_KEY"},
	}
}

// Manager owns the handler processes, keyed by model.
type Manager struct {
	cfg            Config
	emitter        events.Emitter
	locator        *process.Locator
	commandFactory process.CommandFactoryFunc
	now            func() time.Time

	mu    sync.Mutex
	procs map[string]*process.Process
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter sets where handler output goes.
func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithCommandFactory substitutes process creation, for tests.
func WithCommandFactory(fn process.CommandFactoryFunc) Option {
	return func(m *Manager) { m.commandFactory = fn }
}

// NewManager creates a manager with no running handlers.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Runtime == "" {
		cfg.Runtime = "node"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	m := &Manager{
		cfg:     cfg,
		emitter: events.Discard,
		locator: process.NewLocator(),
		now:     time.Now,
		procs:   make(map[string]*process.Process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScriptPath returns the handler script for model.
func (m *Manager) ScriptPath(model string) (string, error) {
	if !slices.Contains(m.cfg.Models, model) {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return filepath.Join(m.cfg.Dir, model+"-handler.js"), nil
}

// Send writes input as one line to model's handler, spawning it in dir on
// first use.
func (m *Manager) Send(model, input, dir string) error {
	model = strings.ToLower(model)
	script, err := m.ScriptPath(model)
	if err != nil {
		return err
	}
	if dir == "" {
		return ErrNoProjectDir
	}

	m.mu.Lock()
	proc, ok := m.procs[model]
	if ok && proc.Status().IsTerminal() {
		delete(m.procs, model)
		ok = false
	}
	if !ok {
		proc, err = m.spawn(model, script, dir)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.procs[model] = proc
	}
	m.mu.Unlock()

	if err := proc.WriteLine([]byte(input)); err != nil {
		return fmt.Errorf("write to %s handler: %w", model, err)
	}
	log.Debug(log.CatHandler, "handler input written", "model", model, "bytes", len(input))
	return nil
}

func (m *Manager) spawn(model, script, dir string) (*process.Process, error) {
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("handler file not found: %s", script)
	}
	runtime := m.locator.Locate(m.cfg.Runtime)
	builder := process.NewSpawnBuilder(context.Background()).
		WithName(model+"-handler").
		WithExecutable(runtime.Path, []string{script}).
		WithWorkDir(dir).
		WithEnvKeys(m.cfg.EnvKeys).
		WithStdin(true)
	if m.commandFactory != nil {
		builder = builder.WithCommandFactory(m.commandFactory)
	}
	proc, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to spawn handler: %w", err)
	}

	stream, errTopic := events.ModelStream(model), events.ModelError(model)
	proc.StartReaders(func(line []byte) {
		m.emit(stream, events.Notification{Type: events.TypeLine, Model: model, Line: string(line)})
	}, func(line []byte) {
		m.emit(errTopic, events.Notification{Type: events.TypeStderr, Model: model, Message: string(line)})
	})
	log.Info(log.CatHandler, "handler spawned", "model", model, "pid", proc.PID(), "dir", dir)
	return proc, nil
}

// Stop kills model's handler and forgets it. Stopping an idle model is a no-op.
func (m *Manager) Stop(model string) {
	model = strings.ToLower(model)
	m.mu.Lock()
	proc, ok := m.procs[model]
	delete(m.procs, model)
	m.mu.Unlock()
	if ok {
		proc.Stop()
		log.Info(log.CatHandler, "handler stopped", "model", model)
	}
}

// StopAll kills every handler.
func (m *Manager) StopAll() {
	m.mu.Lock()
	procs := m.procs
	m.procs = make(map[string]*process.Process)
	m.mu.Unlock()
	for _, p := range procs {
		p.Stop()
	}
}

// Running lists models with a live handler, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.procs))
	for model, p := range m.procs {
		if !p.Status().IsTerminal() {
			out = append(out, model)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) emit(topic string, n events.Notification) {
	n.Topic = topic
	n.Stamp(m.now())
	m.emitter.Emit(n)
}
