// Package app wires the backend services together. Every operation the
// frontend can invoke is a method on *App.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/claude"
	"github.com/zjrosen/banshee/internal/codex"
	"github.com/zjrosen/banshee/internal/command"
	"github.com/zjrosen/banshee/internal/config"
	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/flags"
	"github.com/zjrosen/banshee/internal/git"
	"github.com/zjrosen/banshee/internal/handler"
	"github.com/zjrosen/banshee/internal/infrastructure/sqlite"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/process"
	"github.com/zjrosen/banshee/internal/pubsub"
	"github.com/zjrosen/banshee/internal/session"
	"github.com/zjrosen/banshee/internal/settings"
	"github.com/zjrosen/banshee/internal/terminal"
	"github.com/zjrosen/banshee/internal/tracing"
)

// App is the application context shared by every command.
type App struct {
	cfg     config.Config
	flags   *flags.Registry
	getwd   func() (string, error)
	locator *process.Locator

	broker  *pubsub.Broker[events.Notification]
	emitter events.Emitter
	tracer  *tracing.Provider
	db      *sqlite.DB

	sessions    *session.Registry
	terminals   *terminal.Manager
	transcripts *terminal.TranscriptStore
	handlers    *handler.Manager
	checkpoints *checkpoint.Store
	settings    *settings.Store
	commands    *command.Runner

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Option configures an App.
type Option func(*options)

type options struct {
	bridgeFactory  session.BridgeFactory
	commandFactory process.CommandFactoryFunc
	getwd          func() (string, error)
}

// WithBridgeFactory replaces the codex/claude bridge factory, for tests.
func WithBridgeFactory(f session.BridgeFactory) Option {
	return func(o *options) { o.bridgeFactory = f }
}

// WithCommandFactory replaces exec.CommandContext for every child the App spawns.
func WithCommandFactory(fn process.CommandFactoryFunc) Option {
	return func(o *options) { o.commandFactory = fn }
}

// WithWorkingDir overrides os.Getwd as the fallback project directory.
func WithWorkingDir(fn func() (string, error)) Option {
	return func(o *options) { o.getwd = fn }
}

// New builds the application from cfg. The returned App owns background
// goroutines until Close is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{getwd: os.Getwd}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		cfg:     cfg,
		flags:   flags.New(cfg.Flags),
		getwd:   o.getwd,
		locator: process.NewLocator(),
		broker:  pubsub.NewBrokerWithBuffer[events.Notification](cfg.Notifications.BufferSize),
		cancel:  cancel,
	}
	a.emitter = events.NewBrokerEmitter(a.broker)

	tracingCfg := cfg.Tracing
	if tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	tp, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	a.terminals = terminal.NewManager(cfg.TerminalManager(), terminal.WithEmitter(a.emitter))

	transcriptPath := cfg.Terminal.TranscriptPath
	if transcriptPath == "" {
		if transcriptPath, err = terminal.DefaultTranscriptPath(); err != nil {
			a.abort()
			return nil, err
		}
	}
	a.transcripts = terminal.NewTranscriptStore(transcriptPath)

	handlerOpts := []handler.Option{handler.WithEmitter(a.emitter)}
	if o.commandFactory != nil {
		handlerOpts = append(handlerOpts, handler.WithCommandFactory(o.commandFactory))
	}
	a.handlers = handler.NewManager(cfg.HandlerManager(), handlerOpts...)

	factory := o.bridgeFactory
	if factory == nil {
		factory = a.newBridge(o.commandFactory)
	}
	regOpts := []session.Option{
		session.WithTerminals(a.terminals),
		session.WithTracer(tp.Tracer()),
		session.WithDefaultAgent(cfg.Agent()),
		session.WithWorkingDir(o.getwd),
	}
	if cfg.Sessions.DBPath != "" && a.flags.Enabled(flags.FlagSessionPersistence) {
		db, err := sqlite.NewDB(cfg.Sessions.DBPath)
		if err != nil {
			a.abort()
			return nil, fmt.Errorf("open session index: %w", err)
		}
		a.db = db
		regOpts = append(regOpts, session.WithStore(db.SessionRepository()))
	}
	a.sessions = session.NewRegistry(factory, regOpts...)
	if err := a.sessions.Hydrate(ctx); err != nil {
		log.ErrorErr(log.CatSession, "hydrate failed", err)
	}

	a.checkpoints = checkpoint.NewStore(
		checkpoint.WithProjectDirs(a.sessions),
		checkpoint.WithDir(cfg.Checkpoints.Dir),
		checkpoint.WithGit(git.NewCLI(""), cfg.Checkpoints.GitCacheTTL),
		checkpoint.WithTracer(tp.Tracer()),
	)

	settingsPath := cfg.Settings.Path
	if settingsPath == "" {
		if settingsPath, err = settings.DefaultPath(); err != nil {
			a.abort()
			return nil, err
		}
	}
	a.settings = settings.NewStore(settingsPath)
	if cfg.Settings.Watch {
		if err := a.settings.Watch(ctx, a.emitter, cfg.Settings.Debounce); err != nil {
			log.Warn(log.CatSettings, "settings watcher disabled", "error", err)
		}
	}

	cmdOpts := []command.Option{
		command.WithLocator(a.locator),
		command.WithCodexBinary(cfg.CodexBridge().Binary),
	}
	if o.commandFactory != nil {
		cmdOpts = append(cmdOpts, command.WithCommandFactory(o.commandFactory))
	}
	a.commands = command.NewRunner(cmdOpts...)

	if cfg.Notifications.MirrorLogs {
		a.mirrorLogs(ctx)
	}

	log.Info(log.CatSession, "backend ready",
		"agent", cfg.Agent(), "tracing", tp.Enabled(), "persist", a.db != nil)
	return a, nil
}

func (a *App) newBridge(fn process.CommandFactoryFunc) session.BridgeFactory {
	return func(sessionID string, agent session.Agent) (session.Bridge, error) {
		switch agent {
		case session.AgentClaude:
			opts := []claude.Option{claude.WithEmitter(a.emitter), claude.WithLocator(a.locator)}
			if fn != nil {
				opts = append(opts, claude.WithCommandFactory(fn))
			}
			return claude.NewBridge(sessionID, a.cfg.ClaudeBridge(), opts...), nil
		case session.AgentCodex, "":
			opts := []codex.Option{
				codex.WithEmitter(a.emitter),
				codex.WithLocator(a.locator),
				codex.WithTracer(a.tracer.Tracer()),
			}
			if fn != nil {
				opts = append(opts, codex.WithCommandFactory(fn))
			}
			cc := a.cfg.CodexBridge()
			if !a.flags.Enabled(flags.FlagLaunchFallback) {
				cc.FallbackRuntime = ""
			}
			return codex.NewBridge(sessionID, cc, opts...), nil
		}
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
}

func (a *App) mirrorLogs(ctx context.Context) {
	lines := log.Subscribe(ctx)
	if lines == nil {
		return
	}
	go func() {
		for ev := range lines {
			a.emitter.Emit(events.Notification{Type: events.TypeLog, Topic: events.TopicLog, Line: ev.Payload})
		}
	}()
}

func (a *App) abort() {
	a.cancel()
	if a.terminals != nil {
		a.terminals.CloseAll()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.tracer.Shutdown(context.Background())
}

// Subscribe returns notifications whose topic matches one of topics, or
// every notification when none are given.
func (a *App) Subscribe(ctx context.Context, topics ...string) <-chan pubsub.Event[events.Notification] {
	return a.broker.Subscribe(ctx, topics...)
}

// SubscribeOrdered is Subscribe without drops: every matching notification
// is delivered in emission order however slowly the channel is read.
func (a *App) SubscribeOrdered(ctx context.Context, topics ...string) <-chan pubsub.Event[events.Notification] {
	return a.broker.SubscribeOrdered(ctx, topics...)
}

// Emitter returns the emitter feeding Subscribe.
func (a *App) Emitter() events.Emitter { return a.emitter }

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// Close stops every child process and releases resources. It is safe to
// call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.sessions.StopAll()
		a.handlers.StopAll()
		a.terminals.CloseAll()

		var errs []error
		if a.db != nil {
			errs = append(errs, a.db.Close())
		}
		errs = append(errs, a.tracer.Shutdown(context.Background()))
		a.broker.Close()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// projectDir returns the session's directory, or the working directory
// when the session is unknown.
func (a *App) projectDir(sessionID string) string {
	if sessionID != "" {
		if dir, ok := a.sessions.ProjectDir(sessionID); ok && dir != "" {
			return dir
		}
	}
	wd, err := a.getwd()
	if err != nil {
		return "."
	}
	return wd
}
