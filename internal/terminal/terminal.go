// Package terminal runs interactive shells inside pseudo-terminals and keeps
// a transcript of the terminal panel between runs.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
)

var (
	// ErrTerminalNotFound is returned for an id with no open terminal.
	ErrTerminalNotFound = errors.New("terminal not found")
	// ErrTerminalExists is returned when creating an id that is already open.
	ErrTerminalExists = errors.New("terminal already exists")
)

const (
	DefaultRows  uint16 = 24
	DefaultCols  uint16 = 80
	DefaultShell        = "/bin/bash"

	readChunk    = 4096
	closeTimeout = 2 * time.Second
)

// Config controls how shells are spawned.
type Config struct {
	// Shell overrides $SHELL.
	Shell string
	Rows  uint16
	Cols  uint16
	// Env is appended to the inherited environment.
	Env []string
}

type term struct {
	id   string
	dir  string
	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}
}

// Manager owns every open terminal.
type Manager struct {
	cfg     Config
	emitter events.Emitter
	now     func() time.Time

	mu      sync.Mutex
	terms   map[string]*term
	pending map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter sets where output and exit notifications go.
func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	m := &Manager{
		cfg:     cfg,
		emitter: events.Discard,
		now:     time.Now,
		terms:   make(map[string]*term),
		pending: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Shell returns the shell new terminals run.
func (m *Manager) Shell() string {
	if m.cfg.Shell != "" {
		return m.cfg.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return DefaultShell
}

// Create opens a terminal running an interactive shell in dir. The id is
// reserved while the shell starts; m.mu is not held across the spawn.
func (m *Manager) Create(id, dir string) error {
	m.mu.Lock()
	if _, ok := m.terms[id]; ok || m.pending[id] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminalExists, id)
	}
	m.pending[id] = true
	m.mu.Unlock()

	t, err := m.spawn(id, dir)

	m.mu.Lock()
	delete(m.pending, id)
	if err == nil {
		m.terms[id] = t
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	go m.read(t)
	log.Info(log.CatTerminal, "terminal created", "id", id, "shell", t.cmd.Path, "dir", dir, "pid", t.cmd.Process.Pid)
	return nil
}

func (m *Manager) spawn(id, dir string) (*term, error) {
	cmd := exec.Command(m.Shell(), "-i")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, m.cfg.Env...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: m.cfg.Rows, Cols: m.cfg.Cols})
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", cmd.Path, err)
	}
	return &term{id: id, dir: dir, cmd: cmd, pty: f, done: make(chan struct{})}, nil
}

// read forwards pty output until the shell goes away.
func (m *Manager) read(t *term) {
	defer close(t.done)

	buf := make([]byte, readChunk)
	var carry []byte
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var text string
			text, carry = decodeUTF8(chunk)
			if text != "" {
				m.emit(events.Notification{
					Type:       events.TypeTerminalOutput,
					Topic:      events.TerminalOutput(t.id),
					TerminalID: t.id,
					Data:       text,
				})
			}
		}
		if err != nil {
			break
		}
	}
	if len(carry) > 0 {
		m.emit(events.Notification{
			Type:       events.TypeTerminalOutput,
			Topic:      events.TerminalOutput(t.id),
			TerminalID: t.id,
			Data:       strings.ToValidUTF8(string(carry), "�"),
		})
	}

	code := -1
	_ = t.cmd.Wait()
	if t.cmd.ProcessState != nil {
		code = t.cmd.ProcessState.ExitCode()
	}
	log.Info(log.CatTerminal, "terminal exited", "id", t.id, "code", code)
	m.emit(events.Notification{
		Type:       events.TypeTerminalExit,
		Topic:      events.TerminalExit(t.id),
		TerminalID: t.id,
		ExitCode:   events.Ptr(code),
	})
}

// decodeUTF8 returns the longest valid prefix of b as text, with invalid
// bytes replaced, and any trailing bytes of an incomplete rune.
func decodeUTF8(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	return strings.ToValidUTF8(string(b[:cut]), "�"), slices.Clone(b[cut:])
}

func (m *Manager) emit(n events.Notification) {
	n.Stamp(m.now())
	m.emitter.Emit(n)
}

// Write sends raw input to the terminal.
func (m *Manager) Write(id, data string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := t.pty.Write([]byte(data)); err != nil {
		return fmt.Errorf("write terminal %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal window size.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := pty.Setsize(t.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize terminal %s: %w", id, err)
	}
	log.Debug(log.CatTerminal, "terminal resized", "id", id, "rows", rows, "cols", cols)
	return nil
}

// Size returns the current window size.
func (m *Manager) Size(id string) (rows, cols uint16, err error) {
	t, err := m.get(id)
	if err != nil {
		return 0, 0, err
	}
	ws, err := pty.GetsizeFull(t.pty)
	if err != nil {
		return 0, 0, err
	}
	return ws.Rows, ws.Cols, nil
}

// Close kills the shell, waits for its reader and forgets the terminal.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t, ok := m.terms[id]
	delete(m.terms, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.pty.Close()

	select {
	case <-t.done:
	case <-time.After(closeTimeout):
		log.Warn(log.CatTerminal, "terminal reader did not finish", "id", id)
	}
	log.Info(log.CatTerminal, "terminal closed", "id", id)
	return nil
}

// CloseAll closes every open terminal.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		_ = m.Close(id)
	}
}

// IDs returns the open terminal ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.terms))
	for id := range m.terms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) get(id string) (*term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return t, nil
}
