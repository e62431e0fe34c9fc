// Package settings reads and writes the agent settings JSON file and
// reports external edits to it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/fsutil"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/watcher"
)

// DefaultPath returns ~/.config/claude/settings.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "claude", "settings.json"), nil
}

// Store owns one settings file.
type Store struct {
	path string
	// mu serializes writes from this process.
	mu sync.Mutex
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file.
func (s *Store) Path() string { return s.path }

// Load returns the settings object, or an empty object when the file does
// not exist.
func (s *Store) Load() (map[string]any, error) {
	out := map[string]any{}
	if err := fsutil.ReadJSON(s.path, &out); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Save replaces the settings file with obj as indented JSON.
func (s *Store) Save(obj map[string]any) error {
	if obj == nil {
		obj = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsutil.WriteJSON(s.path, obj); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	log.Info(log.CatSettings, "settings saved", "path", s.path, "keys", len(obj))
	return nil
}

// Watch emits a settings:changed notification carrying the new contents
// each time the file changes, until ctx is done. The directory holding the
// file is created if needed.
func (s *Store) Watch(ctx context.Context, emitter events.Emitter, debounce time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	cfg := watcher.DefaultConfig(s.path)
	if debounce > 0 {
		cfg.DebounceDur = debounce
	}
	w, err := watcher.New(cfg)
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				s.notify(emitter)
			}
		}
	}()
	log.Debug(log.CatSettings, "watching settings", "path", s.path)
	return nil
}

func (s *Store) notify(emitter events.Emitter) {
	obj, err := s.Load()
	if err != nil {
		log.Warn(log.CatSettings, "reload after change failed", "error", err)
		return
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		log.Warn(log.CatSettings, "encode settings failed", "error", err)
		return
	}
	n := events.Notification{
		Type:    events.TypeSettingsChanged,
		Topic:   events.TopicSettings,
		Payload: payload,
	}
	n.Stamp(time.Now())
	emitter.Emit(n)
}
