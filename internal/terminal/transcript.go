package terminal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/banshee/internal/fsutil"
	"github.com/zjrosen/banshee/internal/log"
)

// Entry is one command and its output in the terminal panel.
type Entry struct {
	Command   string `json:"command"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Timestamp int64  `json:"timestamp"`
}

// Transcript is the saved state of the terminal panel.
type Transcript struct {
	Entries        []Entry  `json:"entries"`
	WorkingDir     string   `json:"working_dir"`
	CommandHistory []string `json:"command_history"`
	LastUpdated    int64    `json:"last_updated"`
}

// TranscriptStore persists a single Transcript as JSON.
type TranscriptStore struct {
	path string
	now  func() time.Time
}

// DefaultTranscriptPath returns ~/.banshee/terminal/session.json.
func DefaultTranscriptPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".banshee", "terminal", "session.json"), nil
}

// NewTranscriptStore creates a store backed by path.
func NewTranscriptStore(path string) *TranscriptStore {
	return &TranscriptStore{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *TranscriptStore) Path() string { return s.path }

// Save replaces the stored transcript. Escape sequences are stripped from
// every entry's output and last_updated is set to now in unix seconds.
func (s *TranscriptStore) Save(entries []Entry, workingDir string, history []string) error {
	t := Transcript{
		Entries:        make([]Entry, len(entries)),
		WorkingDir:     workingDir,
		CommandHistory: history,
		LastUpdated:    s.now().Unix(),
	}
	for i, e := range entries {
		e.Output = ansi.Strip(e.Output)
		t.Entries[i] = e
	}
	if t.CommandHistory == nil {
		t.CommandHistory = []string{}
	}
	if err := fsutil.WriteJSON(s.path, t); err != nil {
		return fmt.Errorf("save terminal session: %w", err)
	}
	log.Debug(log.CatTerminal, "transcript saved", "entries", len(entries), "dir", workingDir)
	return nil
}

// Load returns the stored transcript, or nil when none was saved.
func (s *TranscriptStore) Load() (*Transcript, error) {
	var t Transcript
	if err := fsutil.ReadJSON(s.path, &t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load terminal session: %w", err)
	}
	return &t, nil
}

// Clear removes the stored transcript. Clearing twice is not an error.
func (s *TranscriptStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear terminal session: %w", err)
	}
	return nil
}
