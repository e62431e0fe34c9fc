package app

import (
	"context"

	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/command"
	"github.com/zjrosen/banshee/internal/process"
	"github.com/zjrosen/banshee/internal/session"
	"github.com/zjrosen/banshee/internal/terminal"
)

// StartSession starts (or keeps) the session's agent in dir. An empty
// agent keeps the session's current agent.
func (a *App) StartSession(id, dir string, agent session.Agent) error {
	return a.sessions.StartAgent(id, dir, agent)
}

// SendMessage forwards input to the session's agent.
func (a *App) SendMessage(id, input string) error { return a.sessions.Send(id, input) }

// StopSession stops the session's agent and its terminal.
func (a *App) StopSession(id string) error { return a.sessions.Stop(id) }

// RestartSession stops and starts the session's agent in the same directory.
func (a *App) RestartSession(id string) error { return a.sessions.Restart(id) }

// InterruptSession aborts the session's current turn.
func (a *App) InterruptSession(id string) error { return a.sessions.Interrupt(id) }

// ResolvePermission answers a pending approval request.
func (a *App) ResolvePermission(id, requestID string, allow bool, scope string) error {
	return a.sessions.ResolvePermission(id, requestID, allow, scope)
}

// ListSessions returns every known session sorted by id.
func (a *App) ListSessions() []session.Info { return a.sessions.List() }

// ForgetSession stops the session and removes it from the index.
func (a *App) ForgetSession(ctx context.Context, id string) error { return a.sessions.Forget(ctx, id) }

// SendToModel writes input to the model's handler, spawning it in the
// session's directory on first use.
func (a *App) SendToModel(model, input, sessionID string) error {
	return a.handlers.Send(model, input, a.projectDir(sessionID))
}

// StopModel kills the model's handler.
func (a *App) StopModel(model string) { a.handlers.Stop(model) }

// RunningModels returns the models with a live handler.
func (a *App) RunningModels() []string { return a.handlers.Running() }

// CreateTerminal opens a pty shell. When sessionID names a session the
// terminal starts in its directory and closes with it.
func (a *App) CreateTerminal(id, dir, sessionID string) error {
	if dir == "" {
		dir = a.projectDir(sessionID)
	}
	if err := a.terminals.Create(id, dir); err != nil {
		return err
	}
	if sessionID != "" {
		if err := a.sessions.AttachTerminal(sessionID, id); err != nil {
			_ = a.terminals.Close(id)
			return err
		}
	}
	return nil
}

// WriteTerminal sends data to the shell.
func (a *App) WriteTerminal(id, data string) error { return a.terminals.Write(id, data) }

// ResizeTerminal changes the pty window size.
func (a *App) ResizeTerminal(id string, rows, cols uint16) error {
	return a.terminals.Resize(id, rows, cols)
}

// CloseTerminal kills the shell.
func (a *App) CloseTerminal(id string) error { return a.terminals.Close(id) }

// SaveTerminalSession writes the terminal transcript.
func (a *App) SaveTerminalSession(entries []terminal.Entry, workingDir string, history []string) error {
	return a.transcripts.Save(entries, workingDir, history)
}

// LoadTerminalSession reads the terminal transcript; nil when none is saved.
func (a *App) LoadTerminalSession() (*terminal.Transcript, error) { return a.transcripts.Load() }

// ClearTerminalSession removes the terminal transcript.
func (a *App) ClearTerminalSession() error { return a.transcripts.Clear() }

// SaveCheckpoint records a checkpoint of files for the session.
func (a *App) SaveCheckpoint(ctx context.Context, sessionID, id string, files []checkpoint.FileSnapshot, trigger string) (checkpoint.Metadata, error) {
	return a.checkpoints.Save(ctx, sessionID, id, files, trigger)
}

// RestoreCheckpoint writes every file of a checkpoint back to disk.
func (a *App) RestoreCheckpoint(ctx context.Context, sessionID, id string, mode checkpoint.Mode) error {
	return a.checkpoints.Restore(ctx, sessionID, id, mode)
}

// RestoreCheckpointFiles writes the named files of a checkpoint back to disk.
func (a *App) RestoreCheckpointFiles(ctx context.Context, sessionID, id string, paths []string, mode checkpoint.Mode) error {
	return a.checkpoints.RestoreFiles(ctx, sessionID, id, paths, mode)
}

// CheckpointFile returns one file of a checkpoint.
func (a *App) CheckpointFile(sessionID, id, path string) (checkpoint.FileData, error) {
	return a.checkpoints.GetFile(sessionID, id, path)
}

// CheckpointDiff returns a unified diff of one file of a checkpoint.
func (a *App) CheckpointDiff(sessionID, id, path string) (string, error) {
	return a.checkpoints.Diff(sessionID, id, path)
}

// DeleteCheckpoint removes a checkpoint.
func (a *App) DeleteCheckpoint(ctx context.Context, sessionID, id string) error {
	return a.checkpoints.Delete(ctx, sessionID, id)
}

// ListCheckpoints returns the session's checkpoints, newest first.
func (a *App) ListCheckpoints(sessionID string) ([]checkpoint.Metadata, error) {
	return a.checkpoints.List(sessionID)
}

// ListCheckpointFiles returns the paths stored in a checkpoint.
func (a *App) ListCheckpointFiles(sessionID, id string) ([]string, error) {
	return a.checkpoints.ListFiles(sessionID, id)
}

// CheckpointMetadata returns a checkpoint's metadata.
func (a *App) CheckpointMetadata(sessionID, id string) (checkpoint.Metadata, error) {
	return a.checkpoints.Metadata(sessionID, id)
}

// GitInfo returns the branch and commit of the session's project.
func (a *App) GitInfo(ctx context.Context, sessionID string) map[string]string {
	return a.checkpoints.GitInfo(ctx, sessionID)
}

// CleanCheckpoints keeps the newest keep checkpoints and returns how many
// were removed. A nil keep uses the configured retention.
func (a *App) CleanCheckpoints(ctx context.Context, sessionID string, keep *int) (int, error) {
	n := a.cfg.Checkpoints.Keep
	if keep != nil {
		n = *keep
	}
	return a.checkpoints.Clean(ctx, sessionID, n)
}

// LoadSettings returns the agent settings object.
func (a *App) LoadSettings() (map[string]any, error) { return a.settings.Load() }

// SaveSettings replaces the agent settings object.
func (a *App) SaveSettings(obj map[string]any) error { return a.settings.Save(obj) }

// RunCommand runs a terminal-style command in cwd.
func (a *App) RunCommand(ctx context.Context, cwd, cmd string) (command.Result, error) {
	return a.commands.RunCommand(ctx, cwd, cmd)
}

// ExecuteCommand runs cmd in the session's directory and returns stdout.
func (a *App) ExecuteCommand(ctx context.Context, sessionID, cmd string) (string, error) {
	return a.commands.ExecuteCommand(ctx, a.projectDir(sessionID), cmd)
}

// CloneRepo makes a shallow clone of url into dest.
func (a *App) CloneRepo(ctx context.Context, url, dest string) (string, error) {
	return a.commands.CloneRepo(ctx, url, dest)
}

// CodexRepo runs `codex repo <args>`.
func (a *App) CodexRepo(ctx context.Context, args []string) (string, error) {
	return a.commands.CodexRepo(ctx, args)
}

// CodexRun runs `codex run <args>`.
func (a *App) CodexRun(ctx context.Context, args []string) (string, error) {
	return a.commands.CodexRun(ctx, args)
}

// SaveTempImage writes a pasted image to the temp dir and returns its path.
func (a *App) SaveTempImage(data, name string) (string, error) {
	return command.SaveTempImage(data, name)
}

// Cwd returns the backend's working directory.
func (a *App) Cwd() (string, error) { return a.getwd() }

// Locate reports where a binary resolves to.
func (a *App) Locate(name string) process.Resolution { return a.locator.Locate(name) }
