package rpc

import (
	"context"
	"errors"

	"github.com/zjrosen/banshee/internal/app"
	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/session"
	"github.com/zjrosen/banshee/internal/terminal"
)

type sessionParams struct {
	SessionID  string `json:"sessionId"`
	ProjectDir string `json:"projectDir"`
	Agent      string `json:"agent"`
	Message    string `json:"message"`
}

type permissionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
	Scope     string `json:"scope"`
}

type modelParams struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	SessionID string `json:"sessionId"`
}

type terminalParams struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	Data       string `json:"data"`
	Rows       uint16 `json:"rows"`
	Cols       uint16 `json:"cols"`
}

type transcriptParams struct {
	Entries        []terminal.Entry `json:"entries"`
	WorkingDir     string           `json:"workingDir"`
	CommandHistory []string         `json:"commandHistory"`
}

type checkpointParams struct {
	SessionID    string                    `json:"sessionId"`
	CheckpointID string                    `json:"checkpointId"`
	Files        []checkpoint.FileSnapshot `json:"files"`
	Trigger      string                    `json:"trigger"`
	Mode         string                    `json:"mode"`
	FilePath     string                    `json:"filePath"`
	FilePaths    []string                  `json:"filePaths"`
	KeepCount    *int                      `json:"keepCount"`
}

type settingsParams struct {
	Settings map[string]any `json:"settings"`
}

type commandParams struct {
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd"`
	SessionID string   `json:"sessionId"`
	URL       string   `json:"url"`
	DestDir   string   `json:"destDir"`
	Args      []string `json:"args"`
}

type imageParams struct {
	Data     string `json:"base64Data"`
	Filename string `json:"filename"`
}

type locateParams struct {
	Name string `json:"name"`
}

func need(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return &InvalidParamsError{Err: errors.New(fields[i] + " is required")}
		}
	}
	return nil
}

func none(err error) (any, error) { return nil, err }

// Register installs every backend method on s.
func Register(s *Server, a *app.App) {
	s.Register("session.start", bind(func(_ context.Context, p sessionParams) (any, error) {
		if err := need("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		return none(a.StartSession(p.SessionID, p.ProjectDir, session.Agent(p.Agent)))
	}))
	s.Register("session.send", bind(func(_ context.Context, p sessionParams) (any, error) {
		if err := need("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		return none(a.SendMessage(p.SessionID, p.Message))
	}))
	s.Register("session.stop", bind(func(_ context.Context, p sessionParams) (any, error) {
		return none(a.StopSession(p.SessionID))
	}))
	s.Register("session.restart", bind(func(_ context.Context, p sessionParams) (any, error) {
		return none(a.RestartSession(p.SessionID))
	}))
	s.Register("session.interrupt", bind(func(_ context.Context, p sessionParams) (any, error) {
		return none(a.InterruptSession(p.SessionID))
	}))
	s.Register("session.resolvePermission", bind(func(_ context.Context, p permissionParams) (any, error) {
		if err := need("sessionId", p.SessionID, "requestId", p.RequestID); err != nil {
			return nil, err
		}
		return none(a.ResolvePermission(p.SessionID, p.RequestID, p.Allow, p.Scope))
	}))
	s.Register("session.list", bind(func(_ context.Context, _ struct{}) (any, error) {
		return a.ListSessions(), nil
	}))
	s.Register("session.forget", bind(func(ctx context.Context, p sessionParams) (any, error) {
		return none(a.ForgetSession(ctx, p.SessionID))
	}))

	s.Register("model.send", bind(func(_ context.Context, p modelParams) (any, error) {
		if err := need("model", p.Model); err != nil {
			return nil, err
		}
		return none(a.SendToModel(p.Model, p.Input, p.SessionID))
	}))
	s.Register("model.stop", bind(func(_ context.Context, p modelParams) (any, error) {
		a.StopModel(p.Model)
		return nil, nil
	}))

	s.Register("terminal.create", bind(func(_ context.Context, p terminalParams) (any, error) {
		if err := need("terminalId", p.TerminalID); err != nil {
			return nil, err
		}
		return none(a.CreateTerminal(p.TerminalID, p.Cwd, p.SessionID))
	}))
	s.Register("terminal.write", bind(func(_ context.Context, p terminalParams) (any, error) {
		return none(a.WriteTerminal(p.TerminalID, p.Data))
	}))
	s.Register("terminal.resize", bind(func(_ context.Context, p terminalParams) (any, error) {
		return none(a.ResizeTerminal(p.TerminalID, p.Rows, p.Cols))
	}))
	s.Register("terminal.close", bind(func(_ context.Context, p terminalParams) (any, error) {
		return none(a.CloseTerminal(p.TerminalID))
	}))
	s.Register("terminal.saveSession", bind(func(_ context.Context, p transcriptParams) (any, error) {
		return none(a.SaveTerminalSession(p.Entries, p.WorkingDir, p.CommandHistory))
	}))
	s.Register("terminal.loadSession", bind(func(_ context.Context, _ struct{}) (any, error) {
		tr, err := a.LoadTerminalSession()
		if err != nil || tr == nil {
			return nil, err
		}
		return tr, nil
	}))
	s.Register("terminal.clearSession", bind(func(_ context.Context, _ struct{}) (any, error) {
		return none(a.ClearTerminalSession())
	}))

	registerCheckpoints(s, a)

	s.Register("settings.load", bind(func(_ context.Context, _ struct{}) (any, error) {
		return a.LoadSettings()
	}))
	s.Register("settings.save", bind(func(_ context.Context, p settingsParams) (any, error) {
		return none(a.SaveSettings(p.Settings))
	}))

	s.RegisterAsync("command.run", bind(func(ctx context.Context, p commandParams) (any, error) {
		return a.RunCommand(ctx, p.Cwd, p.Command)
	}))
	s.RegisterAsync("command.execute", bind(func(ctx context.Context, p commandParams) (any, error) {
		return a.ExecuteCommand(ctx, p.SessionID, p.Command)
	}))
	s.RegisterAsync("repo.clone", bind(func(ctx context.Context, p commandParams) (any, error) {
		if err := need("url", p.URL, "destDir", p.DestDir); err != nil {
			return nil, err
		}
		return a.CloneRepo(ctx, p.URL, p.DestDir)
	}))
	s.RegisterAsync("codex.repo", bind(func(ctx context.Context, p commandParams) (any, error) {
		return a.CodexRepo(ctx, p.Args)
	}))
	s.RegisterAsync("codex.run", bind(func(ctx context.Context, p commandParams) (any, error) {
		return a.CodexRun(ctx, p.Args)
	}))
	s.Register("image.saveTemp", bind(func(_ context.Context, p imageParams) (any, error) {
		return a.SaveTempImage(p.Data, p.Filename)
	}))

	s.Register("system.cwd", bind(func(_ context.Context, _ struct{}) (any, error) {
		return a.Cwd()
	}))
	s.Register("system.locate", bind(func(_ context.Context, p locateParams) (any, error) {
		if err := need("name", p.Name); err != nil {
			return nil, err
		}
		return a.Locate(p.Name), nil
	}))
}

func registerCheckpoints(s *Server, a *app.App) {
	s.Register("checkpoint.save", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		if err := need("sessionId", p.SessionID, "checkpointId", p.CheckpointID); err != nil {
			return nil, err
		}
		return a.SaveCheckpoint(ctx, p.SessionID, p.CheckpointID, p.Files, p.Trigger)
	}))
	s.Register("checkpoint.restore", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		return none(a.RestoreCheckpoint(ctx, p.SessionID, p.CheckpointID, checkpoint.ParseMode(p.Mode)))
	}))
	s.Register("checkpoint.restoreFiles", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		return none(a.RestoreCheckpointFiles(ctx, p.SessionID, p.CheckpointID, p.FilePaths, checkpoint.ParseMode(p.Mode)))
	}))
	s.Register("checkpoint.getFile", bind(func(_ context.Context, p checkpointParams) (any, error) {
		return a.CheckpointFile(p.SessionID, p.CheckpointID, p.FilePath)
	}))
	s.Register("checkpoint.diff", bind(func(_ context.Context, p checkpointParams) (any, error) {
		return a.CheckpointDiff(p.SessionID, p.CheckpointID, p.FilePath)
	}))
	s.Register("checkpoint.delete", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		return none(a.DeleteCheckpoint(ctx, p.SessionID, p.CheckpointID))
	}))
	s.Register("checkpoint.list", bind(func(_ context.Context, p checkpointParams) (any, error) {
		list, err := a.ListCheckpoints(p.SessionID)
		if list == nil && err == nil {
			list = []checkpoint.Metadata{}
		}
		return list, err
	}))
	s.Register("checkpoint.listFiles", bind(func(_ context.Context, p checkpointParams) (any, error) {
		return a.ListCheckpointFiles(p.SessionID, p.CheckpointID)
	}))
	s.Register("checkpoint.metadata", bind(func(_ context.Context, p checkpointParams) (any, error) {
		return a.CheckpointMetadata(p.SessionID, p.CheckpointID)
	}))
	s.Register("checkpoint.gitInfo", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		return a.GitInfo(ctx, p.SessionID), nil
	}))
	s.Register("checkpoint.clean", bind(func(ctx context.Context, p checkpointParams) (any, error) {
		return a.CleanCheckpoints(ctx, p.SessionID, p.KeepCount)
	}))
}
