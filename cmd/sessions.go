package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/banshee/internal/infrastructure/sqlite"
	"github.com/zjrosen/banshee/internal/presentation"
	"github.com/zjrosen/banshee/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the session index",
	Long: `List the agent sessions recorded in the session index (sessions.db_path).
A running 'banshee serve' restarts these sessions on demand after a restart.

Example:
  banshee sessions
  banshee sessions forget s-1234`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSessionsList(cmd, cmd.OutOrStdout())
	},
}

var sessionsForgetCmd = &cobra.Command{
	Use:   "forget <session-id>",
	Short: "Remove a session from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openSessionIndex()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return db.SessionRepository().Delete(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsForgetCmd)
}

func openSessionIndex() (*sqlite.DB, error) {
	if cfg.Sessions.DBPath == "" {
		return nil, errors.New("session index disabled (sessions.db_path is empty)")
	}
	db, err := sqlite.NewDB(cfg.Sessions.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening session index: %w", err)
	}
	return db, nil
}

func runSessionsList(cmd *cobra.Command, w io.Writer) error {
	db, err := openSessionIndex()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	records, err := db.SessionRepository().All(cmd.Context())
	if err != nil {
		return err
	}
	infos := make([]session.Info, len(records))
	for i, r := range records {
		infos[i] = session.Info{ID: r.ID, Dir: r.Dir, Agent: r.Agent}
	}
	return presentation.NewFormatter(w).FormatSessions(presentation.FromSessionInfos(infos))
}
