package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/git"
	"github.com/zjrosen/banshee/internal/presentation"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Inspect and restore file checkpoints",
	Long: `Inspect the checkpoints agents record before editing files.

Checkpoints live under <project>/.banshee/checkpoints (see checkpoints.dir).
Every subcommand works on the project given by --dir, defaulting to the
current directory.

Example:
  banshee checkpoint list
  banshee checkpoint files cp-1712345678
  banshee checkpoint diff cp-1712345678 src/main.go
  banshee checkpoint restore cp-1712345678 --mode original
  banshee checkpoint clean --keep 5`,
}

var (
	checkpointDir  string
	checkpointMode string
	checkpointKeep int
)

// projectRoot maps every session to one directory.
type projectRoot string

func (p projectRoot) ProjectDir(string) (string, bool) { return string(p), true }

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.PersistentFlags().StringVar(&checkpointDir, "dir", "", "project directory (default: current directory)")

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckpointList(cmd.OutOrStdout())
		},
	})
	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "files <checkpoint-id>",
		Short: "List the files captured by a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointFiles(cmd.OutOrStdout(), args[0])
		},
	})
	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "diff <checkpoint-id> <path>",
		Short: "Show how a file changed after the checkpoint was taken",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointDiff(cmd.OutOrStdout(), args[0], args[1])
		},
	})

	restoreCmd := &cobra.Command{
		Use:   "restore <checkpoint-id> [path...]",
		Short: "Write checkpointed files back to disk",
		Long: `Write the files of a checkpoint back to disk. With paths, only those
files are restored. --mode original restores the content from before the
edit; --mode current restores the content the agent produced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointRestore(cmd, args[0], args[1:])
		},
	}
	restoreCmd.Flags().StringVar(&checkpointMode, "mode", string(checkpoint.ModeOriginal), "which side to restore: original or current")
	checkpointCmd.AddCommand(restoreCmd)

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newCheckpointStore()
			if err != nil {
				return err
			}
			return store.Delete(cmd.Context(), "", args[0])
		},
	})

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete all but the newest checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keep := cfg.Checkpoints.Keep
			if cmd.Flags().Changed("keep") {
				keep = checkpointKeep
			}
			store, err := newCheckpointStore()
			if err != nil {
				return err
			}
			removed, err := store.Clean(cmd.Context(), "", keep)
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).Format(map[string]int{"removed": removed, "kept": keep})
		},
	}
	cleanCmd.Flags().IntVar(&checkpointKeep, "keep", 0, "number of checkpoints to keep (default: checkpoints.keep)")
	checkpointCmd.AddCommand(cleanCmd)
}

func newCheckpointStore() (*checkpoint.Store, error) {
	dir := checkpointDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	return checkpoint.NewStore(
		checkpoint.WithProjectDirs(projectRoot(abs)),
		checkpoint.WithDir(cfg.Checkpoints.Dir),
		checkpoint.WithGit(git.NewCLI(""), cfg.Checkpoints.GitCacheTTL),
	), nil
}

func runCheckpointList(w io.Writer) error {
	store, err := newCheckpointStore()
	if err != nil {
		return err
	}
	list, err := store.List("")
	if err != nil {
		return err
	}
	return presentation.NewFormatter(w).FormatCheckpoints(presentation.FromCheckpointList(list, time.Now()))
}

func runCheckpointFiles(w io.Writer, id string) error {
	store, err := newCheckpointStore()
	if err != nil {
		return err
	}
	files, err := store.ListFiles("", id)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(w).Format(files)
}

func runCheckpointDiff(w io.Writer, id, path string) error {
	store, err := newCheckpointStore()
	if err != nil {
		return err
	}
	diff, err := store.Diff("", id, path)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, diff)
	return err
}

func runCheckpointRestore(cmd *cobra.Command, id string, paths []string) error {
	mode := checkpoint.ParseMode(checkpointMode)
	store, err := newCheckpointStore()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		err = store.Restore(cmd.Context(), "", id, mode)
	} else {
		err = store.RestoreFiles(cmd.Context(), "", id, paths, mode)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%s)\n", id, mode)
	return nil
}
