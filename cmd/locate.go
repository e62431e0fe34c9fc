package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/banshee/internal/presentation"
	"github.com/zjrosen/banshee/internal/process"
)

var locateCmd = &cobra.Command{
	Use:   "locate [binary...]",
	Short: "Show where agent binaries resolve to",
	Long: `Show how each binary is resolved: an <NAME>_BINARY_PATH override, PATH,
or a well-known install location. Without arguments the configured codex,
claude and handler runtime binaries are shown.

Example:
  banshee locate
  banshee locate codex node`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{cfg.Codex.Binary, cfg.Claude.Binary, cfg.Handlers.Runtime}
		}
		l := process.NewLocator()
		out := make([]process.Resolution, 0, len(args))
		for _, name := range args {
			if name == "" {
				continue
			}
			out = append(out, l.Locate(name))
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).Format(out)
	},
}

func init() {
	rootCmd.AddCommand(locateCmd)
}
