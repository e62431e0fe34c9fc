package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/terminal"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal [dir]",
	Short: "Open a shell through the backend's pty layer",
	Long: `Open an interactive shell in dir (default: current directory) using the
same pty handling the frontend's terminal panel uses. Useful for checking
shell, environment and resize behaviour outside the app.

Example:
  banshee terminal
  banshee terminal ~/src/app`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTerminal,
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}

const attachedTerminalID = "cli"

func runTerminal(cmd *cobra.Command, args []string) error {
	cleanup, err := initLogging("banshee-terminal")
	if err != nil {
		return err
	}
	defer cleanup()

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
	}

	tcfg := cfg.TerminalManager()
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if cols, rows, err := term.GetSize(stdinFd); err == nil {
			tcfg.Rows, tcfg.Cols = uint16(rows), uint16(cols)
		}
	}

	exited := make(chan int, 1)
	out := cmd.OutOrStdout()
	emitter := events.EmitterFunc(func(n events.Notification) {
		switch n.Type {
		case events.TypeTerminalOutput:
			_, _ = io.WriteString(out, n.Data)
		case events.TypeTerminalExit:
			code := -1
			if n.ExitCode != nil {
				code = *n.ExitCode
			}
			exited <- code
		}
	})

	mgr := terminal.NewManager(tcfg, terminal.WithEmitter(emitter))
	if err := mgr.Create(attachedTerminalID, dir); err != nil {
		return err
	}
	defer mgr.CloseAll()

	if interactive {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdinFd, state) }()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if interactive {
		go forwardResize(ctx, mgr, stdinFd)
	}
	go forwardInput(ctx, mgr, os.Stdin)

	select {
	case code := <-exited:
		if code != 0 {
			return fmt.Errorf("shell exited with status %d", code)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func forwardInput(ctx context.Context, mgr *terminal.Manager, r io.Reader) {
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := mgr.Write(attachedTerminalID, string(buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func forwardResize(ctx context.Context, mgr *terminal.Manager, fd int) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			if cols, rows, err := term.GetSize(fd); err == nil {
				_ = mgr.Resize(attachedTerminalID, uint16(rows), uint16(cols))
			}
		}
	}
}
