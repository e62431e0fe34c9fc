package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/banshee/internal/app"
	"github.com/zjrosen/banshee/internal/config"
	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backend over stdin/stdout",
	Long: `Run the backend for the desktop frontend. Requests are read from stdin
and responses written to stdout, one JSON object per line:

  -> {"id": 1, "method": "session.start", "params": {"sessionId": "s1", "projectDir": "/src/app"}}
  <- {"id": 1, "result": null}
  <- {"event": "codex:stream", "payload": {"type": "assistant:delta", ...}}

Notifications from agents, handlers, terminals and the settings watcher
are interleaved with responses. The process exits when stdin closes or on
SIGINT/SIGTERM, stopping every child it started.

Example:
  banshee serve
  banshee serve --mirror-logs     # forward log lines as "log" events`,
	RunE: runServe,
}

var serveMirrorLogs bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMirrorLogs, "mirror-logs", false,
		"forward log lines to the frontend as \"log\" notifications")
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("banshee-serve")
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := cfg
	if serveMirrorLogs {
		c.Notifications.MirrorLogs = true
	}
	return serve(ctx, c, os.Stdin, os.Stdout)
}

// serve runs the RPC loop until r is exhausted or ctx is cancelled.
func serve(ctx context.Context, c config.Config, r io.Reader, w io.Writer, opts ...app.Option) error {
	a, err := app.New(ctx, c, opts...)
	if err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.ErrorErr(log.CatRPC, "shutdown failed", err)
		}
	}()

	server := rpc.NewServer()
	rpc.Register(server, a)

	// Agent and terminal output must reach the frontend complete and in
	// order; mirrored log lines may be dropped under load.
	notes := a.SubscribeOrdered(ctx, "!"+events.TopicLog)
	logs := a.Subscribe(ctx, events.TopicLog)
	log.Info(log.CatRPC, "serving", "methods", len(server.Methods()))

	if err := server.Serve(ctx, r, w, notes, logs); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info(log.CatRPC, "input closed, shutting down")
	return nil
}
