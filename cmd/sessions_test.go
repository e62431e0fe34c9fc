package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/banshee/internal/config"
	"github.com/zjrosen/banshee/internal/infrastructure/sqlite"
	"github.com/zjrosen/banshee/internal/presentation"
	"github.com/zjrosen/banshee/internal/session"
)

func TestSessionsList(t *testing.T) {
	oldCfg := cfg
	cfg = config.Defaults()
	cfg.Sessions.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	t.Cleanup(func() { cfg = oldCfg })

	db, err := sqlite.NewDB(cfg.Sessions.DBPath)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.SessionRepository().Upsert(context.Background(), session.Record{
		ID: "s1", Dir: "/src/app", Agent: session.AgentClaude, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.Close())

	c := &cobra.Command{}
	c.SetContext(context.Background())
	var out bytes.Buffer
	require.NoError(t, runSessionsList(c, &out))

	var got []presentation.SessionDTO
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, []presentation.SessionDTO{{ID: "s1", Agent: "claude", Dir: "/src/app"}}, got)
}

func TestSessionsList_IndexDisabled(t *testing.T) {
	oldCfg := cfg
	cfg = config.Defaults()
	cfg.Sessions.DBPath = ""
	t.Cleanup(func() { cfg = oldCfg })

	c := &cobra.Command{}
	c.SetContext(context.Background())
	err := runSessionsList(c, &bytes.Buffer{})
	require.ErrorContains(t, err, "session index disabled")
}
