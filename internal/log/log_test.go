package log

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormat_FieldsAndOrphanKey(t *testing.T) {
	ts := time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC)
	line := Format(ts, LevelError, CatBridge, "write failed", "session", "s1", "dangling")
	require.Equal(t, "2025-12-06T10:45:00 [ERROR] [bridge] write failed session=s1 dangling=<missing>", line)
}

func TestLog_RespectsMinLevelAndPublishes(t *testing.T) {
	prev := defaultLogger
	t.Cleanup(func() { defaultLogger = prev })

	var buf bytes.Buffer
	InitWriter(&buf, LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := Subscribe(ctx)
	require.NotNil(t, lines)

	Debug(CatSession, "hidden")
	Info(CatSession, "started", "id", "abc")
	ErrorErr(CatTerminal, "boom", errors.New("pty closed"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[INFO] [session] started id=abc")
	require.Contains(t, out, "[ERROR] [terminal] boom error=pty closed")

	select {
	case ev := <-lines:
		require.Contains(t, ev.Payload, "started")
	case <-time.After(time.Second):
		require.Fail(t, "no log event published")
	}
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, LevelInfo, ParseLevel(" info "))
	require.Equal(t, LevelDebug, ParseLevel("chatty"))
}
