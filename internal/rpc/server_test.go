package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/pubsub"
)

type echoParams struct {
	Text string `json:"text"`
}

func testServer() *Server {
	s := NewServer()
	s.Register("echo", bind(func(_ context.Context, p echoParams) (any, error) {
		return p.Text, nil
	}))
	s.Register("void", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	s.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("no such session: s9")
	})
	s.Register("panic", func(context.Context, json.RawMessage) (any, error) { panic("boom") })
	return s
}

func responses(t *testing.T, out string) map[string]map[string]json.RawMessage {
	t.Helper()
	got := make(map[string]map[string]json.RawMessage)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		if _, ok := m["event"]; ok {
			continue
		}
		got[string(m["id"])] = m
	}
	return got
}

func serve(t *testing.T, s *Server, input string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out, nil))
	return out.String()
}

func TestServe_Dispatch(t *testing.T) {
	out := serve(t, testServer(), strings.Join([]string{
		`{"id":1,"method":"echo","params":{"text":"hi"}}`,
		``,
		`{"id":"two","method":"void"}`,
		`{"id":3,"method":"fail"}`,
		`{"id":4,"method":"nope"}`,
		`{"id":5,"method":"echo","params":{"text":7}}`,
		`{"id":6,"method":"panic"}`,
	}, "\n")+"\n")

	got := responses(t, out)
	require.Len(t, got, 6)

	require.JSONEq(t, `"hi"`, string(got["1"]["result"]))
	require.NotContains(t, got["1"], "error")

	require.JSONEq(t, `null`, string(got[`"two"`]["result"]))

	require.JSONEq(t, `"no such session: s9"`, string(got["3"]["error"]))
	require.NotContains(t, got["3"], "result")

	require.JSONEq(t, `"unknown method: nope"`, string(got["4"]["error"]))
	require.Contains(t, string(got["5"]["error"]), "invalid params")
	require.JSONEq(t, `"internal error in panic"`, string(got["6"]["error"]))
}

func TestServe_ParseError(t *testing.T) {
	out := serve(t, testServer(), "{not json\n")
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &resp))
	require.Contains(t, resp.Error, "parse error")
	require.Equal(t, "null", string(resp.ID))
}

func TestServe_ForwardsNotifications(t *testing.T) {
	broker := pubsub.NewBroker[events.Notification]()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := broker.Subscribe(ctx)

	s := testServer()
	pr, pw := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, pr, &out, notes) }()

	broker.Publish(events.TopicCodexStream, events.Notification{Type: events.TypeAssistantDelta, Chunk: "he", TS: 1})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"event":"codex:stream"`)
	}, 2*time.Second, 10*time.Millisecond)

	_ = pw.Close()
	require.NoError(t, <-done)

	var ev struct {
		Event   string              `json:"event"`
		Payload events.Notification `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &ev))
	require.Equal(t, "codex:stream", ev.Event)
	require.Equal(t, events.TypeAssistantDelta, ev.Payload.Type)
	require.Equal(t, "he", ev.Payload.Chunk)
}

func TestServe_RequestsRunInInputOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	s := NewServer()
	s.Register("terminal.write", bind(func(_ context.Context, p struct {
		Data string `json:"data"`
	}) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.Data)
		return nil, nil
	}))

	const n = 2000
	var in strings.Builder
	want := make([]string, 0, n)
	for i := range n {
		key := fmt.Sprintf("k%d", i)
		want = append(want, key)
		fmt.Fprintf(&in, `{"id":%d,"method":"terminal.write","params":{"data":%q}}`+"\n", i, key)
	}

	out := serve(t, s, in.String())

	mu.Lock()
	require.Equal(t, want, got)
	mu.Unlock()

	sc := bufio.NewScanner(strings.NewReader(out))
	next := 0
	for sc.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		require.Equal(t, fmt.Sprint(next), string(resp.ID))
		next++
	}
	require.Equal(t, n, next)
}

func TestServe_AsyncMethodDoesNotBlockLoop(t *testing.T) {
	release := make(chan struct{})
	s := testServer()
	s.RegisterAsync("slow", func(context.Context, json.RawMessage) (any, error) {
		<-release
		return "slow done", nil
	})

	pr, pw := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), pr, &out) }()

	_, err := io.WriteString(pw, `{"id":1,"method":"slow"}`+"\n"+`{"id":2,"method":"echo","params":{"text":"fast"}}`+"\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"result":"fast"`)
	}, 2*time.Second, 10*time.Millisecond)
	require.NotContains(t, out.String(), "slow done")

	close(release)
	_ = pw.Close()
	require.NoError(t, <-done)
	require.Contains(t, out.String(), "slow done")
}

// slowWriter takes delay per write, like a frontend draining stdout slowly.
type slowWriter struct {
	syncBuffer
	delay time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	return w.syncBuffer.Write(p)
}

func TestServe_OrderedNotificationsSurviveSlowWriter(t *testing.T) {
	broker := pubsub.NewBrokerWithBuffer[events.Notification](256)
	defer broker.Close()
	emitter := events.NewBrokerEmitter(broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := broker.SubscribeOrdered(ctx, "!"+events.TopicLog)

	pr, pw := io.Pipe()
	out := &slowWriter{delay: 100 * time.Microsecond}
	done := make(chan error, 1)
	go func() { done <- NewServer().Serve(ctx, pr, out, notes) }()

	const n = 1000
	for i := range n {
		emitter.Emit(events.Notification{Type: events.TypeAssistantDelta, Topic: events.TopicCodexStream, Chunk: fmt.Sprint(i)})
	}

	count := func() int { return strings.Count(out.String(), "\n") }
	require.Eventually(t, func() bool { return count() == n }, 10*time.Second, 20*time.Millisecond)

	_ = pw.Close()
	cancel()
	require.NoError(t, <-done)
	require.Zero(t, broker.Dropped())

	sc := bufio.NewScanner(strings.NewReader(out.String()))
	i := 0
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		require.Equal(t, events.TopicCodexStream, ev.Event)
		require.Equal(t, fmt.Sprint(i), ev.Payload.Chunk)
		i++
	}
	require.Equal(t, n, i)
}

func TestServe_ContextCancelStops(t *testing.T) {
	pr, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testServer().Serve(ctx, pr, io.Discard, nil) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewResult_MarshalFailure(t *testing.T) {
	_, err := NewResult(json.RawMessage(`1`), make(chan int))
	require.Error(t, err)
}

func TestNewError_Empty(t *testing.T) {
	require.Equal(t, "unknown error", NewError(nil, nil).Error)
}
