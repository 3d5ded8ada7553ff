package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/broker/redis"
	"tributary/internal/dbstream"
	"tributary/internal/domain"
	"tributary/internal/namespace"
	"tributary/internal/storage/sqlite"
	"tributary/internal/stream"
)

func newTestNamespace(t *testing.T) *namespace.Namespace {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return namespace.New(st)
}

func startRuntime(t *testing.T, o Options) *Runtime {
	t.Helper()
	rt := New(o)
	_, err := rt.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt
}

type capture struct {
	mu   sync.Mutex
	vals []any
}

func (c *capture) sink(t *testing.T, n *stream.Node) {
	t.Helper()
	s := stream.Sink(func(v any) error {
		c.mu.Lock()
		c.vals = append(c.vals, v)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, n.Connect(s))
	t.Cleanup(func() { _ = s.Destroy() })
}

func (c *capture) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.vals...)
}

func TestNormalizeMode(t *testing.T) {
	assert.Equal(t, ModeFile, NormalizeMode("file"))
	assert.Equal(t, ModeFile, NormalizeMode(" File-IPC "))
	assert.Equal(t, ModeLocal, NormalizeMode("local"))
	assert.Equal(t, ModeAMQP, NormalizeMode("rabbitmq"))
	assert.Equal(t, ModeRedis, NormalizeMode(""))
}

func TestLocalPublishReachesSubscribers(t *testing.T) {
	ns := newTestNamespace(t)
	rt := startRuntime(t, Options{Mode: "local", Topic: "local-bus", Namespace: ns})

	var got capture
	got.sink(t, rt.Topic())

	msg, err := rt.Publish(context.Background(), "hello", WithSender("admin"), WithExtra(map[string]any{"level": "info"}))
	require.NoError(t, err)
	assert.NotZero(t, msg.TS)

	vals := got.all()
	require.Len(t, vals, 1)
	m := vals[0].(map[string]any)
	assert.Equal(t, "admin", m["sender"])
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, vals, rt.RecentMessages(10))

	st := rt.Status()
	assert.Equal(t, ModeLocal, st.Mode)
	assert.True(t, st.Connected)
	assert.Equal(t, "local-bus", st.Topic)
}

func TestFileIPCDeliversWithinPollInterval(t *testing.T) {
	ns := newTestNamespace(t)
	path := filepath.Join(t.TempDir(), "bus.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"sender":"old","message":"before start","ts":1}`+"\n"), 0o644))

	rt := startRuntime(t, Options{
		Mode:      "file",
		Topic:     "file-bus",
		Namespace: ns,
		File:      FileOptions{Path: path, PollInterval: 20 * time.Millisecond},
	})
	var got capture
	got.sink(t, rt.Topic())

	_, err := rt.Publish(context.Background(), map[string]any{"x": 1.0}, WithSender("writer"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	m := got.all()[0].(map[string]any)
	assert.Equal(t, "writer", m["sender"])
	assert.Equal(t, map[string]any{"x": 1.0}, m["message"])
	assert.Equal(t, path, rt.Status().Backend["file_path"])
}

func TestFileIPCReplayAndRawLines(t *testing.T) {
	ns := newTestNamespace(t)
	path := filepath.Join(t.TempDir(), "bus.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"sender\":\"a\",\"message\":1,\"ts\":1}\nnot json\n{\"partial\":"), 0o644))

	rt := startRuntime(t, Options{
		Mode:      "file-ipc",
		Topic:     "replay-bus",
		Namespace: ns,
		File:      FileOptions{Path: path, Replay: true, PollInterval: 10 * time.Millisecond},
	})
	var got capture
	got.sink(t, rt.Topic())

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
	raw := got.all()[1].(map[string]any)
	assert.Equal(t, fileSender, raw["sender"])
	assert.Equal(t, "not json", raw["message"])

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("true}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"partial": true}, got.all()[2])
}

func TestUnreachableBrokerFallsBackToLocal(t *testing.T) {
	ns := newTestNamespace(t)
	warns := stream.ToList()
	require.NoError(t, stream.Warnings().Connect(warns.Node))
	t.Cleanup(func() { _ = warns.Destroy() })

	rt := startRuntime(t, Options{
		Mode:      "redis",
		Topic:     "fallback-bus",
		Namespace: ns,
		Redis:     redis.Config{Addr: "127.0.0.1:1"},
	})
	st := rt.Status()
	assert.Equal(t, ModeLocalFallback, st.Mode)
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)
	assert.NotEmpty(t, warns.Items())

	var got capture
	got.sink(t, rt.Topic())
	_, err := rt.Publish(context.Background(), "still works", WithSender("t"))
	require.NoError(t, err)
	require.Len(t, got.all(), 1)
}

func TestClientsPrunesStaleHeartbeats(t *testing.T) {
	ns := newTestNamespace(t)
	rt := startRuntime(t, Options{Mode: "local", Topic: "hb-bus", Namespace: ns, HeartbeatInterval: time.Hour})
	now := time.Unix(1_700_000_000, 0)
	rt.now = func() time.Time { return now }

	db, err := ns.Table(ClientsTable, dbstream.Options{})
	require.NoError(t, err)
	ctx := context.Background()
	put := func(key, topic string, age time.Duration) {
		require.NoError(t, db.Upsert(ctx, key, domain.Heartbeat{
			ClientKey: key, Topic: topic, UpdatedAt: domain.Epoch(now.Add(-age)),
		}))
	}
	put("fresh:1", "hb-bus", 5*time.Second)
	put("newer:2", "hb-bus", time.Second)
	put("stale:3", "hb-bus", 31*time.Second)
	put("other:4", "other-topic", time.Second)
	require.NoError(t, db.Upsert(ctx, "broken:5", "not a record"))
	_, err = db.Delete(ctx, rt.ClientKey())
	require.NoError(t, err)

	clients, err := rt.Clients(ctx, 30*time.Second)
	require.NoError(t, err)
	var keys []string
	for _, c := range clients {
		keys = append(keys, c.ClientKey)
	}
	assert.Equal(t, []string{"newer:2", "fresh:1"}, keys)

	for _, k := range []string{"stale:3", "broken:5"} {
		ok, err := db.Contains(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok, k)
	}
	ok, err := db.Contains(ctx, "other:4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopRemovesOwnHeartbeat(t *testing.T) {
	ns := newTestNamespace(t)
	rt := New(Options{Mode: "local", Topic: "stop-bus", Namespace: ns})
	_, err := rt.Start(context.Background())
	require.NoError(t, err)

	clients, err := rt.Clients(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, rt.ClientKey(), clients[0].ClientKey)
	assert.Equal(t, ModeLocal, clients[0].Mode)

	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	assert.True(t, rt.Status().Stopped)

	db, err := ns.Table(ClientsTable, dbstream.Options{})
	require.NoError(t, err)
	ok, err := db.Contains(context.Background(), rt.ClientKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishBeforeStart(t *testing.T) {
	rt := New(Options{Mode: "local"})
	_, err := rt.Publish(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, rt.Status().Connected)
	require.NoError(t, rt.Stop(context.Background()))
}

func TestStopWithFastHeartbeatLeavesNoRecord(t *testing.T) {
	ns := newTestNamespace(t)
	for i := 0; i < 5; i++ {
		rt := New(Options{Mode: "local", Topic: "fast-hb", Namespace: ns, HeartbeatInterval: time.Millisecond, ClientTTL: time.Hour})
		_, err := rt.Start(context.Background())
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, rt.Stop(context.Background()))

		time.Sleep(5 * time.Millisecond)
		db, err := ns.Table(ClientsTable, dbstream.Options{})
		require.NoError(t, err)
		ok, err := db.Contains(context.Background(), rt.ClientKey())
		require.NoError(t, err)
		require.False(t, ok, "heartbeat written back after stop (run %d)", i)
	}
}
