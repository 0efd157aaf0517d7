package nodeclient

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kensuke/internal/coordinator"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/session"
	"github.com/dreamware/kensuke/internal/storage"
)

type testServer struct {
	url   string
	c     *coordinator.Coordinator
	store *storage.MemoryStore
}

func startServer(t *testing.T, opts coordinator.Options) *testServer {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.RegisterAccount(ctx, "lobby", "secret")
	require.NoError(t, err)
	_, err = store.RegisterScope(ctx, "stats", "lobby")
	require.NoError(t, err)
	reg, err := session.Open(ctx, store.SessionLog())
	require.NoError(t, err)

	c := coordinator.New(store, reg, nil, opts)
	runCtx, cancel := context.WithCancel(ctx)
	go c.Run(runCtx)

	srv := httptest.NewServer(coordinator.NewServer(c))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), c: c, store: store}
}

func (s *testServer) dial(t *testing.T, name string, opts Options) *Client {
	t.Helper()
	opts.Login, opts.Password, opts.NodeName = "lobby", "secret", name
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	c, err := Dial(context.Background(), s.url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func level(t *testing.T, doc json.RawMessage) float64 {
	t.Helper()
	var v struct {
		Level float64 `json:"level"`
	}
	require.NoError(t, json.Unmarshal(doc, &v))
	return v.Level
}

func TestHandOffBetweenNodes(t *testing.T) {
	s := startServer(t, coordinator.Options{})
	ctx := context.Background()

	x := s.dial(t, "lobby-1", Options{
		Version: 1,
		OnRequestSync: func(sessionID string) (protocol.Stats, error) {
			return protocol.Stats{"stats": json.RawMessage(`{"level":4}`)}, nil
		},
	})
	y := s.dial(t, "lobby-2", Options{Version: 1})

	stats, err := x.CreateSession(ctx, "p1", "s1", "lobby", "stats")
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(stats["stats"]))
	require.NoError(t, x.SyncData(ctx, "s1", protocol.Stats{"stats": json.RawMessage(`{"level":3}`)}))
	assert.Equal(t, []string{"s1"}, x.Sessions())

	stats, err = y.CreateSession(ctx, "p1", "s2", "arena", "stats")
	require.NoError(t, err)
	assert.Equal(t, 4.0, level(t, stats["stats"]))

	require.Eventually(t, func() bool { return len(x.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s2"}, y.Sessions())

	// the old session is gone for good
	err = x.SyncData(ctx, "s1", protocol.Stats{"stats": json.RawMessage(`{"level":1}`)})
	lvl, ok := protocol.LevelOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.LevelSevere, lvl)
}

func TestVersion0Client(t *testing.T) {
	s := startServer(t, coordinator.Options{})
	ctx := context.Background()
	x := s.dial(t, "old-1", Options{Version: 0})

	_, err := x.CreateSession(ctx, "p1", "s1", "lobby", "stats")
	require.NoError(t, err)
	require.NoError(t, x.SyncData(ctx, "s1", protocol.Stats{"stats": json.RawMessage(`{"level":8}`)}))

	entries, err := x.Leaderboard(ctx, protocol.RequestLeaderboard{Scope: "stats", Field: "level"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 8.0, level(t, entries[0]))

	snap, err := x.Snapshot(ctx, "p1", "stats")
	require.NoError(t, err)
	assert.Equal(t, 8.0, level(t, snap["stats"]))

	require.NoError(t, x.EndSession(ctx, "s1"))
	err = x.EndSession(ctx, "s1")
	assert.NoError(t, err)
}

func TestReconnectReclaimsSessions(t *testing.T) {
	s := startServer(t, coordinator.Options{})
	ctx := context.Background()

	x := s.dial(t, "lobby-1", Options{Version: 1})
	_, err := x.CreateSession(ctx, "p1", "s1", "lobby", "stats")
	require.NoError(t, err)
	require.NoError(t, x.Close())
	<-x.Done()
	require.Eventually(t, func() bool { return len(s.c.Nodes()) == 0 }, 2*time.Second, 10*time.Millisecond)

	ended := make(chan string, 1)
	x2 := s.dial(t, "lobby-1", Options{
		Version:        1,
		ActiveSessions: []string{"s1", "ghost"},
		OnEndSession:   func(id string) { ended <- id },
	})

	select {
	case id := <-ended:
		assert.Equal(t, "ghost", id)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown session was not ended")
	}
	assert.Equal(t, []string{"s1"}, x2.Sessions())

	nodes := s.c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, []string{"s1"}, nodes[0].Sessions)
	require.NoError(t, x2.SyncData(ctx, "s1", protocol.Stats{"stats": json.RawMessage(`{"level":2}`)}))
}

func TestErrorsAreProtocolErrors(t *testing.T) {
	s := startServer(t, coordinator.Options{})
	ctx := context.Background()

	_, err := Dial(ctx, s.url, Options{Login: "lobby", Password: "wrong", Version: 1, Timeout: time.Second})
	lvl, ok := protocol.LevelOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.LevelFatal, lvl)

	x := s.dial(t, "lobby-1", Options{Version: 1})
	_, err = x.CreateSession(ctx, "p1", "s1", "lobby", "stats")
	require.NoError(t, err)
	_, err = x.CreateSession(ctx, "p2", "s1", "lobby", "stats")
	assert.EqualError(t, err, "SEVERE: Session already exists")
}

func TestIdleClientStaysConnected(t *testing.T) {
	s := startServer(t, coordinator.Options{KeepAliveInterval: 20 * time.Millisecond, MaxMissed: 5})
	x := s.dial(t, "lobby-1", Options{Version: 1})

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, s.c.Nodes(), 1)
	assert.GreaterOrEqual(t, x.KeepAlives(), int64(2))
	select {
	case <-x.Done():
		t.Fatal("idle connection was dropped")
	default:
	}
}
