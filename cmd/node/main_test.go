package main

import (
	"context"
	"encoding/json"
	"fmt"
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

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("NODE_NAME", "lobby-1")
	t.Setenv("NODE_LOGIN", "lobby")
	t.Setenv("NODE_PASSWORD", "secret")
	t.Setenv("NODE_SCOPES", "stats,profile")
	t.Setenv("NODE_PLAYERS", "5")
	t.Setenv("NODE_INTERVAL", "250ms")

	cfg := configFromEnv()
	assert.Equal(t, "ws://127.0.0.1:8999", cfg.URL)
	assert.Equal(t, "lobby-1", cfg.Name)
	assert.Equal(t, []string{"stats", "profile"}, cfg.Scopes)
	assert.Equal(t, 5, cfg.Players)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, 1, cfg.Version)
}

func TestMustGetenvMissing(t *testing.T) {
	old := logFatal
	defer func() { logFatal = old }()

	var msg string
	logFatal = func(format string, args ...any) {
		msg = fmt.Sprintf(format, args...)
	}
	t.Setenv("NODE_NAME", "")
	mustGetenv("NODE_NAME")
	assert.Equal(t, "missing env NODE_NAME", msg)
}

func TestNodeFlushForgetsPlayer(t *testing.T) {
	n := newNode(config{Name: "lobby-1", Scopes: []string{"stats"}})
	n.add("s1", &player{ID: "p1", Level: 4})
	n.add("s2", &player{ID: "p2"})

	stats, err := n.flush("s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":4,"saves":0}`, string(stats["stats"]))
	assert.Equal(t, []string{"s2"}, n.sessions())

	_, err = n.flush("s1")
	level, ok := protocol.LevelOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.LevelWarning, level)

	n.forget("s2")
	assert.Empty(t, n.sessions())
}

func TestNodePlay(t *testing.T) {
	n := newNode(config{Scopes: []string{"stats", "profile"}})
	n.add("s1", &player{ID: "p1", Level: 1})

	out := n.play()
	require.Contains(t, out, "s1")
	assert.JSONEq(t, `{"level":2,"saves":1}`, string(out["s1"]["stats"]))
	assert.JSONEq(t, `{"level":2,"saves":1}`, string(out["s1"]["profile"]))
}

func TestRunAgainstCoordinator(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.RegisterAccount(ctx, "lobby", "secret")
	require.NoError(t, err)
	_, err = store.RegisterScope(ctx, "stats", "lobby")
	require.NoError(t, err)
	require.NoError(t, store.SaveData(ctx, "stats", "player-1", json.RawMessage(`{"level":40}`)))
	reg, err := session.Open(ctx, store.SessionLog())
	require.NoError(t, err)

	srv := httptest.NewServer(coordinator.NewServer(coordinator.New(store, reg, nil, coordinator.Options{})))
	defer srv.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- run(runCtx, config{
			URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
			Name:     "lobby-1",
			Login:    "lobby",
			Password: "secret",
			Scopes:   []string{"stats"},
			Players:  2,
			Interval: 20 * time.Millisecond,
			Version:  1,
		})
	}()

	saves := func(id string) int {
		doc, err := store.ReadData(ctx, "stats", id)
		if err != nil || doc == nil {
			return 0
		}
		var v struct {
			Level int `json:"level"`
			Saves int `json:"saves"`
		}
		_ = json.Unmarshal(doc, &v)
		return v.Saves
	}
	require.Eventually(t, func() bool { return saves("player-1") >= 2 && saves("player-2") >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, reg.Len())

	doc, err := store.ReadData(ctx, "stats", "player-1")
	require.NoError(t, err)
	var v struct {
		Level int `json:"level"`
	}
	require.NoError(t, json.Unmarshal(doc, &v))
	assert.Greater(t, v.Level, 40)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	assert.Equal(t, 0, reg.Len())
}
