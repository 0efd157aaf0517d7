package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kensuke/internal/cluster"
)

type fakeSource struct {
	status   cluster.Status
	sessions []cluster.SessionInfo
	nodes    []cluster.NodeInfo
}

func (f *fakeSource) Status() cluster.Status          { return f.status }
func (f *fakeSource) Sessions() []cluster.SessionInfo { return f.sessions }
func (f *fakeSource) Nodes() []cluster.NodeInfo       { return f.nodes }

func newFakeSource() *fakeSource {
	now := time.Now()
	return &fakeSource{
		status: cluster.Status{
			Version:      "test",
			Started:      now.Add(-time.Hour),
			UptimeMillis: time.Hour.Milliseconds(),
			UptimeHours:  1,
			Nodes:        1,
			Sessions:     1,
			Cache:        cluster.CacheInfo{Entries: 3, Hits: 10, Misses: 2},
			Storage:      cluster.StorageInfo{Accounts: 1, Scopes: 2, Documents: 5, Bytes: 120},
		},
		sessions: []cluster.SessionInfo{
			{SessionID: "s1", DataID: "p1", Account: "lobby", Node: "lobby-1", Scopes: []string{"stats"}, CreatedAt: now, HadWrites: true, Owner: "lobby-1"},
		},
		nodes: []cluster.NodeInfo{
			{ID: "01HX", Name: "lobby-1", Account: "lobby", Addr: "10.0.0.1:5000", Version: 1, Scopes: []string{"stats"}, Sessions: []string{"s1"}, ConnectedAt: now, LastSeen: now},
		},
	}
}

func TestAPIRoutes(t *testing.T) {
	srv := httptest.NewServer(newAPIServer(newFakeSource()).routes())
	defer srv.Close()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "status", method: http.MethodGet, path: "/", want: http.StatusOK},
		{name: "sessions", method: http.MethodGet, path: "/sessions", want: http.StatusOK},
		{name: "nodes", method: http.MethodGet, path: "/nodes", want: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "unknown path", method: http.MethodGet, path: "/shards", want: http.StatusNotFound},
		{name: "post rejected", method: http.MethodPost, path: "/sessions", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPIStatusBody(t *testing.T) {
	src := newFakeSource()
	rec := httptest.NewRecorder()
	newAPIServer(src).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var st cluster.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 3, st.Cache.Entries)
	assert.Equal(t, 5, st.Storage.Documents)
}

func TestAPISessionsAndNodes(t *testing.T) {
	srv := httptest.NewServer(newAPIServer(newFakeSource()).routes())
	defer srv.Close()

	var sessions struct {
		Sessions []cluster.SessionInfo `json:"sessions"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), srv.URL+"/sessions", &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "lobby-1", sessions.Sessions[0].Owner)

	var nodes struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), srv.URL+"/nodes", &nodes))
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, []string{"s1"}, nodes.Nodes[0].Sessions)
}
