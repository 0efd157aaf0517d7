package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/kensuke/internal/cluster"
)

// statusSource is the read side of the coordinator the metrics API serves.
type statusSource interface {
	Status() cluster.Status
	Sessions() []cluster.SessionInfo
	Nodes() []cluster.NodeInfo
}

type apiServer struct {
	src statusSource
}

func newAPIServer(src statusSource) *apiServer {
	return &apiServer{src: src}
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, s.src.Status())
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, struct {
		Sessions []cluster.SessionInfo `json:"sessions"`
	}{Sessions: s.src.Sessions()})
}

func (s *apiServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.src.Nodes()})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// serveAPI runs the metrics API on addr until ctx is done.
func serveAPI(ctx context.Context, addr string, s *apiServer) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	glog.Infof("Metrics API is available at %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
