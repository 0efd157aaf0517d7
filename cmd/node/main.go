// Package main implements a smoke-test game server node. It connects to the
// coordinator, opens a session for a handful of fake players and keeps
// saving their stats until it is stopped.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  nodeclient.Client  - coordinator link   │
//	│  players map        - session → stats    │
//	│  ticker             - periodic syncData  │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_NAME: Node name reported at auth (required)
//   - NODE_LOGIN / NODE_PASSWORD: Account credentials (required)
//   - COORDINATOR_URL: Websocket URL (default: "ws://127.0.0.1:8999")
//   - NODE_SCOPES: Comma separated scopes to use (default: "stats")
//   - NODE_PLAYERS: Number of fake players (default: 3)
//   - NODE_INTERVAL: Save interval (default: "1s")
//   - NODE_VERSION: Protocol version, 0 or 1 (default: 1)
//
// Example usage:
//
//	NODE_NAME=lobby-1 NODE_LOGIN=lobby NODE_PASSWORD=secret ./node -v=1 -logtostderr
//
// Starting a second node with the same players moves them over: the first
// node is asked to flush and forgets them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dreamware/kensuke/internal/nodeclient"
	"github.com/dreamware/kensuke/internal/protocol"
)

// logFatal is a variable so tests can intercept fatal configuration errors.
var logFatal = glog.Exitf

type config struct {
	URL      string
	Name     string
	Login    string
	Password string
	Scopes   []string
	Players  int
	Interval time.Duration
	Version  int
}

func configFromEnv() config {
	players, err := strconv.Atoi(getenv("NODE_PLAYERS", "3"))
	if err != nil {
		logFatal("NODE_PLAYERS: %v", err)
	}
	interval, err := time.ParseDuration(getenv("NODE_INTERVAL", "1s"))
	if err != nil {
		logFatal("NODE_INTERVAL: %v", err)
	}
	version, err := strconv.Atoi(getenv("NODE_VERSION", "1"))
	if err != nil {
		logFatal("NODE_VERSION: %v", err)
	}
	return config{
		URL:      getenv("COORDINATOR_URL", "ws://127.0.0.1:8999"),
		Name:     mustGetenv("NODE_NAME"),
		Login:    mustGetenv("NODE_LOGIN"),
		Password: mustGetenv("NODE_PASSWORD"),
		Scopes:   strings.Split(getenv("NODE_SCOPES", "stats"), ","),
		Players:  players,
		Interval: interval,
		Version:  version,
	}
}

// player is the node's in-memory copy of one player's stats.
type player struct {
	ID    string
	Level int
	Saves int
}

func (p *player) stats(scopes []string) protocol.Stats {
	doc, _ := json.Marshal(struct {
		Level int `json:"level"`
		Saves int `json:"saves"`
	}{p.Level, p.Saves})
	out := protocol.Stats{}
	for _, s := range scopes {
		out[s] = doc
	}
	return out
}

// Node holds the players whose sessions this process owns.
// Thread-safe: the coordinator's requestSync and endSession pushes arrive
// on the client's read goroutine.
type Node struct {
	cfg     config
	mu      sync.Mutex
	players map[string]*player // session id -> player
}

func newNode(cfg config) *Node {
	return &Node{cfg: cfg, players: make(map[string]*player)}
}

// flush is the requestSync callback: it hands back the player's latest stats
// and forgets the player, who is moving to another node.
func (n *Node) flush(sessionID string) (protocol.Stats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.players[sessionID]
	if !ok {
		return nil, protocol.Warningf("No session %s on %s", sessionID, n.cfg.Name)
	}
	delete(n.players, sessionID)
	glog.Infof("%s is moving away, flushing level %d", p.ID, p.Level)
	return p.stats(n.cfg.Scopes), nil
}

func (n *Node) forget(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.players[sessionID]; ok {
		glog.Infof("Session of %s was ended by the coordinator", p.ID)
		delete(n.players, sessionID)
	}
}

func (n *Node) add(sessionID string, p *player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.players[sessionID] = p
}

// play advances every player by one round and returns their stats keyed by
// session id.
func (n *Node) play() map[string]protocol.Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]protocol.Stats, len(n.players))
	for id, p := range n.players {
		p.Level++
		p.Saves++
		out[id] = p.stats(n.cfg.Scopes)
	}
	return out
}

func (n *Node) sessions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.players))
	for id := range n.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// join opens a session for every configured player, picking up the level
// stored by the coordinator.
func (n *Node) join(ctx context.Context, c *nodeclient.Client) error {
	for i := 1; i <= n.cfg.Players; i++ {
		id := fmt.Sprintf("player-%d", i)
		sessionID := uuid.NewString()
		stats, err := c.CreateSession(ctx, id, sessionID, n.cfg.Name, n.cfg.Scopes...)
		if err != nil {
			return fmt.Errorf("create session for %s: %w", id, err)
		}
		p := &player{ID: id}
		if doc := stats[n.cfg.Scopes[0]]; len(doc) > 0 {
			var saved struct {
				Level int `json:"level"`
			}
			if json.Unmarshal(doc, &saved) == nil {
				p.Level = saved.Level
			}
		}
		n.add(sessionID, p)
		glog.Infof("%s joined at level %d (session %s)", id, p.Level, sessionID)
	}
	return nil
}

// run connects, joins the players and saves them every interval until ctx
// is done, then ends every session.
func run(ctx context.Context, cfg config) error {
	n := newNode(cfg)
	c, err := nodeclient.Dial(ctx, cfg.URL, nodeclient.Options{
		Login:         cfg.Login,
		Password:      cfg.Password,
		NodeName:      cfg.Name,
		Version:       cfg.Version,
		OnRequestSync: n.flush,
		OnEndSession:  n.forget,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	glog.Infof("%s connected to %s", cfg.Name, cfg.URL)

	if err := c.UseScopes(ctx, cfg.Scopes...); err != nil {
		return fmt.Errorf("use scopes: %w", err)
	}
	if err := n.join(ctx, c); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, id := range n.sessions() {
				if err := c.EndSession(shutdownCtx, id); err != nil {
					glog.Warningf("end session %s: %v", id, err)
				}
			}
			return nil
		case <-c.Done():
			return fmt.Errorf("connection lost: %w", c.Err())
		case <-ticker.C:
			for id, stats := range n.play() {
				if err := c.SyncData(ctx, id, stats); err != nil {
					if level, _ := protocol.LevelOf(err); level == protocol.LevelWarning {
						glog.V(1).Infof("save of %s skipped: %v", id, err)
						continue
					}
					glog.Warningf("save of session %s failed: %v", id, err)
				}
			}
		}
	}
}

func main() {
	flag.Parse()
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configFromEnv()); err != nil {
		glog.Exitf("node stopped: %v", err)
	}
	glog.Info("node stopped")
}

// getenv returns the environment variable k, or def when it is unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the environment variable k and exits if it is unset.
func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		logFatal("missing env %s", k)
	}
	return v
}
