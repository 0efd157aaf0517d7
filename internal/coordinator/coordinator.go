package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/dreamware/kensuke/internal/cache"
	"github.com/dreamware/kensuke/internal/cluster"
	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/session"
	"github.com/dreamware/kensuke/internal/storage"
	"github.com/dreamware/kensuke/internal/talk"
)

// Version is reported by the metrics API.
var Version = "dev"

// Options tunes the coordinator. Zero fields fall back to DefaultOptions,
// except Warmup where zero disables the warm-up window.
type Options struct {
	TalkTimeout       time.Duration // sendAndAwait timeout
	Warmup            time.Duration // orphaned sessions are kept this long after start
	CacheTTL          time.Duration // idle time before an unreferenced Dao is evicted
	CacheSweep        time.Duration // cache sweep interval
	KeepAliveInterval time.Duration // keepAlive push interval
	MaxMissed         int           // unanswered transport pings before a connection is dropped
	FrameRate         float64       // inbound frames per second per connection
	FrameBurst        int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TalkTimeout:       talk.DefaultTimeout,
		Warmup:            10 * time.Second,
		CacheTTL:          cache.DefaultTTL,
		CacheSweep:        10 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		MaxMissed:         3,
		FrameRate:         200,
		FrameBurst:        400,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TalkTimeout <= 0 {
		o.TalkTimeout = d.TalkTimeout
	}
	if o.Warmup < 0 {
		o.Warmup = d.Warmup
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.CacheSweep <= 0 {
		o.CacheSweep = d.CacheSweep
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.MaxMissed <= 0 {
		o.MaxMissed = d.MaxMissed
	}
	if o.FrameRate <= 0 {
		o.FrameRate = d.FrameRate
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = d.FrameBurst
	}
	return o
}

type handler func(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error)

// Coordinator owns the protocol state shared by every connection: the
// session registry, the data cache and the list of live nodes.
//
// Scheduling model:
// Handlers run one at a time under mu. A handler gives mu up only inside
// suspend, around network round trips and storage I/O, and must re-read any
// state it depends on once suspend returns.
type Coordinator struct {
	opts     Options
	store    storage.Store
	sessions *session.Registry
	cache    *cache.Cache
	history  *history.Log
	nodes    NodeSet
	monitor  *LivenessMonitor
	handlers map[protocol.Kind]handler
	started  time.Time
	now      func() time.Time

	mu       sync.Mutex
	creating map[string]string // dataId -> session id being created
}

// New wires a coordinator. hist may be nil.
func New(store storage.Store, sessions *session.Registry, hist *history.Log, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts:     opts,
		store:    store,
		sessions: sessions,
		cache:    cache.New(store, opts.CacheTTL),
		history:  hist,
		started:  time.Now(),
		now:      time.Now,
		creating: make(map[string]string),
	}
	c.handlers = map[protocol.Kind]handler{
		protocol.KindAuth:               c.auth,
		protocol.KindUseScopes:          c.useScopes,
		protocol.KindCreateSession:      c.createSession,
		protocol.KindSyncData:           c.syncData,
		protocol.KindEndSession:         c.endSession,
		protocol.KindRequestLeaderboard: c.requestLeaderboard,
		protocol.KindRequestSnapshot:    c.requestSnapshot,
	}
	c.monitor = NewLivenessMonitor(opts.KeepAliveInterval)
	return c
}

// suspend releases the scheduler while fn runs.
func (c *Coordinator) suspend(fn func()) {
	c.mu.Unlock()
	defer c.mu.Lock()
	fn()
}

// pongWait is how long a connection may go without answering a ping.
func (c *Coordinator) pongWait() time.Duration {
	return c.opts.KeepAliveInterval * time.Duration(c.opts.MaxMissed)
}

func (c *Coordinator) inWarmup() bool {
	return c.now().Sub(c.started) < c.opts.Warmup
}

// Attach registers a new connection.
func (c *Coordinator) Attach(conn Conn) *Node {
	n := newNode(conn, c.opts.TalkTimeout, rate.Limit(c.opts.FrameRate), c.opts.FrameBurst, c.now())
	c.nodes.Add(n)
	glog.Infof("%s: Node connected", n)
	return n
}

// Detach removes a connection and releases its in-memory session claims.
// Durable session records are left for reconnects and the hand-off
// algorithm. Detach is idempotent.
func (c *Coordinator) Detach(n *Node, reason string) {
	n.talker.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nodes.Remove(n) {
		return
	}
	owned := n.releaseAll()
	glog.Infof("%s: Node disconnected: %s, it had %d owned sessions", n, reason, len(owned))
}

// Run drives the background sweeps until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.monitor.Start(ctx, c.nodes.All)
	defer c.monitor.Stop()

	ticker := time.NewTicker(c.opts.CacheSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			c.cache.Sweep(c.sessions.CountByDataID)
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) record(e history.Event) {
	c.history.Record(e)
}

// Nodes returns views of every live node.
func (c *Coordinator) Nodes() []cluster.NodeInfo {
	nodes := c.nodes.All()
	out := make([]cluster.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Info())
	}
	return out
}

// Sessions returns views of every registered session, oldest first.
func (c *Coordinator) Sessions() []cluster.SessionInfo {
	all := c.sessions.All()
	out := make([]cluster.SessionInfo, 0, len(all))
	for _, s := range all {
		info := cluster.SessionInfo{
			SessionID: s.SessionID,
			DataID:    s.DataID,
			Account:   s.AccountID,
			Node:      s.NodeName,
			Realm:     s.Realm,
			Scopes:    s.ScopeIDs,
			CreatedAt: s.CreatedAt,
			HadWrites: s.HadWrites,
		}
		if owner := c.nodes.OwnerOf(s.SessionID); owner != nil {
			info.Owner = owner.Name()
		}
		out = append(out, info)
	}
	return out
}

// Status summarises the coordinator for the metrics API.
func (c *Coordinator) Status() cluster.Status {
	uptime := c.now().Sub(c.started)
	cs := c.cache.Stats()
	ss := c.store.Stats()
	return cluster.Status{
		Version:      Version,
		Started:      c.started,
		UptimeMillis: uptime.Milliseconds(),
		UptimeHours:  uptime.Hours(),
		WarmingUp:    c.inWarmup(),
		Nodes:        c.nodes.Len(),
		Sessions:     c.sessions.Len(),
		Cache: cluster.CacheInfo{
			Entries:   cs.Entries,
			Hits:      cs.Hits,
			Misses:    cs.Misses,
			Loads:     cs.Loads,
			Evictions: cs.Evictions,
		},
		Storage: cluster.StorageInfo{
			Accounts:  ss.Accounts,
			Scopes:    ss.Scopes,
			Documents: ss.Documents,
			Bytes:     ss.Bytes,
		},
	}
}
