package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/dreamware/kensuke/internal/cluster"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/talk"
)

// Conn is the transport of one node connection.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Node is one live connection. It is created by Attach and removed by
// Detach; handlers only ever hold references to it.
type Node struct {
	ID          ulid.ULID
	conn        Conn
	talker      *talk.Talker
	limiter     *rate.Limiter
	connectedAt time.Time
	lastSeen    atomic.Int64

	mu      sync.RWMutex
	version protocol.Version
	account string
	name    string
	scopes  []string
	owned   map[string]struct{}
}

func newNode(conn Conn, timeout time.Duration, limit rate.Limit, burst int, now time.Time) *Node {
	n := &Node{
		ID:          ulid.Make(),
		conn:        conn,
		talker:      talk.New(conn, timeout),
		limiter:     rate.NewLimiter(limit, burst),
		connectedAt: now,
		owned:       make(map[string]struct{}),
	}
	n.touch(now)
	return n
}

// String is the display form used as log prefix: "name (account)".
func (n *Node) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.account == "" {
		return fmt.Sprintf("%s (unauthorized)", n.conn.RemoteAddr())
	}
	name := n.name
	if name == "" {
		name = n.conn.RemoteAddr()
	}
	return fmt.Sprintf("%s (%s)", name, n.account)
}

func (n *Node) touch(now time.Time) { n.lastSeen.Store(now.UnixNano()) }

// LastSeen is the arrival time of the latest inbound frame.
func (n *Node) LastSeen() time.Time { return time.Unix(0, n.lastSeen.Load()) }

func (n *Node) authorize(account, name string, v protocol.Version) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.account = account
	n.name = name
	n.version = v
}

// Authorized reports whether auth succeeded on this connection.
func (n *Node) Authorized() bool { return n.Account() != "" }

func (n *Node) Account() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.account
}

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) Version() protocol.Version {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

// Scopes returns a copy of the granted scope list.
func (n *Node) Scopes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.scopes)
}

func (n *Node) HasScope(id string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Contains(n.scopes, id)
}

func (n *Node) grant(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !slices.Contains(n.scopes, id) {
		n.scopes = append(n.scopes, id)
	}
}

// Owns reports whether sessionID is in the node's owned set.
func (n *Node) Owns(sessionID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.owned[sessionID]
	return ok
}

func (n *Node) claim(sessionID string) {
	n.mu.Lock()
	n.owned[sessionID] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) release(sessionID string) {
	n.mu.Lock()
	delete(n.owned, sessionID)
	n.mu.Unlock()
}

// releaseAll empties the owned set and returns what it held.
func (n *Node) releaseAll() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.owned))
	for id := range n.owned {
		ids = append(ids, id)
	}
	n.owned = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// Owned returns the owned session ids in sorted order.
func (n *Node) Owned() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.owned))
	for id := range n.owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// send pushes msg without correlation.
func (n *Node) send(msg protocol.Message) {
	if err := n.talker.Send(n.Version(), msg); err != nil {
		glog.Warningf("%s: unable to send %s: %v", n, msg.Kind, err)
	}
}

// Info returns the JSON view of the node.
func (n *Node) Info() cluster.NodeInfo {
	n.mu.RLock()
	info := cluster.NodeInfo{
		ID:          n.ID.String(),
		Name:        n.name,
		Account:     n.account,
		Addr:        n.conn.RemoteAddr(),
		Version:     int(n.version),
		Scopes:      slices.Clone(n.scopes),
		ConnectedAt: n.connectedAt,
	}
	n.mu.RUnlock()
	if info.Scopes == nil {
		info.Scopes = []string{}
	}
	info.Sessions = n.Owned()
	info.LastSeen = n.LastSeen()
	return info
}
