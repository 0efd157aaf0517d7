package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/kensuke/internal/protocol"
)

// pinger is implemented by transports that can check the peer below the
// protocol, such as a websocket ping control frame.
type pinger interface {
	Ping() error
}

// LivenessMonitor pushes keepAlive to every node on a fixed interval and
// pings the transport of those that support it. It never disconnects a
// node: a node that sends nothing is still alive, and a dead peer is
// detected by its transport when pongs stop arriving.
// Thread-safe: Start runs in its own goroutine; Stop may be called from any.
type LivenessMonitor struct {
	ping     func(n *Node) error // sends the keepAlive push and transport ping
	ctx      context.Context     // internal cancellation
	cancel   context.CancelFunc  // cancels ctx
	interval time.Duration       // push period
	wg       sync.WaitGroup      // waits for Start to return
}

// NewLivenessMonitor creates a monitor that pushes every interval.
//
// Example:
//
//	monitor := NewLivenessMonitor(5 * time.Second)
//	go monitor.Start(ctx, nodes.All)
//	defer monitor.Stop()
func NewLivenessMonitor(interval time.Duration) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &LivenessMonitor{
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		ping:     keepAlive,
	}
}

func keepAlive(n *Node) error {
	if err := n.talker.Send(n.Version(), protocol.Message{Kind: protocol.KindKeepAlive, Payload: protocol.KeepAlive{}}); err != nil {
		return err
	}
	if p, ok := n.conn.(pinger); ok {
		return p.Ping()
	}
	return nil
}

// SetPingFunction overrides how nodes are pinged. Used by tests.
func (m *LivenessMonitor) SetPingFunction(ping func(n *Node) error) {
	m.ping = ping
}

// Start runs the monitor loop until ctx or the monitor is cancelled.
// nodeProvider is called on every tick to get the current node list.
func (m *LivenessMonitor) Start(ctx context.Context, nodeProvider func() []*Node) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	glog.V(1).Infof("Liveness monitor started with interval %v", m.interval)

	for {
		select {
		case <-ticker.C:
			m.pingAll(nodeProvider())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to return.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *LivenessMonitor) pingAll(nodes []*Node) {
	for _, n := range nodes {
		if err := m.ping(n); err != nil {
			glog.V(1).Infof("%s: keepAlive failed: %v", n, err)
		}
	}
}
