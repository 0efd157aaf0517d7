package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dreamware/kensuke/internal/protocol"
)

func TestLivenessMonitorPingsKeepAlive(t *testing.T) {
	m := NewLivenessMonitor(time.Second)
	conn := newFakeConn("10.0.0.1:5000")
	n := newNode(conn, time.Second, rate.Inf, 1, time.Now())

	m.pingAll([]*Node{n})

	select {
	case f := <-conn.frames:
		assert.Equal(t, protocol.KindKeepAlive, f.Kind())
		assert.True(t, f.TalkID().IsZero())
	case <-time.After(time.Second):
		t.Fatal("no keepAlive sent")
	}
	assert.Equal(t, int32(1), conn.pings.Load())
}

func TestLivenessMonitorKeepsGoingOnErrors(t *testing.T) {
	m := NewLivenessMonitor(time.Second)
	broken := newFakeConn("10.0.0.1:5000")
	broken.Close()
	healthy := newFakeConn("10.0.0.2:5000")

	m.pingAll([]*Node{
		newNode(broken, time.Second, rate.Inf, 1, time.Now()),
		newNode(healthy, time.Second, rate.Inf, 1, time.Now()),
	})
	assert.Equal(t, int32(0), broken.pings.Load())
	assert.Equal(t, int32(1), healthy.pings.Load())
}

func TestLivenessMonitorStartStop(t *testing.T) {
	m := NewLivenessMonitor(10 * time.Millisecond)
	var ticks atomic.Int32
	m.SetPingFunction(func(*Node) error {
		ticks.Add(1)
		return nil
	})
	n := newNode(newFakeConn("10.0.0.1:5000"), time.Second, rate.Inf, 1, time.Now())

	go m.Start(context.Background(), func() []*Node { return []*Node{n} })
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestIdleNodeStaysConnected(t *testing.T) {
	h := newHarness(t, Options{KeepAliveInterval: 10 * time.Millisecond, MaxMissed: 2})
	h.account("lobby", "secret", "stats")
	tn := h.connect("lobby-1", "lobby", "secret", 1)
	statsOf(t, tn.createSession("p1", "s1", "stats"))

	// nothing has arrived from the node for a long time
	tn.n.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.Run(ctx)

	keepAlives := 0
	deadline := time.After(2 * time.Second)
	for keepAlives < 5 {
		select {
		case f := <-tn.conn.frames:
			if f.Kind() == protocol.KindKeepAlive {
				keepAlives++
			}
		case <-deadline:
			t.Fatalf("only %d keepAlive pushes arrived", keepAlives)
		}
	}

	assert.Len(t, h.c.Nodes(), 1)
	assert.True(t, tn.n.Owns("s1"))
	tn.conn.mu.Lock()
	assert.False(t, tn.conn.closed)
	tn.conn.mu.Unlock()
}
