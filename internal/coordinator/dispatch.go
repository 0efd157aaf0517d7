package coordinator

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/golang/glog"

	"github.com/dreamware/kensuke/internal/protocol"
)

// Receive processes one inbound frame of n. It returns once the frame's
// handler holds the scheduler (or has finished), so the next frame of the
// same connection cannot overtake it.
//
// Handlers are not cancelled with ctx: a node that saves and then closes
// its connection still gets the save persisted.
func (c *Coordinator) Receive(ctx context.Context, n *Node, raw []byte) {
	n.touch(c.now())

	f, err := protocol.Decode(raw)
	if err != nil {
		if n.Authorized() {
			glog.Warningf("%s: invalid packet: %v", n, err)
		}
		if err := n.conn.WriteMessage(protocol.InvalidPacket); err != nil {
			glog.V(1).Infof("%s: %v", n, err)
		}
		return
	}
	if glog.V(2) {
		glog.Infof("%s: <- %s", n, raw)
	}

	// replies to our own requests are never rate limited
	if !n.talker.Awaiting(f) && !n.limiter.Allow() {
		c.reply(n, f, protocol.Message{}, protocol.Warningf("Rate limit exceeded"))
		return
	}

	kind := f.Kind()
	h, ok := c.handlers[kind]
	if !ok {
		if n.talker.Accept(f) || kind.Known() {
			return
		}
		if !n.Authorized() {
			c.reply(n, f, protocol.Message{}, protocol.Fatalf("Unauthorized"))
			return
		}
		c.reply(n, f, protocol.Message{}, protocol.Severef("Unknown packet type %s", kind))
		return
	}
	if kind != protocol.KindAuth && !n.Authorized() {
		c.reply(n, f, protocol.Message{}, protocol.Fatalf("Unauthorized"))
		return
	}

	acquired := make(chan struct{})
	go c.dispatch(context.WithoutCancel(ctx), n, f, h, acquired)
	<-acquired
}

func (c *Coordinator) dispatch(ctx context.Context, n *Node, f *protocol.Frame, h handler, acquired chan struct{}) {
	c.mu.Lock()
	close(acquired)
	msg, err := c.invoke(ctx, n, f, h)
	c.mu.Unlock()

	// a syncData answering requestSync is persisted before the waiting
	// createSession resumes, which sees the rejection if it was refused
	answer := f
	if err != nil && n.talker.Awaiting(f) {
		answer = rejection(n, f, err)
	}
	n.talker.Accept(answer)
	c.reply(n, f, msg, err)
}

// rejection turns a handler error into the error frame a waiting request
// receives in place of f.
func rejection(n *Node, f *protocol.Frame, err error) *protocol.Frame {
	raw, encErr := protocol.Encode(replyVersion(n, f), asProtocolError(err).Reply(), f.TalkID())
	if encErr != nil {
		return f
	}
	rf, decErr := protocol.Decode(raw)
	if decErr != nil {
		return f
	}
	return rf
}

func asProtocolError(err error) *protocol.Error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.Severef("Internal error")
}

// invoke runs h, converting a panic into SEVERE "Internal error".
func (c *Coordinator) invoke(ctx context.Context, n *Node, f *protocol.Frame, h handler) (msg protocol.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: panic while handling %s: %v\n%s", n, f.Kind(), r, debug.Stack())
			msg, err = protocol.Message{}, protocol.Severef("Internal error")
		}
	}()
	glog.V(1).Infof("%s: handling %s", n, f.Kind())
	return h(ctx, n, f)
}

// reply answers f on its correlation id. A non-protocol error becomes
// SEVERE "Internal error".
func (c *Coordinator) reply(n *Node, f *protocol.Frame, msg protocol.Message, err error) {
	if err != nil {
		if !errors.As(err, new(*protocol.Error)) {
			glog.Errorf("%s: %s failed: %v", n, f.Kind(), err)
		}
		pe := asProtocolError(err)
		glog.Warningf("%s: processing %s resulted in %s", n, f.Kind(), pe)
		msg = pe.Reply()
	}
	if msg.Empty() {
		return
	}
	if err := n.talker.Reply(replyVersion(n, f), f.TalkID(), msg); err != nil {
		glog.V(1).Infof("%s: unable to reply to %s: %v", n, f.Kind(), err)
	}
}

// replyVersion picks the layout of a reply: the negotiated version once
// authorized, otherwise the layout the peer used.
func replyVersion(n *Node, f *protocol.Frame) protocol.Version {
	if n.Authorized() {
		return n.Version()
	}
	if len(f.Packet) > 0 || f.Talk != 0 {
		return protocol.V1
	}
	return protocol.V0
}

func decode(f *protocol.Frame, v any) error {
	if err := f.Unmarshal(v); err != nil {
		return protocol.Severef("Malformed %s packet", f.Kind())
	}
	return nil
}
