// Package talk correlates requests and replies multiplexed over a single
// bidirectional connection.
package talk

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dreamware/kensuke/internal/protocol"
)

// DefaultTimeout bounds SendAndAwait when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Writer transmits one encoded frame. Implementations must be safe for
// concurrent use.
type Writer interface {
	WriteMessage(data []byte) error
}

// Talker owns the pending-reply registry of one connection. Every pending
// entry is removed exactly once: on reply, on timeout, on context
// cancellation or on Close.
type Talker struct {
	w       Writer
	timeout time.Duration
	step    int64

	mu      sync.Mutex
	counter int64
	pending map[protocol.TalkID]chan *protocol.Frame
	closed  bool
}

// New returns the coordinator-side talker. Its V1 ids decrease from -1 so
// they never collide with ids chosen by the peer.
func New(w Writer, timeout time.Duration) *Talker {
	return newTalker(w, timeout, -1)
}

// NewClient returns the node-side talker, whose V1 ids increase from 1.
func NewClient(w Writer, timeout time.Duration) *Talker {
	return newTalker(w, timeout, 1)
}

func newTalker(w Writer, timeout time.Duration, step int64) *Talker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Talker{
		w:       w,
		timeout: timeout,
		step:    step,
		pending: make(map[protocol.TalkID]chan *protocol.Frame),
	}
}

// Send transmits msg without correlation.
func (t *Talker) Send(v protocol.Version, msg protocol.Message) error {
	return t.Reply(v, protocol.TalkID{}, msg)
}

// Reply transmits msg correlated to an id chosen by the peer.
func (t *Talker) Reply(v protocol.Version, id protocol.TalkID, msg protocol.Message) error {
	data, err := protocol.Encode(v, msg, id)
	if err != nil {
		return err
	}
	if glog.V(2) {
		glog.Infof("[talk] -> %s", data)
	}
	return t.w.WriteMessage(data)
}

// SendAndAwait transmits msg under a fresh correlation id and blocks until
// the matching reply arrives. If no reply arrives within the timeout the
// result is a protocol TIMEOUT error. On V1 an "error" reply is returned as
// a *protocol.Error; on V0 it is returned as the frame itself and callers
// inspect Frame.Err.
func (t *Talker) SendAndAwait(ctx context.Context, v protocol.Version, msg protocol.Message) (*protocol.Frame, error) {
	id, ch, err := t.register(v)
	if err != nil {
		return nil, err
	}

	if err := t.Reply(v, id, msg); err != nil {
		t.forget(id)
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return t.resolve(v, f)
	case <-timer.C:
	case <-ctx.Done():
	}

	// Accept may have claimed the entry between the timer firing and here;
	// in that case the reply is already buffered and wins.
	if !t.forget(id) {
		return t.resolve(v, <-ch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	glog.V(1).Infof("[talk] %s %s timed out after %v", msg.Kind, id, t.timeout)
	return nil, protocol.Timeout()
}

func (t *Talker) resolve(v protocol.Version, f *protocol.Frame) (*protocol.Frame, error) {
	if f == nil {
		return nil, protocol.Severef("Connection closed")
	}
	if v == protocol.V1 && f.Kind() == protocol.KindError {
		return nil, f.Err()
	}
	return f, nil
}

func (t *Talker) register(v protocol.Version) (protocol.TalkID, chan *protocol.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return protocol.TalkID{}, nil, protocol.Severef("Connection closed")
	}

	var id protocol.TalkID
	switch v {
	case protocol.V0:
		id.UUID = uuid.NewString()
	default:
		t.counter += t.step
		id.Seq = t.counter
	}

	ch := make(chan *protocol.Frame, 1)
	t.pending[id] = ch
	return id, ch, nil
}

// forget removes a pending entry and reports whether it was still present.
func (t *Talker) forget(id protocol.TalkID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	return ok
}

// Accept delivers f to the request awaiting its correlation id. It reports
// whether f was consumed as a reply.
func (t *Talker) Accept(f *protocol.Frame) bool {
	id := f.TalkID()
	if id.IsZero() {
		return false
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- f
	return true
}

// Awaiting reports whether f carries the correlation id of a request still
// waiting for its reply.
func (t *Talker) Awaiting(f *protocol.Frame) bool {
	id := f.TalkID()
	if id.IsZero() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Pending returns the number of requests still awaiting a reply.
func (t *Talker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending request and rejects new ones.
func (t *Talker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- nil
	}
}
