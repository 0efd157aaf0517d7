package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/golang/glog"
)

// Kind names a session lifecycle event.
type Kind string

const (
	KindCreate   Kind = "create"
	KindSync     Kind = "sync"
	KindEnd      Kind = "end"
	KindDiscard  Kind = "discard"
	KindForceEnd Kind = "force_end"
	KindClaim    Kind = "claim"
)

// Severity ranks an event from routine to alarming.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Severe
)

// Event is one history row.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	DataID    string    `json:"dataId"`
	Severity  Severity  `json:"severity"`
	Node      string    `json:"node,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// Sink persists flushed batches.
type Sink interface {
	AppendHistory(ctx context.Context, events []Event) error
}

// Log buffers events until the next flush.
type Log struct {
	sink Sink
	now  func() time.Time

	mu    sync.Mutex
	batch []Event
}

// New returns a Log flushing into sink.
func New(sink Sink) *Log {
	return &Log{sink: sink, now: time.Now}
}

// Record appends e to the current batch, stamping it if Time is zero.
// A nil Log discards events.
func (l *Log) Record(e Event) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.mu.Lock()
	l.batch = append(l.batch, e)
	l.mu.Unlock()
}

// Pending returns the number of events waiting for a flush.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batch)
}

// Flush hands the current batch to the sink. On failure the batch is put
// back in front of anything recorded meanwhile.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.batch
	l.batch = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := l.sink.AppendHistory(ctx, batch); err != nil {
		l.mu.Lock()
		l.batch = append(batch, l.batch...)
		l.mu.Unlock()
		return err
	}
	glog.V(1).Infof("[history] flushed %d events", len(batch))
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (l *Log) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(context.Background()); err != nil {
				glog.Errorf("[history] final flush: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				glog.Errorf("[history] flush of %d events failed: %v", l.Pending(), err)
			}
		}
	}
}

// Diff returns the JSON merge patch turning prev into next. An absent prev
// is treated as an empty document. If either side is not a JSON object the
// new document itself is returned.
func Diff(prev, next json.RawMessage) string {
	if len(prev) == 0 || string(prev) == "null" {
		prev = json.RawMessage(`{}`)
	}
	if len(next) == 0 {
		next = json.RawMessage(`null`)
	}
	patch, err := jsonpatch.CreateMergePatch(prev, next)
	if err != nil {
		return string(next)
	}
	return string(patch)
}
