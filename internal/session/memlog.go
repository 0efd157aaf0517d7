package session

import (
	"context"
	"sync"
)

// MemoryLog is a Log that keeps its entries in process memory. It is used
// by tests and by ephemeral coordinators started without a database.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string]StoredSession
	order   []string

	// Appends counts Put and Delete calls since the last Compact.
	Appends int
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string]StoredSession)}
}

func (l *MemoryLog) Load(ctx context.Context) ([]StoredSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]StoredSession, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entries[id].clone())
	}
	return out, nil
}

func (l *MemoryLog) Put(ctx context.Context, s StoredSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[s.SessionID]; !ok {
		l.order = append(l.order, s.SessionID)
	}
	l.entries[s.SessionID] = s.clone()
	l.Appends++
	return nil
}

func (l *MemoryLog) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[sessionID]; ok {
		delete(l.entries, sessionID)
		for i, id := range l.order {
			if id == sessionID {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.Appends++
	return nil
}

func (l *MemoryLog) Compact(ctx context.Context, live []StoredSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[string]StoredSession, len(live))
	l.order = l.order[:0]
	for _, s := range live {
		l.entries[s.SessionID] = s.clone()
		l.order = append(l.order, s.SessionID)
	}
	l.Appends = 0
	return nil
}
