package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLog struct {
	*MemoryLog
	err error
}

func (l *failingLog) Put(ctx context.Context, s StoredSession) error { return l.err }

func (l *failingLog) Delete(ctx context.Context, id string) error { return l.err }

func newRegistry(t *testing.T) (*Registry, *MemoryLog) {
	t.Helper()
	log := NewMemoryLog()
	r, err := Open(context.Background(), log)
	require.NoError(t, err)
	return r, log
}

func stored(id, dataID string, at time.Time) StoredSession {
	return StoredSession{
		SessionID: id,
		DataID:    dataID,
		AccountID: "lobby",
		NodeName:  "lobby-1",
		ScopeIDs:  []string{"stats"},
		CreatedAt: at,
	}
}

func TestRegistryWriteAndGet(t *testing.T) {
	r, log := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, stored("s1", "p1", time.Now())))

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "p1", got.DataID)
	assert.True(t, got.HasScope("stats"))
	assert.False(t, got.HasScope("inventory"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, log.Appends)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryReturnsCopies(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Write(context.Background(), stored("s1", "p1", time.Now())))

	got, _ := r.Get("s1")
	got.ScopeIDs[0] = "mutated"

	again, _ := r.Get("s1")
	assert.Equal(t, []string{"stats"}, again.ScopeIDs)
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	r, _ := newRegistry(t)
	assert.Error(t, r.Write(context.Background(), StoredSession{DataID: "p1"}))
}

func TestRegistryHadWritesIsMonotonic(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, stored("s1", "p1", time.Now())))
	require.NoError(t, r.MarkWritten(ctx, "s1"))

	// a later write carrying a stale copy must not clear the flag
	require.NoError(t, r.Write(ctx, stored("s1", "p1", time.Now())))
	got, _ := r.Get("s1")
	assert.True(t, got.HadWrites)

	assert.ErrorIs(t, r.MarkWritten(ctx, "nope"), ErrNotFound)
}

func TestRegistryByDataIDOrdering(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, r.Write(ctx, stored("late", "p1", base.Add(2*time.Second))))
	require.NoError(t, r.Write(ctx, stored("early", "p1", base)))
	require.NoError(t, r.Write(ctx, stored("other", "p2", base.Add(time.Second))))

	sessions := r.ByDataID("p1")
	require.Len(t, sessions, 2)
	assert.Equal(t, "early", sessions[0].SessionID)
	assert.Equal(t, "late", sessions[1].SessionID)
	assert.Equal(t, 2, r.CountByDataID("p1"))
	assert.Equal(t, 0, r.CountByDataID("p3"))
}

func TestRegistryLatestWithWrites(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	base := time.Now()

	_, ok := r.LatestWithWrites("p1")
	assert.False(t, ok)

	require.NoError(t, r.Write(ctx, stored("a", "p1", base)))
	require.NoError(t, r.Write(ctx, stored("b", "p1", base.Add(time.Second))))
	require.NoError(t, r.Write(ctx, stored("c", "p1", base.Add(2*time.Second))))
	require.NoError(t, r.MarkWritten(ctx, "a"))
	require.NoError(t, r.MarkWritten(ctx, "b"))

	latest, ok := r.LatestWithWrites("p1")
	require.True(t, ok)
	assert.Equal(t, "b", latest.SessionID)
}

func TestRegistryRemove(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, stored("s1", "p1", time.Now())))
	require.NoError(t, r.Remove(ctx, "s1"))
	require.NoError(t, r.Remove(ctx, "s1"))

	_, ok := r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryLogFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	log := &failingLog{MemoryLog: NewMemoryLog()}
	r, err := Open(ctx, log)
	require.NoError(t, err)

	log.err = errors.New("disk full")
	assert.Error(t, r.Write(ctx, stored("s1", "p1", time.Now())))
	assert.Equal(t, 0, r.Len())

	log.err = nil
	require.NoError(t, r.Write(ctx, stored("s1", "p1", time.Now())))

	log.err = errors.New("disk full")
	assert.Error(t, r.Remove(ctx, "s1"))
	assert.Equal(t, 1, r.Len())
}

func TestOpenRehydratesAndCompacts(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	base := time.Now()

	require.NoError(t, log.Put(ctx, stored("s1", "p1", base)))
	require.NoError(t, log.Put(ctx, stored("s2", "p2", base.Add(time.Second))))
	require.NoError(t, log.Delete(ctx, "s1"))
	require.Equal(t, 3, log.Appends)

	r, err := Open(ctx, log)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("s2")
	assert.True(t, ok)
	assert.Equal(t, 0, log.Appends)

	entries, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s2", entries[0].SessionID)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_ = r.Write(ctx, stored(id, "p1", time.Now()))
			_ = r.ByDataID("p1")
			_ = r.All()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, r.Len())
}
