package talk

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kensuke/internal/protocol"
)

type captureWriter struct {
	frames chan *protocol.Frame
	fail   error
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{frames: make(chan *protocol.Frame, 16)}
}

func (w *captureWriter) WriteMessage(data []byte) error {
	if w.fail != nil {
		return w.fail
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	w.frames <- f
	return nil
}

func (w *captureWriter) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func reply(t *testing.T, raw string) *protocol.Frame {
	t.Helper()
	f, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return f
}

func TestSendAndAwaitV1Resolves(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, time.Second)

	type result struct {
		f   *protocol.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := talker.SendAndAwait(context.Background(), protocol.V1,
			protocol.Message{Kind: protocol.KindRequestSync, Payload: protocol.RequestSync{Session: "s1"}})
		done <- result{f, err}
	}()

	out := w.next(t)
	assert.Equal(t, int64(-1), out.Talk)
	assert.Equal(t, 1, talker.Pending())

	assert.True(t, talker.Accept(reply(t, `{"type":"ok","packet":{"message":"saved"},"talk":-1}`)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, protocol.KindOk, res.f.Kind())
	assert.Equal(t, 0, talker.Pending())
}

func TestV1IdsDecrease(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, 20*time.Millisecond)

	for want := int64(-1); want >= -3; want-- {
		_, _ = talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
		assert.Equal(t, want, w.next(t).Talk)
	}
}

func TestClientIdsIncrease(t *testing.T) {
	w := newCaptureWriter()
	talker := NewClient(w, 20*time.Millisecond)

	_, _ = talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindEndSession})
	_, _ = talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindEndSession})
	assert.Equal(t, int64(1), w.next(t).Talk)
	assert.Equal(t, int64(2), w.next(t).Talk)
}

func TestSendAndAwaitV1ErrorRejects(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
		errs <- err
	}()

	out := w.next(t)
	talker.Accept(reply(t, `{"type":"error","packet":{"errorLevel":"SEVERE","errorMessage":"disk full"},"talk":`+strconv.FormatInt(out.Talk, 10)+`}`))

	err := <-errs
	level, ok := protocol.LevelOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.LevelSevere, level)
}

func TestSendAndAwaitV0ErrorResolves(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, time.Second)

	type result struct {
		f   *protocol.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := talker.SendAndAwait(context.Background(), protocol.V0, protocol.Message{Kind: protocol.KindRequestSync})
		done <- result{f, err}
	}()

	out := w.next(t)
	require.NotEmpty(t, out.UUID)
	talker.Accept(reply(t, `{"type":"error","data":{"errorLevel":"WARNING","errorMessage":"late"},"uuid":"`+out.UUID+`"}`))

	res := <-done
	require.NoError(t, res.err)
	level, ok := protocol.LevelOf(res.f.Err())
	require.True(t, ok)
	assert.Equal(t, protocol.LevelWarning, level)
}

func TestSendAndAwaitTimeout(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, 30*time.Millisecond)

	start := time.Now()
	_, err := talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
	level, ok := protocol.LevelOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.LevelTimeout, level)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, talker.Pending())

	// a reply after the timeout is not consumed
	assert.False(t, talker.Accept(reply(t, `{"type":"ok","packet":{},"talk":-1}`)))
}

func TestSendAndAwaitWriteFailure(t *testing.T) {
	w := newCaptureWriter()
	w.fail = errors.New("broken pipe")
	talker := New(w, time.Second)

	_, err := talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, 0, talker.Pending())
}

func TestCloseFailsPending(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		w.next(t)
	}
	require.Eventually(t, func() bool { return talker.Pending() == 3 }, time.Second, 5*time.Millisecond)

	talker.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		level, ok := protocol.LevelOf(err)
		require.True(t, ok)
		assert.Equal(t, protocol.LevelSevere, level)
	}

	_, err := talker.SendAndAwait(context.Background(), protocol.V1, protocol.Message{Kind: protocol.KindRequestSync})
	assert.Error(t, err)
}

func TestAcceptIgnoresUncorrelated(t *testing.T) {
	talker := New(newCaptureWriter(), time.Second)
	assert.False(t, talker.Accept(reply(t, `{"type":"keepAlive","packet":{}}`)))
	assert.False(t, talker.Accept(reply(t, `{"type":"ok","packet":{},"talk":12}`)))
}

func TestAwaiting(t *testing.T) {
	w := newCaptureWriter()
	talker := New(w, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = talker.SendAndAwait(context.Background(), protocol.V1,
			protocol.Message{Kind: protocol.KindRequestSync, Payload: protocol.RequestSync{Session: "s1"}})
	}()
	w.next(t)

	answer := reply(t, `{"type":"syncData","packet":{"session":"s1","stats":{}},"talk":-1}`)
	assert.True(t, talker.Awaiting(answer))
	assert.False(t, talker.Awaiting(reply(t, `{"type":"ok","packet":{},"talk":-2}`)))
	assert.False(t, talker.Awaiting(reply(t, `{"type":"useScopes","packet":{"scopes":[]}}`)))

	require.True(t, talker.Accept(answer))
	<-done
	assert.False(t, talker.Awaiting(answer))
}
