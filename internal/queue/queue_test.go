package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
)

type recordingWriter struct {
	mu       sync.Mutex
	written  [][]byte
	failNext int
}

func (w *recordingWriter) WriteMessage(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return errors.New("simulated write failure")
	}
	cp := append([]byte(nil), b...)
	w.written = append(w.written, cp)
	return nil
}

func (w *recordingWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.written...)
}

// blockingWriter holds every write until unblock is called, and signals on
// started when a write begins, so a test can pin the flusher mid-write.
type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (w *blockingWriter) WriteMessage([]byte) error {
	select {
	case w.started <- struct{}{}:
	default:
	}
	<-w.release
	return nil
}

func (w *blockingWriter) unblock() { w.once.Do(func() { close(w.release) }) }

func TestEnqueuePreservesOrder(t *testing.T) {
	w := &recordingWriter{}
	q := New(w, Config{FlushInterval: time.Millisecond})
	defer q.Stop()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue([]byte{byte(i)}))
	}

	require.Eventually(t, func() bool { return len(w.snapshot()) == 20 }, time.Second, time.Millisecond)
	got := w.snapshot()
	for i, b := range got {
		require.Equal(t, byte(i), b[0])
	}
}

func TestEnqueueRejectsAtMaxDepth(t *testing.T) {
	w := newBlockingWriter()
	// The flusher wakes on every enqueue, so pin it inside the write of "x";
	// nothing else drains while the queue is filled.
	q := New(w, Config{MaxDepth: 2, FlushInterval: time.Hour})
	defer q.Stop()
	defer w.unblock()

	require.NoError(t, q.Enqueue([]byte("x")))
	<-w.started

	require.NoError(t, q.Enqueue([]byte("a")))
	require.NoError(t, q.Enqueue([]byte("b")))
	require.ErrorIs(t, q.Enqueue([]byte("c")), errorkind.ErrQueueRejected)
}

func TestEnqueueBlockingTimesOut(t *testing.T) {
	w := newBlockingWriter()
	// The flusher is pinned inside the write of "x", so the one buffered
	// entry never drains and no room ever opens up before the deadline.
	q := New(w, Config{MaxDepth: 1, FlushInterval: time.Hour})
	defer q.Stop()
	defer w.unblock()

	require.NoError(t, q.Enqueue([]byte("x")))
	<-w.started

	require.NoError(t, q.Enqueue([]byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.EnqueueBlocking(ctx, []byte("never flushed"))
	require.ErrorIs(t, err, errorkind.ErrQueueTimeout)
}

func TestEnqueueBlockingWaitsForRoomThenSucceeds(t *testing.T) {
	w := &recordingWriter{}
	q := New(w, Config{MaxDepth: 1, FlushInterval: 10 * time.Millisecond})
	defer q.Stop()

	require.NoError(t, q.Enqueue([]byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := q.EnqueueBlocking(ctx, []byte("b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestEnqueueAsyncReportsOutcome(t *testing.T) {
	w := &recordingWriter{}
	q := New(w, Config{FlushInterval: time.Millisecond})
	defer q.Stop()

	resultCh := make(chan error, 1)
	q.EnqueueAsync(context.Background(), []byte("hi"), func(err error) {
		resultCh <- err
	})

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async enqueue result")
	}
}

func TestOnErrorCalledOnWriteFailure(t *testing.T) {
	w := &recordingWriter{failNext: 1}
	var gotErr error
	var mu sync.Mutex
	q := New(w, Config{
		FlushInterval: time.Millisecond,
		OnError: func(err error, msg []byte) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	defer q.Stop()

	require.NoError(t, q.Enqueue([]byte("boom")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	}, time.Second, time.Millisecond)

	stats := q.Stats()
	require.Equal(t, int64(1), stats.Errors)
}

func TestStopDrainsSynchronously(t *testing.T) {
	w := &recordingWriter{}
	q := New(w, Config{FlushInterval: time.Hour})
	require.NoError(t, q.Enqueue([]byte("a")))
	require.NoError(t, q.Enqueue([]byte("b")))

	stats := q.Stop()
	require.Equal(t, int64(2), stats.Sent)
	require.Len(t, w.snapshot(), 2)
}

func TestDepthRecoversAfterFlush(t *testing.T) {
	w := newBlockingWriter()
	q := New(w, Config{MaxDepth: 1, FlushInterval: time.Millisecond})
	defer q.Stop()
	defer w.unblock()

	// Pin the flusher inside the write of "x" so "a" stays buffered.
	require.NoError(t, q.Enqueue([]byte("x")))
	<-w.started

	require.NoError(t, q.Enqueue([]byte("a")))
	require.ErrorIs(t, q.Enqueue([]byte("b")), errorkind.ErrQueueRejected)

	w.unblock()

	require.Eventually(t, func() bool { return q.Stats().Depth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue([]byte("c")))
}

func TestEnqueueAfterCloseIsRejected(t *testing.T) {
	w := &recordingWriter{}
	q := New(w, Config{})
	q.Stop()
	require.ErrorIs(t, q.Enqueue([]byte("x")), errorkind.ErrClosed)
}
