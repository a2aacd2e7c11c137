// Package queue implements the bounded, backpressure-aware outbound FIFO
// that sits between event encoding and the transport write side.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// Writer is the transport-facing sink a Queue drains into. Implementations
// are typically a thin wrapper around a *websocket.Conn.
type Writer interface {
	WriteMessage(b []byte) error
}

// Stats is a snapshot of queue counters, exported for the observability
// surface and for tests.
type Stats struct {
	Enqueued int64
	Sent     int64
	Dropped  int64
	Errors   int64
	Depth    int
}

// Config configures a Queue.
type Config struct {
	// MaxDepth bounds the number of buffered entries. Zero uses DefaultMaxDepth.
	MaxDepth int
	// FlushInterval is the background flusher's periodic wake period, in
	// addition to its immediate wake on enqueue. Zero uses DefaultFlushInterval.
	FlushInterval time.Duration
	// OnError is invoked (outside any lock) whenever a write to Writer fails.
	OnError func(err error, msg []byte)
	// OnStats, if set, is invoked after every flush that wrote at least one
	// entry, with the current stats snapshot, letting a server mirror queue
	// depth into its metrics surface.
	OnStats func(Stats)
}

const (
	DefaultMaxDepth      = 256
	DefaultFlushInterval = 20 * time.Millisecond
)

type entry struct {
	msg  []byte
	done chan error // non-nil for enqueue-blocking / enqueue-async callers
}

// Queue is a bounded FIFO with non-blocking, blocking, and async enqueue
// variants and a background flusher that drains to a Writer in enqueue
// order. The zero value is not usable; construct with New.
type Queue struct {
	cfg    Config
	writer Writer
	log    zerolog.Logger

	mu      sync.Mutex
	buf     []entry
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	runDone chan struct{}
	space   chan struct{} // closed and replaced whenever buffered room may have opened up

	stats Stats
}

// New constructs a Queue writing to writer and starts its background
// flusher goroutine.
func New(writer Writer, cfg Config) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	q := &Queue{
		cfg:     cfg,
		writer:  writer,
		log:     logging.Component("queue"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		runDone: make(chan struct{}),
		space:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue is the non-blocking variant: it rejects once MaxDepth is reached.
func (q *Queue) Enqueue(msg []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errorkind.ErrClosed
	}
	if len(q.buf) >= q.cfg.MaxDepth {
		q.stats.Dropped++
		q.mu.Unlock()
		return errorkind.ErrQueueRejected
	}
	q.buf = append(q.buf, entry{msg: msg})
	q.stats.Enqueued++
	q.mu.Unlock()
	q.nudge()
	return nil
}

// EnqueueBlocking waits up to ctx's deadline for room in the buffer, then
// for the message to be flushed, returning ErrQueueTimeout if the deadline
// passes first at either step. Unlike Enqueue, a full buffer is backpressure
// to wait out, not grounds for immediate rejection.
func (q *Queue) EnqueueBlocking(ctx context.Context, msg []byte) error {
	done := make(chan error, 1)
	if err := q.waitForRoomAndEnqueue(ctx, msg, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errorkind.ErrQueueTimeout
	}
}

func (q *Queue) waitForRoomAndEnqueue(ctx context.Context, msg []byte, done chan error) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errorkind.ErrClosed
		}
		if len(q.buf) < q.cfg.MaxDepth {
			q.buf = append(q.buf, entry{msg: msg, done: done})
			q.stats.Enqueued++
			q.mu.Unlock()
			q.nudge()
			return nil
		}
		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return errorkind.ErrQueueTimeout
		}
	}
}

// EnqueueAsync enqueues msg and invokes cb with the eventual send outcome
// (nil on success, ErrQueueTimeout if ctx expires first) without blocking
// the caller.
func (q *Queue) EnqueueAsync(ctx context.Context, msg []byte, cb func(error)) {
	done := make(chan error, 1)
	if err := q.enqueueWithDone(msg, done); err != nil {
		cb(err)
		return
	}
	go func() {
		select {
		case err := <-done:
			cb(err)
		case <-ctx.Done():
			cb(errorkind.ErrQueueTimeout)
		}
	}()
}

func (q *Queue) enqueueWithDone(msg []byte, done chan error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errorkind.ErrClosed
	}
	if len(q.buf) >= q.cfg.MaxDepth {
		q.stats.Dropped++
		q.mu.Unlock()
		return errorkind.ErrQueueRejected
	}
	q.buf = append(q.buf, entry{msg: msg, done: done})
	q.stats.Enqueued++
	q.mu.Unlock()
	q.nudge()
	return nil
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.buf)
	return s
}

func (q *Queue) run() {
	defer close(q.runDone)
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.wake:
			q.flush()
		case <-ticker.C:
			q.flush()
		case <-q.stopped:
			q.flush()
			return
		}
	}
}

// flush drains every entry currently buffered, preserving enqueue order.
func (q *Queue) flush() {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.buf
	q.buf = nil
	if !q.closed {
		close(q.space)
		q.space = make(chan struct{})
	}
	q.mu.Unlock()

	for _, e := range batch {
		err := q.writer.WriteMessage(e.msg)
		q.mu.Lock()
		if err != nil {
			q.stats.Errors++
		} else {
			q.stats.Sent++
		}
		q.mu.Unlock()

		if err != nil && q.cfg.OnError != nil {
			q.cfg.OnError(err, e.msg)
		}
		if e.done != nil {
			e.done <- err
		}
	}

	if q.cfg.OnStats != nil {
		q.cfg.OnStats(q.Stats())
	}
}

// Stop drains any remaining entries synchronously, then stops the
// background flusher and returns final stats. Stop is idempotent.
func (q *Queue) Stop() Stats {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.Stats()
	}
	q.closed = true
	close(q.space)
	q.mu.Unlock()

	close(q.stopped)
	<-q.runDone
	return q.Stats()
}
