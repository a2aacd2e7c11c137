// Package dispatcher implements the receive-side handler registry: on!/off!
// registration with event-id, predicate, once, and timeout semantics, FIFO
// fan-out to every matching handler, and a buffered backlog for messages
// that arrive before a matching handler is registered.
package dispatcher

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
	"github.com/franks42/sente-lite-sub006/internal/wire"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// Predicate reports whether a decoded message matches a handler. A panic
// inside a predicate is treated as a non-match, never propagated.
type Predicate func(ev wire.Event) bool

// Result is what a handler callback receives: either a matched event, or an
// error outcome (timeout or close) with no event payload.
type Result struct {
	Event wire.Event
	Err   error
}

// Callback is a handler's reaction to a match or an error outcome.
type Callback func(Result)

// Options configures a single on! registration. Exactly one of EventID or
// Pred must be set; use wire.Wildcard as EventID to match every message.
type Options struct {
	EventID   wire.EventID
	Pred      Predicate
	Callback  Callback
	Once      bool
	TimeoutMS int
}

// Stats summarizes dispatcher activity, exported for the observability
// surface and for tests.
type Stats struct {
	Registered int64
	Matched    int64
	TimedOut   int64
	Removed    int64
}

// Config configures a Dispatcher.
type Config struct {
	// MaxDepth bounds the unmatched-message backlog. Zero uses DefaultMaxDepth.
	MaxDepth int
	// OnUnmatched is invoked (outside any lock) whenever a message is
	// dropped from the backlog to make room for a newer one.
	OnUnmatched func(ev wire.Event)
	// OnHandlerError is invoked when a handler callback panics, isolating
	// the failure from sibling handlers for the same message.
	OnHandlerError func(handlerID string, recovered any)
}

const DefaultMaxDepth = 128

type handler struct {
	id         string
	useEventID bool
	eventID    wire.EventID
	pred       Predicate
	callback   Callback
	once       bool
	timeoutMS  int
	deadline   time.Time
	heapIndex  int
	removed    bool
}

func (h *handler) matches(ev wire.Event) (ok bool) {
	if h.useEventID {
		return h.eventID.Any() || h.eventID == ev.ID
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return h.pred(ev)
}

// Dispatcher is the handler registry. The zero value is not usable;
// construct with New.
type Dispatcher struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	handlers  []*handler
	byID      map[string]*handler
	unmatched []wire.Event
	toHeap    timeoutHeap
	closed    bool
	closeOnce sync.Once
	closeRes  CloseResult

	stats Stats

	resetCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Dispatcher and starts its timeout scheduler goroutine.
func New(cfg Config) *Dispatcher {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	d := &Dispatcher{
		cfg:     cfg,
		log:     logging.Component("dispatcher"),
		byID:    make(map[string]*handler),
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go d.runTimeoutScheduler()
	return d
}

// On registers a handler and returns its handler-id. Exactly one of
// opts.EventID / opts.Pred must be supplied.
func (d *Dispatcher) On(opts Options) (string, error) {
	if opts.Callback == nil {
		return "", fmt.Errorf("%w: callback is required", errorkind.ErrInvalidHandler)
	}
	useEventID := !opts.EventID.IsZero()
	if useEventID == (opts.Pred != nil) {
		return "", fmt.Errorf("%w: exactly one of EventID or Pred must be set", errorkind.ErrInvalidHandler)
	}

	h := &handler{
		id:         uuid.NewString(),
		useEventID: useEventID,
		eventID:    opts.EventID,
		pred:       opts.Pred,
		callback:   opts.Callback,
		once:       opts.Once,
		timeoutMS:  opts.TimeoutMS,
		heapIndex:  -1,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", errorkind.ErrClosed
	}
	d.handlers = append(d.handlers, h)
	d.byID[h.id] = h
	d.stats.Registered++
	if h.timeoutMS > 0 {
		h.deadline = time.Now().Add(time.Duration(h.timeoutMS) * time.Millisecond)
		heap.Push(&d.toHeap, h)
	}

	// A newly registered handler first drains matches out of the buffered
	// backlog, FIFO, before the registration call returns.
	var fire []Result
	remaining := d.unmatched[:0:0]
	for _, ev := range d.unmatched {
		if !h.removed && h.matches(ev) {
			fire = append(fire, Result{Event: ev})
			if h.once {
				d.removeHandlerLocked(h)
			}
		} else {
			remaining = append(remaining, ev)
		}
	}
	d.unmatched = remaining
	d.mu.Unlock()

	d.wakeScheduler()
	for _, r := range fire {
		d.safeInvokeDirect(h, r)
	}

	return h.id, nil
}

// Off removes a single handler by id. It is a no-op (returns false) if the
// handler was already removed, whether by a prior Off, a once-match, or a
// timeout firing first.
func (d *Dispatcher) Off(handlerID string) bool {
	d.mu.Lock()
	h, ok := d.byID[handlerID]
	if !ok || h.removed {
		d.mu.Unlock()
		return false
	}
	d.removeHandlerLocked(h)
	d.mu.Unlock()
	d.wakeScheduler()
	return true
}

// OffAll removes every registered handler.
func (d *Dispatcher) OffAll() bool {
	d.mu.Lock()
	for _, h := range d.handlers {
		h.removed = true
	}
	d.handlers = nil
	d.byID = make(map[string]*handler)
	d.toHeap = nil
	d.mu.Unlock()
	d.wakeScheduler()
	return true
}

// OffEventID removes every handler registered with the exact event-id id
// (handlers registered via a custom predicate are untouched).
func (d *Dispatcher) OffEventID(id wire.EventID) bool {
	d.mu.Lock()
	removedAny := false
	for _, h := range d.handlers {
		if h.useEventID && h.eventID == id {
			d.removeHandlerLocked(h)
			removedAny = true
		}
	}
	d.mu.Unlock()
	if removedAny {
		d.wakeScheduler()
	}
	return removedAny
}

// removeHandlerLocked must be called with d.mu held. It marks h removed and
// excises it from both the FIFO list and the timeout heap.
func (d *Dispatcher) removeHandlerLocked(h *handler) {
	if h.removed {
		return
	}
	h.removed = true
	d.stats.Removed++
	delete(d.byID, h.id)
	for i, other := range d.handlers {
		if other == h {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			break
		}
	}
	removeHandler(&d.toHeap, h)
}

// HandlerCount returns the number of currently registered handlers.
func (d *Dispatcher) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Dispatch matches an inbound decoded event against every registered
// handler, in registration order, firing every handler that matches
// (fan-out). Unmatched messages are buffered, oldest dropped on overflow.
func (d *Dispatcher) Dispatch(ev wire.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	type firing struct {
		h *handler
		r Result
	}
	var fire []firing
	for _, h := range d.handlers {
		if h.removed {
			continue
		}
		if h.matches(ev) {
			fire = append(fire, firing{h: h, r: Result{Event: ev}})
			if h.once {
				d.removeHandlerLocked(h)
			}
		}
	}
	d.stats.Matched += int64(len(fire))

	var dropped wire.Event
	var hasDropped bool
	if len(fire) == 0 {
		if len(d.unmatched) >= d.cfg.MaxDepth {
			dropped = d.unmatched[0]
			hasDropped = true
			d.unmatched = d.unmatched[1:]
		}
		d.unmatched = append(d.unmatched, ev)
	}
	d.mu.Unlock()

	if hasDropped && d.cfg.OnUnmatched != nil {
		d.cfg.OnUnmatched(dropped)
	}

	for _, f := range fire {
		d.safeInvokeDirect(f.h, f.r)
	}
}

func (d *Dispatcher) runTimeoutScheduler() {
	defer close(d.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var wait time.Duration
		if d.toHeap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(d.toHeap[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			d.fireExpired()
		case <-d.resetCh:
			continue
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) fireExpired() {
	now := time.Now()
	var fired []*handler

	d.mu.Lock()
	for d.toHeap.Len() > 0 && !d.toHeap[0].deadline.After(now) {
		h := heap.Pop(&d.toHeap).(*handler)
		if h.removed {
			continue
		}
		d.removeHandlerLocked(h)
		d.stats.TimedOut++
		fired = append(fired, h)
	}
	d.mu.Unlock()

	for _, h := range fired {
		d.safeInvokeDirect(h, Result{Err: errorkind.ErrTimeout})
	}
}

func (d *Dispatcher) safeInvokeDirect(h *handler, r Result) {
	defer func() {
		if rec := recover(); rec != nil {
			if d.cfg.OnHandlerError != nil {
				d.cfg.OnHandlerError(h.id, rec)
			} else {
				d.log.Error().Str("handler_id", h.id).Interface("panic", rec).Msg("handler callback panicked")
			}
		}
	}()
	h.callback(r)
}

func (d *Dispatcher) wakeScheduler() {
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
}

// CloseResult is returned by Close: the dispatcher's final stats and
// whatever was still sitting in the unmatched backlog.
type CloseResult struct {
	Stats     Stats
	Buffered  []wire.Event
}

// Close notifies every still-registered handler with a Result carrying
// errorkind.ErrClosed, then refuses further Dispatch/On calls. Close is
// idempotent; subsequent calls return the same snapshot without re-firing
// handlers.
func (d *Dispatcher) Close(reason string) CloseResult {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		handlers := d.handlers
		d.handlers = nil
		d.byID = make(map[string]*handler)
		d.toHeap = nil
		buffered := d.unmatched
		d.unmatched = nil
		d.closeRes.Stats = d.stats
		d.closeRes.Buffered = buffered
		d.mu.Unlock()

		close(d.stopCh)
		<-d.doneCh

		closeErr := fmt.Errorf("%w: %s", errorkind.ErrClosed, reason)
		for _, h := range handlers {
			d.safeInvokeDirect(h, Result{Err: closeErr})
		}
	})
	return d.closeRes
}
