// Package clientrt implements the auto-reconnecting client runtime: a
// connecting/open/reconnecting/closed state machine layered over the send
// queue, wire protocol, and dispatcher.
package clientrt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/internal/dispatcher"
	"github.com/franks42/sente-lite-sub006/internal/errorkind"
	"github.com/franks42/sente-lite-sub006/internal/queue"
	"github.com/franks42/sente-lite-sub006/internal/wire"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// State is the client's connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// URLResolver returns the URL to dial for the given reconnect attempt
// (attempt 0 is the initial connect), letting a caller discover a server
// that restarted on a new ephemeral port.
type URLResolver func(attempt int) (string, error)

// Config configures a Client.
type Config struct {
	URL         string
	URLResolver URLResolver

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 = unlimited
	ReconnectJitter      bool

	QueueMaxDepth      int
	QueueFlushInterval time.Duration

	OnOpen      func(uid string)
	OnReconnect func()
	OnMessage   func(id wire.EventID, data any)
	OnClose     func(reason string)

	Codec wire.Codec
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = wire.JSONCodec{}
	}
	if c.URLResolver == nil {
		url := c.URL
		c.URLResolver = func(int) (string, error) { return url, nil }
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 32 * time.Second
	}
}

type pendingReply struct {
	resultCh chan wire.ReplyData
	errCh    chan error
}

// Client is the auto-reconnecting client runtime. The zero value is not
// usable; construct with New.
type Client struct {
	cfg Config
	log zerolog.Logger

	dispatcher *dispatcher.Dispatcher

	mu         sync.Mutex
	state      State
	uid        string
	conn       *websocket.Conn
	sendQueue  *queue.Queue
	closed     bool
	attempt    int

	pendingMu sync.Mutex
	pending   map[string]*pendingReply

	stopCh chan struct{}
	doneCh chan struct{}
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteMessage(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errorkind.ErrClosed
	}
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

// New constructs a Client and starts its connection loop.
func New(cfg Config) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:        cfg,
		log:        logging.Component("client"),
		dispatcher: dispatcher.New(dispatcher.Config{}),
		pending:    make(map[string]*pendingReply),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go c.run()
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UID returns the uid assigned by the server's handshake, empty before the
// first successful handshake.
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// On registers an application message handler; see dispatcher.Dispatcher.On.
func (c *Client) On(opts dispatcher.Options) (string, error) {
	return c.dispatcher.On(opts)
}

// Off removes a handler; see dispatcher.Dispatcher.Off.
func (c *Client) Off(handlerID string) bool {
	return c.dispatcher.Off(handlerID)
}

func (c *Client) run() {
	defer close(c.doneCh)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		attempt := c.attempt
		c.state = StateConnecting
		c.mu.Unlock()

		url, err := c.cfg.URLResolver(attempt)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("url resolver failed")
		} else if conn, _, dialErr := websocket.DefaultDialer.Dial(url, nil); dialErr == nil {
			c.onConnected(conn)
			c.readLoop(conn)
		} else {
			c.log.Debug().Err(dialErr).Str("url", url).Msg("dial failed")
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if !c.cfg.AutoReconnect {
			c.state = StateClosed
			c.mu.Unlock()
			if c.cfg.OnClose != nil {
				c.cfg.OnClose("connect failed, auto-reconnect disabled")
			}
			return
		}
		c.attempt++
		attemptNow := c.attempt
		c.state = StateReconnecting
		c.mu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attemptNow > c.cfg.MaxReconnectAttempts {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			if c.cfg.OnClose != nil {
				c.cfg.OnClose("max-reconnect-attempts exceeded")
			}
			return
		}

		delay := backoffDelay(c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, attemptNow, c.cfg.ReconnectJitter)
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}
	}
}

func backoffDelay(initial, max time.Duration, attempt int, jitter bool) time.Duration {
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	if jitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

func (c *Client) onConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	writer := &wsWriter{conn: conn}
	c.sendQueue = queue.New(writer, queue.Config{MaxDepth: c.cfg.QueueMaxDepth, FlushInterval: c.cfg.QueueFlushInterval})
	reconnecting := c.attempt > 0
	c.mu.Unlock()

	if reconnecting && c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect()
	}
}

// readLoop reads until the connection closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.sendQueue.Stop()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			return
		}
		decoded := wire.DecodeInbound(c.cfg.Codec, msg)
		c.handleDecoded(decoded)
	}
}

func (c *Client) handleDecoded(d wire.Decoded) {
	switch d.Kind {
	case wire.KindError:
		c.log.Warn().Err(d.Err).Msg("decode error on inbound message")
		return
	case wire.KindReply:
		c.routeReply(d.Reply)
		return
	case wire.KindBatch:
		for _, ev := range d.Batch {
			c.handleEvent(ev)
		}
		return
	case wire.KindCallback:
		c.handleEvent(d.Callback.Event)
		return
	case wire.KindSingle:
		c.handleEvent(d.Single)
		return
	}
}

func (c *Client) handleEvent(ev wire.Event) {
	switch ev.ID {
	case wire.EventHandshake:
		c.handleHandshake(ev.Data)
		return
	case wire.EventWSPing:
		c.sendRaw(wire.EncodeEvent(wire.EventWSPong, nil))
		return
	case wire.EventWSPong:
		return
	case wire.EventRecv:
		if inner, ok := ev.Data.([]any); ok && len(inner) == 1 {
			if innerVec, ok := inner[0].([]any); ok && len(innerVec) >= 1 {
				if idStr, ok := innerVec[0].(string); ok {
					if id, err := wire.ParseEventID(idStr); err == nil {
						var data any
						if len(innerVec) > 1 {
							data = innerVec[1]
						}
						c.deliverApp(wire.Event{ID: id, Data: data})
						return
					}
				}
			}
		}
	}
	c.deliverApp(ev)
}

func (c *Client) deliverApp(ev wire.Event) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(ev.ID, ev.Data)
	}
	c.dispatcher.Dispatch(ev)
}

func (c *Client) handleHandshake(data any) {
	hs, ok := data.([]any)
	uid := ""
	if ok && len(hs) > 0 {
		if s, ok := hs[0].(string); ok {
			uid = s
		}
	}
	c.mu.Lock()
	c.uid = uid
	c.state = StateOpen
	c.mu.Unlock()
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen(uid)
	}
}

func (c *Client) routeReply(reply wire.ReplyData) {
	c.pendingMu.Lock()
	p, ok := c.pending[reply.CBUID]
	if ok {
		delete(c.pending, reply.CBUID)
	}
	c.pendingMu.Unlock()
	if ok {
		p.resultCh <- reply
	}
}

// Send encodes ev and enqueues it on the outbound send queue, returning the
// queue's ack (nil on :ok, errorkind.ErrQueueRejected on :rejected).
func (c *Client) Send(ev wire.Event) error {
	b, err := wire.EncodeBytes(c.cfg.Codec, ev)
	if err != nil {
		return err
	}
	return c.sendRawBytes(b)
}

func (c *Client) sendRaw(ev wire.Event) {
	_ = c.Send(ev)
}

func (c *Client) sendRawBytes(b []byte) error {
	c.mu.Lock()
	q := c.sendQueue
	c.mu.Unlock()
	if q == nil {
		return errorkind.ErrClosed
	}
	return q.Enqueue(b)
}

// Request sends ev as a callback-wrapped event and waits up to timeout for
// the correlated chsk/reply.
func (c *Client) Request(ctx context.Context, ev wire.Event, timeout time.Duration) (any, error) {
	cb := wire.EncodeEventWithCallback(ev.ID, ev.Data, "")
	b, err := wire.EncodeBytes(c.cfg.Codec, cb)
	if err != nil {
		return nil, err
	}

	p := &pendingReply{resultCh: make(chan wire.ReplyData, 1)}
	c.pendingMu.Lock()
	c.pending[cb.CBUID] = p
	c.pendingMu.Unlock()

	if err := c.sendRawBytes(b); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, cb.CBUID)
		c.pendingMu.Unlock()
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-p.resultCh:
		return reply.Data, nil
	case <-timeoutCtx.Done():
		c.pendingMu.Lock()
		delete(c.pending, cb.CBUID)
		c.pendingMu.Unlock()
		return nil, errorkind.ErrRPCTimeout
	}
}

// Subscribe sends sente-lite/subscribe for channelID and waits for the
// matching sente-lite/subscribed confirmation.
func (c *Client) Subscribe(ctx context.Context, channelID string, timeout time.Duration) error {
	resultCh := make(chan wire.SubscribedData, 1)
	handlerID, err := c.On(dispatcher.Options{
		EventID: wire.EventSubscribed,
		Once:    true,
		Callback: func(r dispatcher.Result) {
			if r.Err != nil {
				return
			}
			if m, ok := r.Event.Data.(map[string]any); ok {
				if id, _ := m["channel-id"].(string); id == channelID {
					success, _ := m["success"].(bool)
					errStr, _ := m["error"].(string)
					resultCh <- wire.SubscribedData{ChannelID: id, Success: success, Error: errStr}
				}
			}
		},
		TimeoutMS: int(timeout / time.Millisecond),
	})
	if err != nil {
		return err
	}
	defer c.Off(handlerID)

	if err := c.Send(wire.EncodeEvent(wire.EventSubscribe, wire.SubscribeData{ChannelID: channelID})); err != nil {
		return err
	}

	select {
	case res := <-resultCh:
		if !res.Success {
			return fmt.Errorf("%w: %s", errorkind.ErrUnknownOp, res.Error)
		}
		return nil
	case <-ctx.Done():
		return errorkind.ErrTimeout
	}
}

// Unsubscribe sends sente-lite/unsubscribe for channelID.
func (c *Client) Unsubscribe(channelID string) error {
	return c.Send(wire.EncodeEvent(wire.EventUnsubscribe, wire.SubscribeData{ChannelID: channelID}))
}

// Publish sends sente-lite/publish for channelID.
func (c *Client) Publish(channelID string, data any) error {
	return c.Send(wire.EncodeEvent(wire.EventPublish, wire.PublishData{ChannelID: channelID, Data: data}))
}

// Close prevents further reconnects and closes the current connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	q := c.sendQueue
	c.state = StateClosed
	c.mu.Unlock()

	close(c.stopCh)
	if q != nil {
		q.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.dispatcher.Close("client closed")
	<-c.doneCh

	if c.cfg.OnClose != nil {
		c.cfg.OnClose("closed")
	}
}
