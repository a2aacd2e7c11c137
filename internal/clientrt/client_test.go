package clientrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/franks42/sente-lite-sub006/internal/dispatcher"
	"github.com/franks42/sente-lite-sub006/internal/errorkind"
	"github.com/franks42/sente-lite-sub006/internal/wire"
)

// fakeServer is a minimal hand-rolled echo/handshake peer, independent of
// internal/serverrt, so these tests exercise only the client state machine.
type fakeServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	onFrame  func(conn *websocket.Conn, d wire.Decoded)
	sendHandshake bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{sendHandshake: true}
	ts := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(ts.Close)
	return fs, ts
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	if fs.sendHandshake {
		b, _ := wire.EncodeBytes(wire.JSONCodec{}, wire.EncodeEvent(wire.EventHandshake, []any{"uid-1", nil, nil, true}))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d := wire.DecodeInbound(wire.JSONCodec{}, raw)
		if fs.onFrame != nil {
			fs.onFrame(conn, d)
		}
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHandshakeSetsUIDAndOpensState(t *testing.T) {
	_, ts := newFakeServer(t)
	opened := make(chan string, 1)
	c := New(Config{
		URL: wsURL(ts),
		OnOpen: func(uid string) { opened <- uid },
	})
	defer c.Close()

	select {
	case uid := <-opened:
		require.Equal(t, "uid-1", uid)
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, "uid-1", c.UID())
}

func TestWSPingAutoRepliesWithPong(t *testing.T) {
	fs, ts := newFakeServer(t)
	gotPong := make(chan struct{}, 1)
	fs.onFrame = func(conn *websocket.Conn, d wire.Decoded) {
		if d.Kind == wire.KindSingle && d.Single.ID == wire.EventWSPong {
			gotPong <- struct{}{}
		}
	}

	c := New(Config{URL: wsURL(ts)})
	defer c.Close()
	time.Sleep(50 * time.Millisecond)

	b, _ := wire.EncodeBytes(wire.JSONCodec{}, wire.EncodeEvent(wire.EventWSPing, nil))
	fs.mu.Lock()
	conn := fs.conns[0]
	fs.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, b)

	select {
	case <-gotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not auto-reply to ws-ping")
	}
}

func TestOnMessageAndDispatcherBothFireForAppEvents(t *testing.T) {
	fs, ts := newFakeServer(t)
	var mu sync.Mutex
	var onMessageFired bool
	done := make(chan struct{})

	c := New(Config{
		URL: wsURL(ts),
		OnMessage: func(id wire.EventID, data any) {
			mu.Lock()
			onMessageFired = true
			mu.Unlock()
		},
	})
	defer c.Close()

	_, err := c.On(dispatcher.Options{
		EventID: wire.MustEventID("app", "push"),
		Once:    true,
		Callback: func(r dispatcher.Result) {
			close(done)
		},
	})
	require.NoError(t, err)

	waitOpen(t, c)

	push := wire.EncodeEvent(wire.MustEventID("app", "push"), "hello")
	b, err := wire.EncodeBytes(wire.JSONCodec{}, push)
	require.NoError(t, err)

	fs.mu.Lock()
	conn := fs.conns[0]
	fs.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher handler did not fire for app event")
	}
	mu.Lock()
	require.True(t, onMessageFired)
	mu.Unlock()
}

func waitOpen(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never reached open state")
}

func TestChskRecvUnwrapsIntoApplicationEvent(t *testing.T) {
	fs, ts := newFakeServer(t)
	delivered := make(chan wire.Event, 1)

	c := New(Config{
		URL: wsURL(ts),
		OnMessage: func(id wire.EventID, data any) {
			delivered <- wire.Event{ID: id, Data: data}
		},
	})
	defer c.Close()
	waitOpen(t, c)

	inner := wire.Event{ID: wire.MustEventID("app", "notify"), Data: "payload"}
	wrapped := wire.WrapRecv(inner)
	b, err := wire.EncodeBytes(wire.JSONCodec{}, wrapped)
	require.NoError(t, err)

	fs.mu.Lock()
	conn := fs.conns[0]
	fs.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	select {
	case ev := <-delivered:
		require.Equal(t, "app/notify", ev.ID.String())
		require.Equal(t, "payload", ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("chsk/recv was not unwrapped and delivered")
	}
}

func TestRequestResolvesOnReply(t *testing.T) {
	fs, ts := newFakeServer(t)
	fs.onFrame = func(conn *websocket.Conn, d wire.Decoded) {
		if d.Kind != wire.KindCallback {
			return
		}
		payload := map[string]any{"cb-uuid": d.Callback.CBUID, "data": "pong"}
		b, _ := wire.JSONCodec{}.Encode([]any{wire.EventReply.String(), payload})
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}

	c := New(Config{URL: wsURL(ts)})
	defer c.Close()
	waitOpen(t, c)

	result, err := c.Request(context.Background(), wire.Event{ID: wire.MustEventID("app", "req"), Data: "ping"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "pong", result)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	_, ts := newFakeServer(t)
	c := New(Config{URL: wsURL(ts)})
	defer c.Close()
	waitOpen(t, c)

	_, err := c.Request(context.Background(), wire.Event{ID: wire.MustEventID("app", "req")}, 30*time.Millisecond)
	require.ErrorIs(t, err, errorkind.ErrRPCTimeout)
}

func TestSubscribeResolvesOnMatchingConfirmation(t *testing.T) {
	fs, ts := newFakeServer(t)
	fs.onFrame = func(conn *websocket.Conn, d wire.Decoded) {
		if d.Kind != wire.KindSingle || d.Single.ID != wire.EventSubscribe {
			return
		}
		sub, _ := d.Single.Data.(map[string]any)
		channelID, _ := sub["channel-id"].(string)
		confirm := wire.EncodeEvent(wire.EventSubscribed, wire.SubscribedData{ChannelID: channelID, Success: true})
		b, _ := wire.EncodeBytes(wire.JSONCodec{}, confirm)
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}

	c := New(Config{URL: wsURL(ts)})
	defer c.Close()
	waitOpen(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Subscribe(ctx, "room-1", time.Second))
}

func TestCloseIsIdempotentAndStopsReconnect(t *testing.T) {
	_, ts := newFakeServer(t)
	c := New(Config{URL: wsURL(ts), AutoReconnect: true})
	waitOpen(t, c)

	c.Close()
	c.Close()
	require.Equal(t, StateClosed, c.State())
}

func TestAutoReconnectReachesOpenAgainAfterConnectionDrop(t *testing.T) {
	fs, ts := newFakeServer(t)
	reconnected := make(chan struct{}, 1)

	c := New(Config{
		URL:               wsURL(ts),
		AutoReconnect:     true,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		OnReconnect:       func() { reconnected <- struct{}{} },
	})
	defer c.Close()
	waitOpen(t, c)

	fs.mu.Lock()
	conn := fs.conns[0]
	fs.mu.Unlock()
	require.NoError(t, conn.Close())

	waitOpen(t, c)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnect was not invoked")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	d1 := backoffDelay(100*time.Millisecond, time.Second, 1, false)
	d2 := backoffDelay(100*time.Millisecond, time.Second, 2, false)
	d3 := backoffDelay(100*time.Millisecond, time.Second, 10, false)

	require.Equal(t, 100*time.Millisecond, d1)
	require.Equal(t, 200*time.Millisecond, d2)
	require.Equal(t, time.Second, d3)
}
