package serverrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/franks42/sente-lite-sub006/internal/wire"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	ts := httptest.NewServer(s.engine)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readDecoded(t *testing.T, conn *websocket.Conn) wire.Decoded {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return wire.DecodeInbound(wire.JSONCodec{}, raw)
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev wire.Event) {
	t.Helper()
	b, err := wire.EncodeBytes(wire.JSONCodec{}, ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestHandshakeSentOnConnect(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, "uid=alice")

	d := readDecoded(t, conn)
	require.Equal(t, wire.KindSingle, d.Kind)
	require.Equal(t, wire.EventHandshake, d.Single.ID)
}

func TestDefaultEchoReplyWhenNoOnMessage(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, "")
	readDecoded(t, conn) // handshake

	sendEvent(t, conn, wire.Event{ID: wire.MustEventID("app", "ping"), Data: "hello"})

	d := readDecoded(t, conn)
	require.Equal(t, wire.KindSingle, d.Kind)
	require.Equal(t, wire.EventEcho, d.Single.ID)
}

func TestWSPingAutoRepliesWithPong(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, "")
	readDecoded(t, conn) // handshake

	sendEvent(t, conn, wire.Event{ID: wire.EventWSPing})

	d := readDecoded(t, conn)
	require.Equal(t, wire.KindSingle, d.Kind)
	require.Equal(t, wire.EventWSPong, d.Single.ID)
}

func TestOnMessageHookOverridesDefaultEcho(t *testing.T) {
	hook := func(connID string, id wire.EventID, data any) *wire.Event {
		ev := wire.EncodeEvent(wire.MustEventID("app", "pong"), "custom-reply")
		return &ev
	}
	_, ts := newTestServer(t, Config{OnMessage: hook})
	conn := dialWS(t, ts, "")
	readDecoded(t, conn) // handshake

	sendEvent(t, conn, wire.Event{ID: wire.MustEventID("app", "ping")})

	d := readDecoded(t, conn)
	require.Equal(t, wire.KindSingle, d.Kind)
	require.Equal(t, "app/pong", d.Single.ID.String())
	require.Equal(t, "custom-reply", d.Single.Data)
}

func TestCallbackEventRepliesViaChskReply(t *testing.T) {
	hook := func(connID string, id wire.EventID, data any) *wire.Event {
		ev := wire.EncodeEvent(id, "got-it")
		return &ev
	}
	_, ts := newTestServer(t, Config{OnMessage: hook})
	conn := dialWS(t, ts, "")
	readDecoded(t, conn) // handshake

	cb := wire.EncodeEventWithCallback(wire.MustEventID("app", "req"), "payload", "")
	b, err := wire.EncodeBytes(wire.JSONCodec{}, cb)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	d := readDecoded(t, conn)
	require.Equal(t, wire.KindReply, d.Kind)
	require.Equal(t, cb.CBUID, d.Reply.CBUID)
	require.Equal(t, "got-it", d.Reply.Data)
}

func TestSubscribePublishFanOut(t *testing.T) {
	_, ts := newTestServer(t, Config{Channels: ChannelsConfig{AutoCreate: true}})
	connA := dialWS(t, ts, "uid=a")
	connB := dialWS(t, ts, "uid=b")
	readDecoded(t, connA)
	readDecoded(t, connB)

	sendEvent(t, connA, wire.Event{ID: wire.EventSubscribe, Data: map[string]any{"channel-id": "room-1"}})
	confirmA := readDecoded(t, connA)
	require.Equal(t, wire.EventSubscribed, confirmA.Single.ID)

	sendEvent(t, connB, wire.Event{ID: wire.EventSubscribe, Data: map[string]any{"channel-id": "room-1"}})
	confirmB := readDecoded(t, connB)
	require.Equal(t, wire.EventSubscribed, confirmB.Single.ID)

	sendEvent(t, connA, wire.Event{ID: wire.EventPublish, Data: map[string]any{"channel-id": "room-1", "data": "hi room"}})

	d := readDecoded(t, connB)
	require.Equal(t, wire.KindSingle, d.Kind)
	require.Equal(t, wire.EventChannelMsg, d.Single.ID)
	msg, ok := d.Single.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "a", msg["from"])
}

func TestHealthzAndDebugStats(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
}

func TestSubscribeToUnknownChannelWithoutAutoCreateFails(t *testing.T) {
	_, ts := newTestServer(t, Config{Channels: ChannelsConfig{AutoCreate: false}})
	conn := dialWS(t, ts, "")
	readDecoded(t, conn)

	sendEvent(t, conn, wire.Event{ID: wire.EventSubscribe, Data: map[string]any{"channel-id": "nope"}})
	d := readDecoded(t, conn)
	require.Equal(t, wire.EventSubscribed, d.Single.ID)

	confirmMap, ok := d.Single.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, confirmMap["success"])
}
